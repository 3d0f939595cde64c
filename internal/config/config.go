// Package config loads the variantsync configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/variantsync/internal/providers/s3remote"
)

const (
	EnvDatabaseURL = "VARIANTSYNC_DATABASE_URL"
	EnvLogLevel    = "VARIANTSYNC_LOG_LEVEL"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Remote kinds.
const (
	RemoteMirror = "mirror"
	RemoteS3     = "s3"
)

type Config struct {
	// Workspace is the local directory whose top level folders are projects.
	Workspace string `yaml:"workspace"`
	// Roots are workspace paths the subscriber supervises.
	Roots      []string     `yaml:"roots"`
	Subscriber string       `yaml:"subscriber"`
	LogLevel   string       `yaml:"log_level"`
	Store      StoreConfig  `yaml:"store"`
	Remote     RemoteConfig `yaml:"remote"`
	Cache      CacheConfig  `yaml:"cache"`
	Ignore     []string     `yaml:"ignore"`
	Serve      ServeConfig  `yaml:"serve"`
}

type StoreConfig struct {
	Backend      string        `yaml:"backend"`
	DatabaseURL  string        `yaml:"database_url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RemoteConfig struct {
	Kind   string          `yaml:"kind"`
	Mirror MirrorConfig    `yaml:"mirror"`
	S3     s3remote.Config `yaml:"s3"`
}

type MirrorConfig struct {
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers"`
}

type CacheConfig struct {
	// Dir is where fetched contents are kept. Empty keeps them in memory.
	Dir      string        `yaml:"dir"`
	MaxSize  int64         `yaml:"max_size"`
	Lifespan time.Duration `yaml:"lifespan"`
}

type ServeConfig struct {
	FeedAddr        string        `yaml:"feed_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// RefreshWorkers bounds how many roots a periodic refresh fetches at once.
	RefreshWorkers int           `yaml:"refresh_workers"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
}

// Default returns a config that syncs ./workspace against ./remote in memory.
func Default() *Config {
	return &Config{
		Workspace:  "workspace",
		Subscriber: "variants",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend:      StoreMemory,
			MaxOpenConns: 25,
			Timeout:      10 * time.Second,
		},
		Remote: RemoteConfig{
			Kind:   RemoteMirror,
			Mirror: MirrorConfig{Dir: "remote", Workers: 8},
		},
		Cache: CacheConfig{
			MaxSize:  256 << 20,
			Lifespan: 24 * time.Hour,
		},
		Serve: ServeConfig{
			FeedAddr:        ":8080",
			MetricsAddr:     ":9090",
			RefreshInterval: time.Minute,
			RefreshWorkers:  4,
			PurgeInterval:   10 * time.Minute,
		},
	}
}

// Load reads the file at name over the defaults, applies the environment and
// validates the result. An empty name skips the file.
func Load(name string) (*Config, error) {
	cfg := Default()
	if name != "" {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err = cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML decodes r over the defaults without touching the environment.
func LoadYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment as seen through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Store.DatabaseURL = v
		c.Store.Backend = StorePostgres
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

// Validate reports every problem of the config at once.
func (c *Config) Validate() error {
	var err error
	if c.Workspace == "" {
		err = multierr.Append(err, errors.New("workspace is required"))
	}
	if c.Subscriber == "" {
		err = multierr.Append(err, errors.New("subscriber name is required"))
	}
	for _, root := range c.Roots {
		if !strings.HasPrefix(root, "/") || path.Clean(root) != root {
			err = multierr.Append(err, fmt.Errorf("root %q is not a clean absolute workspace path", root))
		}
	}
	for _, pattern := range c.Ignore {
		if _, matchErr := path.Match(pattern, ""); matchErr != nil {
			err = multierr.Append(err, fmt.Errorf("ignore pattern %q: %w", pattern, matchErr))
		}
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			err = multierr.Append(err, fmt.Errorf("store: postgres needs database_url or %s", EnvDatabaseURL))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}

	switch c.Remote.Kind {
	case RemoteMirror:
		if c.Remote.Mirror.Dir == "" {
			err = multierr.Append(err, errors.New("remote: mirror dir is required"))
		}
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			err = multierr.Append(err, errors.New("remote: s3 bucket is required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("remote: unknown kind %q", c.Remote.Kind))
	}

	if c.Cache.MaxSize < 0 {
		err = multierr.Append(err, errors.New("cache: max_size must not be negative"))
	}
	if c.Serve.RefreshInterval < 0 || c.Serve.PurgeInterval < 0 {
		err = multierr.Append(err, errors.New("serve: intervals must not be negative"))
	}
	if c.Serve.RefreshWorkers < 0 {
		err = multierr.Append(err, errors.New("serve: refresh_workers must not be negative"))
	}
	return err
}
