package injector

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/wire"
	"github.com/spf13/afero"

	"github.com/zeusync/variantsync/internal/config"
	"github.com/zeusync/variantsync/internal/core/events/bus"
	"github.com/zeusync/variantsync/internal/core/kv"
	"github.com/zeusync/variantsync/internal/core/kv/postgres"
	"github.com/zeusync/variantsync/internal/core/metrics"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/cached"
	"github.com/zeusync/variantsync/internal/core/variants/store"
	"github.com/zeusync/variantsync/internal/core/variants/subscriber"
	"github.com/zeusync/variantsync/internal/core/variants/threeway"
	"github.com/zeusync/variantsync/internal/core/variants/tree"
	"github.com/zeusync/variantsync/internal/feed"
	"github.com/zeusync/variantsync/internal/providers/mirror"
	"github.com/zeusync/variantsync/internal/providers/s3remote"
)

// Remote is a remote lineup: it fetches variants and rebuilds them from
// stored bytes.
type Remote interface {
	tree.Fetcher
	variants.Factory
}

// App is the wired subscriber graph of one configuration.
type App struct {
	Config       *config.Config
	Log          log.Log
	Workspace    *resource.FsWorkspace
	Synchronizer *threeway.Synchronizer
	Cache        *cached.Registry
	Subscriber   *subscriber.Subscriber
	Feed         *feed.Server
}

// Roots returns the configured root handles.
func (a *App) Roots() []resource.Resource {
	return a.Subscriber.Roots()
}

// Lookup resolves a workspace path, typed after what is on disk. Paths that
// only exist remotely are typed after their remote variant.
func (a *App) Lookup(p string) (resource.Resource, error) {
	r, err := a.Workspace.Lookup(p)
	if !errors.Is(err, resource.ErrNotFound) {
		return r, err
	}
	file := a.Workspace.Handle(p, resource.File)
	v, err := a.Subscriber.RemoteTree().ResourceVariant(file)
	if err != nil {
		return nil, err
	}
	if v != nil && v.IsContainer() {
		return a.Workspace.Handle(p, resource.Folder), nil
	}
	return file, nil
}

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideRecorder,
	ProvideBus,
	ProvideWorkspace,
	ProvideStore,
	ProvideSynchronizer,
	ProvideCache,
	ProvideRemote,
	ProvideSubscriber,
	ProvideFeed,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg *config.Config) *log.Logger {
	return log.New(log.ParseLevel(cfg.LogLevel))
}

func ProvideRecorder() metrics.Recorder {
	return metrics.NewRecorder()
}

// ProvideBus builds the event bus shared by the synchronizer and the
// subscriber. Deliveries are counted by rec.
func ProvideBus(rec metrics.Recorder) bus.EventBus {
	b := bus.New()
	b.AddObserver(rec)
	return b
}

func ProvideWorkspace(cfg *config.Config) *resource.FsWorkspace {
	return resource.NewWorkspace(afero.NewOsFs(), cfg.Workspace)
}

// ProvideStore picks the byte store of the configured backend. Postgres
// entries are qualified by the subscriber name.
func ProvideStore(ctx context.Context, cfg *config.Config, ws *resource.FsWorkspace, logger log.Log) (store.ByteStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		opts := postgres.DefaultOptions()
		if cfg.Store.MaxOpenConns > 0 {
			opts.MaxOpenConns = cfg.Store.MaxOpenConns
		}
		if cfg.Store.Timeout > 0 {
			opts.Timeout = cfg.Store.Timeout
		}
		pg, err := postgres.Open(ctx, cfg.Store.DatabaseURL, ws, logger, opts)
		if err != nil {
			return nil, nil, err
		}
		st := store.NewPersistent(pg, kv.QualifiedName{Qualifier: "variantsync", Local: cfg.Subscriber})
		return st, func() {
			st.Dispose()
			if err := pg.Close(); err != nil {
				logger.Warn("close database", log.Error(err))
			}
		}, nil
	case config.StoreMemory:
		st := store.NewSession()
		return st, st.Dispose, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func ProvideSynchronizer(cfg *config.Config, st store.ByteStore, ws *resource.FsWorkspace, b bus.EventBus, logger log.Log) *threeway.Synchronizer {
	return threeway.New(st,
		threeway.WithName(cfg.Subscriber),
		threeway.WithTopic("threeway/"+cfg.Subscriber),
		threeway.WithTreeLock(ws),
		threeway.WithBus(b),
		threeway.WithLogger(logger),
	)
}

// ProvideCache keeps fetched contents below cfg.Cache.Dir, or in memory when
// no dir is configured.
func ProvideCache(cfg *config.Config, rec metrics.Recorder, logger log.Log) *cached.Registry {
	opts := cached.Options{
		MaxSize:  cfg.Cache.MaxSize,
		Lifespan: cfg.Cache.Lifespan,
		Observer: rec,
		Logger:   logger,
	}
	if cfg.Cache.Dir == "" {
		return cached.NewRegistry(afero.NewMemMapFs(), "/", opts)
	}
	return cached.NewRegistry(afero.NewOsFs(), cfg.Cache.Dir, opts)
}

func ProvideRemote(ctx context.Context, cfg *config.Config, cache *cached.Registry, logger log.Log) (Remote, error) {
	switch cfg.Remote.Kind {
	case config.RemoteMirror:
		return mirror.New(afero.NewOsFs(), cfg.Remote.Mirror.Dir, cache,
			mirror.WithWorkers(cfg.Remote.Mirror.Workers),
			mirror.WithLogger(logger),
		), nil
	case config.RemoteS3:
		client, err := s3remote.NewClient(ctx, cfg.Remote.S3)
		if err != nil {
			return nil, err
		}
		return s3remote.New(client, cfg.Remote.S3, cache, logger), nil
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
}

func ProvideSubscriber(cfg *config.Config, ws *resource.FsWorkspace, sync *threeway.Synchronizer, remote Remote, b bus.EventBus, rec metrics.Recorder, logger log.Log) (*subscriber.Subscriber, func(), error) {
	ignore, err := subscriber.NewIgnorePolicy(append(append([]string(nil), subscriber.DefaultIgnorePatterns...), cfg.Ignore...)...)
	if err != nil {
		return nil, nil, err
	}
	roots := make([]resource.Resource, 0, len(cfg.Roots))
	for _, p := range cfg.Roots {
		roots = append(roots, ws.Handle(p, resource.Folder))
	}
	sub, err := subscriber.New(subscriber.Config{
		Name:         cfg.Subscriber,
		Roots:        roots,
		Synchronizer: sync,
		Fetcher:      remote,
		Factory:      remote,
		Ignore:       ignore,
		Bus:          b,
		Observer:     rec,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, sub.Dispose, nil
}

func ProvideFeed(logger log.Log) *feed.Server {
	return feed.New(logger)
}
