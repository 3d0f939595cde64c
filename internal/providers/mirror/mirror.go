// Package mirror serves a remote lineup from a directory tree, typically a
// mounted or replicated copy of the workspace.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/zeusync/variantsync/internal/core/metrics"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/cached"
	"github.com/zeusync/variantsync/pkg/concurrent"
)

// CacheID names the content cache of mirror variants.
const CacheID = "mirror"

const defaultWorkers = 8

// Remote reads variants from dir on fs. Workspace path /p/a maps to dir/p/a.
type Remote struct {
	fs      afero.Fs
	dir     string
	cache   *cached.Registry
	workers int
	log     log.Log
}

type Option func(*Remote)

// WithWorkers bounds the number of files digested in parallel.
func WithWorkers(n int) Option {
	return func(r *Remote) { r.workers = n }
}

func WithLogger(l log.Log) Option {
	return func(r *Remote) { r.log = log.OrNop(l) }
}

// New serves dir on fsys. Contents are cached in cache, or in memory when
// cache is nil.
func New(fsys afero.Fs, dir string, cache *cached.Registry, opts ...Option) *Remote {
	if cache == nil {
		cache = cached.NewRegistry(afero.NewMemMapFs(), "/", cached.Options{})
	}
	r := &Remote{fs: fsys, dir: path.Clean(dir), cache: cache, workers: defaultWorkers, log: log.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) filePath(p string) string {
	return path.Join(r.dir, resource.Clean(p))
}

// FetchVariant stats the mirror copy of local and digests it when it is a
// file. Missing copies yield a nil variant.
func (r *Remote) FetchVariant(ctx context.Context, local resource.Resource, _ resource.Depth) (v variants.ResourceVariant, err error) {
	defer record("fetch_variant", time.Now(), &err)
	if err = variants.CheckCanceled(ctx); err != nil {
		return nil, err
	}
	info, err := r.fs.Stat(r.filePath(local.Path()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", local.Path(), err)
	}
	fetched, err := r.variant(local.Path(), info)
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// FetchMembers lists the children of a folder variant, digesting files in
// parallel.
func (r *Remote) FetchMembers(ctx context.Context, remote variants.ResourceVariant) (members []variants.ResourceVariant, err error) {
	defer record("fetch_members", time.Now(), &err)
	parent, ok := remote.(*Variant)
	if !ok {
		return nil, fmt.Errorf("%w: foreign variant %T", variants.ErrNotSupported, remote)
	}
	if !parent.container {
		return nil, nil
	}
	infos, err := afero.ReadDir(r.fs, r.filePath(parent.path))
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", parent.path, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return concurrent.ParallelMap(ctx, r.workers, infos, func(ctx context.Context, info os.FileInfo) (variants.ResourceVariant, error) {
		if err := variants.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		child, err := r.variant(resource.ChildPath(parent.path, info.Name()), info)
		if err != nil {
			return nil, err
		}
		return child, nil
	})
}

func (r *Remote) variant(p string, info os.FileInfo) (*Variant, error) {
	if info.IsDir() {
		return &Variant{remote: r, path: p, container: true}, nil
	}
	digest, err := r.digest(p)
	if err != nil {
		return nil, err
	}
	return &Variant{remote: r, path: p, digest: digest, size: info.Size()}, nil
}

func (r *Remote) digest(p string) (uint64, error) {
	f, err := r.fs.Open(r.filePath(p))
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	h := xxhash.New()
	if _, err = io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("digest %s: %w", p, err)
	}
	return h.Sum64(), nil
}

// ResourceVariant rebuilds a variant from bytes of the form
// "d" or "f:<digest hex>:<size>".
func (r *Remote) ResourceVariant(local resource.Resource, b []byte) (variants.ResourceVariant, error) {
	s := string(b)
	if s == "d" {
		return &Variant{remote: r, path: local.Path(), container: true}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "f" {
		return nil, fmt.Errorf("%w: mirror variant %q", variants.ErrInvalidBytes, s)
	}
	digest, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: digest %q", variants.ErrInvalidBytes, parts[1])
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: size %q", variants.ErrInvalidBytes, parts[2])
	}
	return &Variant{remote: r, path: local.Path(), digest: digest, size: size}, nil
}

func record(op string, start time.Time, err *error) {
	metrics.RecordRemoteOperation(CacheID, op, time.Since(start), *err)
}
