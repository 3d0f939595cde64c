package cached

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/zeusync/variantsync/internal/core/variants"
)

// Source supplies the lineup specific parts of a cached variant.
type Source interface {
	Name() string
	IsContainer() bool
	ContentIdentifier() string
	Bytes() []byte
	// CachePath identifies the contents within the cache. Contents stored
	// under one path never change.
	CachePath() string
	// CacheID names the cache holding the contents.
	CacheID() string
	// FetchContents retrieves the contents and hands them to v.SetContents.
	FetchContents(ctx context.Context, v *Variant) error
}

// Variant is a resource variant whose contents are fetched on first access
// and kept in a Registry cache afterwards. Concurrent first accesses may
// fetch twice.
type Variant struct {
	src Source
	reg *Registry
}

var _ variants.ResourceVariant = (*Variant)(nil)

func New(src Source, reg *Registry) *Variant {
	return &Variant{src: src, reg: reg}
}

func (v *Variant) Source() Source            { return v.src }
func (v *Variant) Name() string              { return v.src.Name() }
func (v *Variant) IsContainer() bool         { return v.src.IsContainer() }
func (v *Variant) ContentIdentifier() string { return v.src.ContentIdentifier() }
func (v *Variant) Bytes() []byte             { return v.src.Bytes() }
func (v *Variant) CachePath() string         { return v.src.CachePath() }

// Storage fetches the contents unless cached. Containers have none.
func (v *Variant) Storage(ctx context.Context) (variants.Storage, error) {
	if v.IsContainer() {
		return nil, nil
	}
	if err := v.ensureContentsCached(ctx); err != nil {
		return nil, err
	}
	return storage{v: v}, nil
}

func (v *Variant) ensureContentsCached(ctx context.Context) error {
	c, err := v.cache()
	if err != nil {
		return err
	}
	if c.IsCached(v.CachePath()) {
		return nil
	}
	if err = variants.CheckCanceled(ctx); err != nil {
		return err
	}
	if err = v.src.FetchContents(ctx, v); err != nil {
		return variants.Wrap(err, variants.CodeRemote, "fetch contents of "+v.CachePath())
	}
	if !c.IsCached(v.CachePath()) {
		return variants.NewError(variants.CodeContent, "fetch did not store contents of "+v.CachePath(), variants.ErrContentsNotCached)
	}
	return nil
}

// SetContents stores the contents of the variant.
func (v *Variant) SetContents(r io.Reader) error {
	if v.IsContainer() {
		return variants.ErrContainer
	}
	c, err := v.cache()
	if err != nil {
		return err
	}
	if _, err = c.Put(v.CachePath(), r); err != nil {
		return variants.Wrap(err, variants.CodeContent, "cache contents of "+v.CachePath())
	}
	c.setHandle(v.CachePath(), v)
	return nil
}

// IsContentsCached reports whether Storage would not fetch.
func (v *Variant) IsContentsCached() bool {
	c := v.reg.Cache(v.src.CacheID())
	return c != nil && c.IsCached(v.CachePath())
}

// Size is the cached content size, 0 until the contents are cached.
func (v *Variant) Size() int64 {
	c := v.reg.Cache(v.src.CacheID())
	if c == nil {
		return 0
	}
	size, _ := c.Size(v.CachePath())
	return size
}

// CachedHandle returns the variant that stored the cached contents, or v
// itself when nothing is cached yet.
func (v *Variant) CachedHandle() *Variant {
	c := v.reg.Cache(v.src.CacheID())
	if c == nil {
		return v
	}
	if h := c.handle(v.CachePath()); h != nil {
		return h
	}
	return v
}

func (v *Variant) cache() (*Cache, error) {
	c, err := v.reg.Enable(v.src.CacheID())
	if err != nil {
		return nil, variants.Wrap(err, variants.CodeContent, "enable cache "+v.src.CacheID())
	}
	return c, nil
}

type storage struct{ v *Variant }

func (s storage) Name() string     { return s.v.Name() }
func (s storage) FullPath() string { return s.v.CachePath() }

func (s storage) Contents() (io.ReadCloser, error) {
	c, err := s.v.cache()
	if err != nil {
		return nil, err
	}
	rc, err := c.Open(s.v.CachePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, variants.NewError(variants.CodeContent, "contents of "+s.v.CachePath()+" were evicted", variants.ErrContentsNotCached)
	}
	return rc, err
}
