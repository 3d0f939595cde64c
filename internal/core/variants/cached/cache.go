// Package cached provides lazily fetched, disk cached variant contents.
package cached

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/zeusync/variantsync/internal/core/observability/log"
)

// Observer receives cache accounting events.
type Observer interface {
	Hit(cache string)
	Miss(cache string)
	Evicted(cache string, entries int)
}

// Options bound every cache of a registry.
type Options struct {
	// MaxSize is the byte budget of one cache; 0 means unbounded.
	MaxSize int64
	// Lifespan is how long an unused entry survives a Purge; 0 keeps entries
	// until they are evicted.
	Lifespan time.Duration
	Observer Observer
	Logger   log.Log
}

type entry struct {
	file       string
	size       int64
	lastAccess time.Time
	handle     *Variant
}

// Cache keeps the contents of variants keyed by cache path. Contents for a
// cache path are assumed immutable.
type Cache struct {
	id   string
	fs   afero.Fs
	dir  string
	opts Options
	log  log.Log
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	size    int64
}

func newCache(id string, fsys afero.Fs, dir string, opts Options) (*Cache, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		id:      id,
		fs:      fsys,
		dir:     dir,
		opts:    opts,
		log:     log.OrNop(opts.Logger).With(log.String("cache", id)),
		now:     time.Now,
		entries: make(map[string]*entry),
	}, nil
}

func (c *Cache) ID() string { return c.id }

// fileName derives the on-disk name of a cache path.
func fileName(cachePath string) string {
	return strconv.FormatUint(xxhash.Sum64String(cachePath), 16)
}

// IsCached reports whether contents are stored for cachePath.
func (c *Cache) IsCached(cachePath string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[cachePath]
	return ok
}

// Size returns the stored size of cachePath.
func (c *Cache) Size(cachePath string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cachePath]
	if !ok {
		return 0, false
	}
	return e.size, true
}

// Put stores r under cachePath, replacing earlier contents. Content is
// written to a temp file and renamed into place, so concurrent puts of the
// same path leave one complete copy.
func (c *Cache) Put(cachePath string, r io.Reader) (int64, error) {
	file := path.Join(c.dir, fileName(cachePath))
	f, err := afero.TempFile(c.fs, c.dir, fileName(cachePath)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	written, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.fs.Remove(tmp)
		return 0, fmt.Errorf("write contents of %s: %w", cachePath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err = c.fs.Rename(tmp, file); err != nil {
		_ = c.fs.Remove(tmp)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	if old, ok := c.entries[cachePath]; ok {
		c.size -= old.size
	}
	c.entries[cachePath] = &entry{file: file, size: written, lastAccess: c.now()}
	c.size += written

	evicted := 0
	for c.opts.MaxSize > 0 && c.size > c.opts.MaxSize {
		if !c.evictOldestLocked(cachePath) {
			break
		}
		evicted++
	}
	if evicted > 0 && c.opts.Observer != nil {
		c.opts.Observer.Evicted(c.id, evicted)
	}
	return written, nil
}

// Open returns the contents stored for cachePath.
func (c *Cache) Open(cachePath string) (io.ReadCloser, error) {
	c.mu.Lock()
	e, ok := c.entries[cachePath]
	if ok {
		e.lastAccess = c.now()
	}
	c.mu.Unlock()

	if !ok {
		c.miss()
		return nil, os.ErrNotExist
	}
	f, err := c.fs.Open(e.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.Remove(cachePath)
		}
		c.miss()
		return nil, err
	}
	if c.opts.Observer != nil {
		c.opts.Observer.Hit(c.id)
	}
	return f, nil
}

func (c *Cache) miss() {
	if c.opts.Observer != nil {
		c.opts.Observer.Miss(c.id)
	}
}

func (c *Cache) setHandle(cachePath string, v *Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[cachePath]; ok && e.handle == nil {
		e.handle = v
	}
}

func (c *Cache) handle(cachePath string) *Variant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[cachePath]; ok {
		return e.handle
	}
	return nil
}

// Remove drops the contents of cachePath.
func (c *Cache) Remove(cachePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(cachePath)
}

// Purge removes entries not accessed within the lifespan and returns how
// many were removed.
func (c *Cache) Purge() int {
	if c.opts.Lifespan <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.opts.Lifespan)
	n := 0
	for p, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			c.removeLocked(p)
			n++
		}
	}
	if n > 0 {
		c.log.Debug("purged cache entries", log.Int("entries", n))
		if c.opts.Observer != nil {
			c.opts.Observer.Evicted(c.id, n)
		}
	}
	return n
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.entries {
		c.removeLocked(p)
	}
}

// Stats returns the stored bytes and entry count.
func (c *Cache) Stats() (size int64, count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size, len(c.entries)
}

// evictOldestLocked removes the least recently used entry other than keep.
func (c *Cache) evictOldestLocked(keep string) bool {
	var oldest *entry
	var oldestPath string
	for p, e := range c.entries {
		if p == keep {
			continue
		}
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest, oldestPath = e, p
		}
	}
	if oldest == nil {
		return false
	}
	c.removeLocked(oldestPath)
	return true
}

func (c *Cache) removeLocked(cachePath string) {
	e, ok := c.entries[cachePath]
	if !ok {
		return
	}
	if err := c.fs.Remove(e.file); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("remove cache file", log.Path(cachePath), log.Error(err))
	}
	c.size -= e.size
	delete(c.entries, cachePath)
}
