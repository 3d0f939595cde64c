package cached

import (
	"path"
	"sort"
	"sync"

	"github.com/spf13/afero"
)

// Registry owns the named caches of a process. Each cache lives in its own
// directory below the registry root.
type Registry struct {
	fs   afero.Fs
	dir  string
	opts Options

	mu     sync.RWMutex
	caches map[string]*Cache
}

func NewRegistry(fsys afero.Fs, dir string, opts Options) *Registry {
	return &Registry{fs: fsys, dir: dir, opts: opts, caches: make(map[string]*Cache)}
}

// Enable creates the cache id unless it exists and returns it.
func (r *Registry) Enable(id string) (*Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[id]; ok {
		return c, nil
	}
	c, err := newCache(id, r.fs, path.Join(r.dir, fileName(id)), r.opts)
	if err != nil {
		return nil, err
	}
	r.caches[id] = c
	return c, nil
}

// Cache returns the cache id, nil when it is not enabled.
func (r *Registry) Cache(id string) *Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caches[id]
}

func (r *Registry) IsEnabled(id string) bool {
	return r.Cache(id) != nil
}

// Disable clears and forgets the cache id.
func (r *Registry) Disable(id string) {
	r.mu.Lock()
	c, ok := r.caches[id]
	delete(r.caches, id)
	r.mu.Unlock()
	if ok {
		c.Clear()
	}
}

// IDs lists the enabled caches.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.caches))
	for id := range r.caches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Purge purges every cache and returns the number of removed entries.
func (r *Registry) Purge() int {
	r.mu.RLock()
	caches := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range caches {
		n += c.Purge()
	}
	return n
}
