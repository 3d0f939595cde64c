package store

import (
	"bytes"
	"context"
	"path"
	"sort"
	"sync"

	"github.com/zeusync/variantsync/internal/core/resource"
)

var _ ByteStore = (*Session)(nil)

type sessionEntry struct {
	res   resource.Resource
	bytes []byte
}

// Session keeps variant bytes in memory for the lifetime of the process. An
// empty entry marks a variant known not to exist.
type Session struct {
	mu       sync.RWMutex
	entries  map[string]sessionEntry
	children map[string]map[string]struct{}
}

func NewSession() *Session {
	return &Session{
		entries:  make(map[string]sessionEntry),
		children: make(map[string]map[string]struct{}),
	}
}

func (s *Session) Get(r resource.Resource) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[r.Path()]
	if !ok || len(e.bytes) == 0 {
		return nil, nil
	}
	return bytes.Clone(e.bytes), nil
}

func (s *Session) Set(r resource.Resource, b []byte) (bool, error) {
	if err := requireBytes(r, b); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[r.Path()]; ok && bytes.Equal(e.bytes, b) {
		return false, nil
	}
	s.put(r, bytes.Clone(b))
	return true, nil
}

func (s *Session) Delete(r resource.Resource) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[r.Path()]; ok && len(e.bytes) == 0 {
		return false, nil
	}
	s.put(r, []byte{})
	return true, nil
}

func (s *Session) Flush(r resource.Resource, depth resource.Depth) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.Path()
	switch depth {
	case resource.DepthZero:
		return s.remove(key), nil
	case resource.DepthOne:
		changed := false
		for child := range s.children[key] {
			changed = s.remove(child) || changed
		}
		return s.remove(key) || changed, nil
	default:
		changed := false
		for k := range s.entries {
			if resource.IsPrefixOf(key, k) {
				changed = s.remove(k) || changed
			}
		}
		return changed, nil
	}
}

func (s *Session) Members(r resource.Resource) ([]resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kids := s.children[r.Path()]
	keys := make([]string, 0, len(kids))
	for k := range kids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]resource.Resource, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k].res)
	}
	return out, nil
}

func (s *Session) IsVariantKnown(r resource.Resource) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[r.Path()]
	return ok, nil
}

func (s *Session) Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	return run(ctx, root, fn)
}

// Dispose drops every entry.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	clear(s.children)
}

func (s *Session) put(r resource.Resource, b []byte) {
	key := r.Path()
	s.entries[key] = sessionEntry{res: r, bytes: b}
	if key == "/" {
		return
	}
	parent := path.Dir(key)
	if s.children[parent] == nil {
		s.children[parent] = make(map[string]struct{})
	}
	s.children[parent][key] = struct{}{}
}

func (s *Session) remove(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	if key == "/" {
		return true
	}
	parent := path.Dir(key)
	if kids, ok := s.children[parent]; ok {
		delete(kids, key)
		if len(kids) == 0 {
			delete(s.children, parent)
		}
	}
	return true
}
