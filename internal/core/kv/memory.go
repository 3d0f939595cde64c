package kv

import (
	"context"
	"path"
	"sort"
	"sync"

	"github.com/zeusync/variantsync/internal/core/resource"
)

var _ Synchronizer = (*Memory)(nil)

type memoryEntry struct {
	res   resource.Resource
	value []byte
}

type partition struct {
	entries  map[string]memoryEntry
	children map[string]map[string]struct{}
}

// Memory is a process local Synchronizer. It does not survive restarts and is
// meant for tests and throwaway sessions.
type Memory struct {
	mu    sync.RWMutex
	parts map[QualifiedName]*partition
}

func NewMemory() *Memory {
	return &Memory{parts: make(map[QualifiedName]*partition)}
}

func (m *Memory) Get(name QualifiedName, r resource.Resource) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[name]
	if !ok {
		return nil, nil
	}
	e, ok := p.entries[r.Path()]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(name QualifiedName, r resource.Resource, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.partitionLocked(name)
	stored := make([]byte, len(value))
	copy(stored, value)
	p.entries[r.Path()] = memoryEntry{res: r, value: stored}
	if r.Path() != "/" {
		parent := path.Dir(r.Path())
		if p.children[parent] == nil {
			p.children[parent] = make(map[string]struct{})
		}
		p.children[parent][r.Path()] = struct{}{}
	}
	return nil
}

func (m *Memory) Flush(name QualifiedName, r resource.Resource, depth resource.Depth) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[name]
	if !ok {
		return 0, nil
	}
	return p.flush(r.Path(), depth), nil
}

func (m *Memory) Members(name QualifiedName, r resource.Resource) ([]resource.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[name]
	if !ok {
		return nil, nil
	}
	kids := p.children[r.Path()]
	paths := make([]string, 0, len(kids))
	for k := range kids {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	out := make([]resource.Resource, 0, len(paths))
	for _, k := range paths {
		out = append(out, p.entries[k].res)
	}
	return out, nil
}

func (m *Memory) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Len returns the number of entries stored under name.
func (m *Memory) Len(name QualifiedName) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.parts[name]; ok {
		return len(p.entries)
	}
	return 0
}

func (m *Memory) partitionLocked(name QualifiedName) *partition {
	p, ok := m.parts[name]
	if !ok {
		p = &partition{
			entries:  make(map[string]memoryEntry),
			children: make(map[string]map[string]struct{}),
		}
		m.parts[name] = p
	}
	return p
}

func (p *partition) flush(key string, depth resource.Depth) int {
	removed := 0
	switch depth {
	case resource.DepthZero:
		removed += p.remove(key)
	case resource.DepthOne:
		for child := range p.children[key] {
			removed += p.remove(child)
		}
		removed += p.remove(key)
	default:
		for k := range p.entries {
			if resource.IsPrefixOf(key, k) {
				removed += p.remove(k)
			}
		}
	}
	return removed
}

func (p *partition) remove(key string) int {
	if _, ok := p.entries[key]; !ok {
		return 0
	}
	delete(p.entries, key)
	if key == "/" {
		return 1
	}
	parent := path.Dir(key)
	if kids, ok := p.children[parent]; ok {
		delete(kids, key)
		if len(kids) == 0 {
			delete(p.children, parent)
		}
	}
	return 1
}
