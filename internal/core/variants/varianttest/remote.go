// Package varianttest provides an in-memory lineup for tests.
package varianttest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

// Variant is a variant of the in-memory lineup. Its bytes are the kind
// prefix followed by the revision.
type Variant struct {
	path      string
	container bool
	rev       string
}

var _ variants.ResourceVariant = (*Variant)(nil)

func (v *Variant) Name() string              { return path.Base(v.path) }
func (v *Variant) Path() string              { return v.path }
func (v *Variant) IsContainer() bool         { return v.container }
func (v *Variant) ContentIdentifier() string { return v.rev }
func (v *Variant) Size() int64               { return int64(len(v.rev)) }

func (v *Variant) Bytes() []byte {
	kind := "f:"
	if v.container {
		kind = "d:"
	}
	return []byte(kind + v.rev)
}

func (v *Variant) Storage(context.Context) (variants.Storage, error) {
	if v.container {
		return nil, nil
	}
	return storage{v: v}, nil
}

type storage struct{ v *Variant }

func (s storage) Name() string     { return s.v.Name() }
func (s storage) FullPath() string { return s.v.path }
func (s storage) Contents() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.v.rev)), nil
}

// Remote is an in-memory lineup keyed by workspace path. It implements the
// fetcher and factory contracts of variant trees.
type Remote struct {
	mu     sync.Mutex
	nodes  map[string]*Variant
	fail   map[string]error
	calls  int
	cancel func()
}

func NewRemote() *Remote {
	return &Remote{nodes: make(map[string]*Variant), fail: make(map[string]error)}
}

// File stores a file revision, creating missing parent folders.
func (r *Remote) File(p, rev string) *Remote {
	r.put(resource.Clean(p), false, rev)
	return r
}

// Folder stores a folder, creating missing parents.
func (r *Remote) Folder(p, rev string) *Remote {
	r.put(resource.Clean(p), true, rev)
	return r
}

// Remove drops p and everything below it.
func (r *Remote) Remove(p string) *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	p = resource.Clean(p)
	for k := range r.nodes {
		if resource.IsPrefixOf(p, k) {
			delete(r.nodes, k)
		}
	}
	return r
}

// Fail makes fetches of p return err.
func (r *Remote) Fail(p string, err error) *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[resource.Clean(p)] = err
	return r
}

// CancelOnFetch calls cancel on the next FetchVariant.
func (r *Remote) CancelOnFetch(cancel func()) *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	return r
}

// Calls counts FetchVariant and FetchMembers calls.
func (r *Remote) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Lookup returns the variant stored at p.
func (r *Remote) Lookup(p string) *Variant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[resource.Clean(p)]
}

func (r *Remote) FetchVariant(_ context.Context, local resource.Resource, _ resource.Depth) (variants.ResourceVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if err := r.fail[local.Path()]; err != nil {
		return nil, err
	}
	if v, ok := r.nodes[local.Path()]; ok {
		return v, nil
	}
	return nil, nil
}

func (r *Remote) FetchMembers(_ context.Context, remote variants.ResourceVariant) ([]variants.ResourceVariant, error) {
	v, ok := remote.(*Variant)
	if !ok {
		return nil, fmt.Errorf("foreign variant %T", remote)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err := r.fail[v.path]; err != nil {
		return nil, err
	}
	var out []variants.ResourceVariant
	for p, child := range r.nodes {
		if p != "/" && path.Dir(p) == v.path {
			out = append(out, child)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// ResourceVariant rebuilds a variant of local from its bytes.
func (r *Remote) ResourceVariant(local resource.Resource, b []byte) (variants.ResourceVariant, error) {
	s := string(b)
	switch {
	case strings.HasPrefix(s, "d:"):
		return &Variant{path: local.Path(), container: true, rev: s[2:]}, nil
	case strings.HasPrefix(s, "f:"):
		return &Variant{path: local.Path(), rev: s[2:]}, nil
	}
	return nil, fmt.Errorf("%w: %q", variants.ErrInvalidBytes, s)
}

func (r *Remote) put(p string, container bool, rev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		if _, ok := r.nodes[dir]; !ok {
			r.nodes[dir] = &Variant{path: dir, container: true, rev: "d"}
		}
	}
	r.nodes[p] = &Variant{path: p, container: container, rev: rev}
}
