package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

var _ Workspace = (*FsWorkspace)(nil)

// FsWorkspace exposes a directory of an afero filesystem as a workspace.
// Top level directories are projects.
type FsWorkspace struct {
	fs   afero.Fs
	base string

	treeMu sync.Mutex
}

// treeLockKey carries the hold flag of the region a workspace handed out.
type treeLockKey struct{ ws *FsWorkspace }

// NewWorkspace roots a workspace at dir inside fsys.
func NewWorkspace(fsys afero.Fs, dir string) *FsWorkspace {
	if dir == "" {
		dir = "/"
	}
	return &FsWorkspace{fs: fsys, base: filepath.Clean(dir)}
}

// Fs returns the backing filesystem.
func (w *FsWorkspace) Fs() afero.Fs {
	return w.fs
}

func (w *FsWorkspace) Root() Resource {
	return &handle{ws: w, path: "/", typ: Root}
}

func (w *FsWorkspace) Handle(p string, typ Type) Resource {
	p = Clean(p)
	if typ.IsContainer() {
		typ = ContainerType(p)
	} else if p == "/" {
		typ = Root
	}
	return &handle{ws: w, path: p, typ: typ}
}

// Lookup resolves p against the filesystem and returns a handle typed after
// what is on disk.
func (w *FsWorkspace) Lookup(p string) (Resource, error) {
	p = Clean(p)
	info, err := w.fs.Stat(w.osPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() {
		return w.Handle(p, Folder), nil
	}
	return w.Handle(p, File), nil
}

// IsTreeLocked reports whether ctx was handed out by a RunLocked call of w
// that is still in progress.
func (w *FsWorkspace) IsTreeLocked(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	held, _ := ctx.Value(treeLockKey{ws: w}).(*atomic.Bool)
	return held != nil && held.Load()
}

// RunLocked runs fn while holding the workspace tree lock. fn receives a
// context that identifies it as the holder; calls made with that context
// from inside the region run without taking the lock again.
func (w *FsWorkspace) RunLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.IsTreeLocked(ctx) {
		return fn(ctx)
	}
	w.treeMu.Lock()
	defer w.treeMu.Unlock()
	held := new(atomic.Bool)
	held.Store(true)
	defer held.Store(false)
	return fn(context.WithValue(ctx, treeLockKey{ws: w}, held))
}

func (w *FsWorkspace) osPath(p string) string {
	return filepath.Join(w.base, filepath.FromSlash(p))
}

type handle struct {
	ws   *FsWorkspace
	path string
	typ  Type
}

func (h *handle) Path() string { return h.path }

func (h *handle) Name() string {
	if h.path == "/" {
		return ""
	}
	return path.Base(h.path)
}

func (h *handle) Type() Type { return h.typ }

func (h *handle) Exists() bool {
	_, ok := h.stat()
	return ok
}

func (h *handle) ModificationStamp() int64 {
	info, ok := h.stat()
	if !ok {
		return NullStamp
	}
	return info.ModTime().UnixNano()
}

func (h *handle) Parent() Resource {
	if h.path == "/" {
		return nil
	}
	return h.ws.Handle(path.Dir(h.path), Folder)
}

func (h *handle) Members() ([]Resource, error) {
	if !h.typ.IsContainer() {
		return nil, nil
	}
	infos, err := afero.ReadDir(h.ws.fs, h.ws.osPath(h.path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", h.path, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", h.path, err)
	}
	out := make([]Resource, 0, len(infos))
	for _, info := range infos {
		typ := File
		if info.IsDir() {
			typ = Folder
		}
		out = append(out, h.ws.Handle(ChildPath(h.path, info.Name()), typ))
	}
	return out, nil
}

func (h *handle) Child(name string, typ Type) (Resource, error) {
	if !h.typ.IsContainer() {
		return nil, fmt.Errorf("%s: %w", h.path, ErrNotContainer)
	}
	return h.ws.Handle(ChildPath(h.path, name), typ), nil
}

func (h *handle) String() string {
	return h.typ.String() + " " + h.path
}

func (h *handle) stat() (fs.FileInfo, bool) {
	info, err := h.ws.fs.Stat(h.ws.osPath(h.path))
	if err != nil {
		return nil, false
	}
	if info.IsDir() != h.typ.IsContainer() {
		return nil, false
	}
	return info, true
}
