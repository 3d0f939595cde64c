// Package resource is the narrow view the sync core has of the local
// workspace: handles to files, folders and projects that can be read and
// enumerated but never written.
package resource

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrNotFound     = errors.New("resource does not exist")
	ErrNotContainer = errors.New("resource cannot have children")
)

// NullStamp is the modification stamp of a resource that does not exist.
const NullStamp int64 = -1

type Type uint8

const (
	File Type = 1 << iota
	Folder
	Project
	Root
)

// IsContainer reports whether resources of this type may have children.
func (t Type) IsContainer() bool {
	return t == Folder || t == Project || t == Root
}

func (t Type) String() string {
	switch t {
	case File:
		return "file"
	case Folder:
		return "folder"
	case Project:
		return "project"
	case Root:
		return "root"
	default:
		return "unknown"
	}
}

// Depth bounds how far below a resource an operation reaches.
type Depth uint8

const (
	DepthZero Depth = iota
	DepthOne
	DepthInfinite
)

// Child returns the depth used when descending one level.
func (d Depth) Child() Depth {
	if d == DepthInfinite {
		return DepthInfinite
	}
	return DepthZero
}

func (d Depth) String() string {
	switch d {
	case DepthZero:
		return "zero"
	case DepthOne:
		return "one"
	case DepthInfinite:
		return "infinite"
	default:
		return "unknown"
	}
}

// ParseDepth accepts "0", "1", "infinite" and the String forms.
func ParseDepth(s string) (Depth, error) {
	switch strings.ToLower(s) {
	case "0", "zero":
		return DepthZero, nil
	case "1", "one":
		return DepthOne, nil
	case "inf", "infinite", "-1", "2":
		return DepthInfinite, nil
	}
	return DepthZero, errors.New("invalid depth: " + s)
}

// Resource is a handle to a workspace resource. Handles are cheap, comparable
// by Path, and may refer to resources that do not exist.
type Resource interface {
	// Path is the slash separated workspace path, "/" for the root.
	Path() string
	Name() string
	Type() Type
	Exists() bool
	// ModificationStamp changes whenever the resource content changes.
	// It is NullStamp for missing resources.
	ModificationStamp() int64
	// Parent is nil for the workspace root.
	Parent() Resource
	// Members lists the existing children. Files have none; a missing
	// container yields ErrNotFound.
	Members() ([]Resource, error)
	// Child builds a handle for a child; it fails with ErrNotContainer when
	// the receiver is a file.
	Child(name string, typ Type) (Resource, error)
}

// TreeLock reports whether the caller runs inside an outer exclusive region
// over the workspace tree. The region is identified by the context it handed
// to the caller, so other goroutines are not affected.
type TreeLock interface {
	IsTreeLocked(ctx context.Context) bool
}

// Workspace is the collaborator that owns resources.
type Workspace interface {
	TreeLock
	Root() Resource
	// Handle returns a handle for path with the given type whether or not it
	// exists.
	Handle(p string, typ Type) Resource
}

// Clean normalises a workspace path.
func Clean(p string) string {
	return path.Clean("/" + p)
}

// ChildPath constructs a child path from parent + name.
func ChildPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// IsPrefixOf reports whether p equals prefix or lies below it.
func IsPrefixOf(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Segments counts the path elements of p; the root has none.
func Segments(p string) int {
	p = strings.Trim(p, "/")
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// ContainerType is the container type for a path at its position in the tree.
func ContainerType(p string) Type {
	switch Segments(p) {
	case 0:
		return Root
	case 1:
		return Project
	default:
		return Folder
	}
}

// Paths extracts the paths of rs in order.
func Paths(rs []Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Path()
	}
	return out
}
