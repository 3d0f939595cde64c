// Package tree implements resource variant trees: caches of the variants of
// local resources in one lineup, refreshed by diffing the local tree against
// variants fetched from that lineup.
package tree

import (
	"context"
	"errors"
	"sort"

	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/progress"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

// Capabilities is the lineup specific part of a tree the Engine drives.
type Capabilities interface {
	// FetchVariant fetches the variant of local. It may prefetch descendants
	// up to depth. A nil variant means local does not exist in the lineup.
	FetchVariant(ctx context.Context, local resource.Resource, depth resource.Depth) (variants.ResourceVariant, error)
	// FetchMembers fetches the children of a container variant.
	FetchMembers(ctx context.Context, remote variants.ResourceVariant) ([]variants.ResourceVariant, error)
	// SetVariant caches remote, or its absence, for local and reports whether
	// the cached bytes changed.
	SetVariant(ctx context.Context, local resource.Resource, remote variants.ResourceVariant) (bool, error)
	// Members lists the children of local known to the tree.
	Members(local resource.Resource) ([]resource.Resource, error)
}

// MemberCollector is told which children were visited below local and
// returns resources it changed in response, such as purged stale entries.
type MemberCollector interface {
	CollectedMembers(ctx context.Context, local resource.Resource, members []resource.Resource) ([]resource.Resource, error)
}

// Runner wraps the collection of changes below root in a unit of work.
type Runner interface {
	Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error
}

// Engine runs the tree diff over a set of capabilities.
type Engine struct {
	caps Capabilities
	log  log.Log
}

func NewEngine(caps Capabilities, logger log.Log) *Engine {
	return &Engine{caps: caps, log: log.OrNop(logger)}
}

// Refresh fetches the variant of every resource and collects the resources
// whose cached variant changed. The first failure stops the refresh.
func (e *Engine) Refresh(ctx context.Context, resources []resource.Resource, depth resource.Depth) ([]resource.Resource, error) {
	mon := progress.From(ctx)
	mon.Begin("refresh", len(resources))
	defer mon.Done()

	changes := newChangeSet()
	for _, r := range resources {
		if err := variants.CheckCanceled(ctx); err != nil {
			return changes.list(), err
		}
		mon.Subtask(r.Path())
		remote, err := e.caps.FetchVariant(ctx, r, depth)
		if err != nil {
			return changes.list(), variants.Wrap(err, variants.CodeRemote, "fetch variant of "+r.Path())
		}
		changed, err := e.CollectChanges(ctx, r, remote, depth)
		changes.add(changed...)
		if err != nil {
			return changes.list(), err
		}
		mon.Worked(1)
	}
	return changes.list(), nil
}

// CollectChanges caches remote for local and, depth permitting, for every
// pairing of their children. It returns the local resources whose cached
// variant changed.
func (e *Engine) CollectChanges(ctx context.Context, local resource.Resource, remote variants.ResourceVariant, depth resource.Depth) ([]resource.Resource, error) {
	changes := newChangeSet()
	collect := func(ctx context.Context) error {
		return e.collect(ctx, local, remote, depth, changes)
	}
	var err error
	if runner, ok := e.caps.(Runner); ok {
		err = runner.Run(ctx, local, collect)
	} else {
		err = collect(ctx)
	}
	return changes.list(), err
}

func (e *Engine) collect(ctx context.Context, local resource.Resource, remote variants.ResourceVariant, depth resource.Depth, changes *changeSet) error {
	changed, err := e.caps.SetVariant(ctx, local, remote)
	if err != nil {
		return variants.Wrap(err, variants.CodeStore, "set variant of "+local.Path())
	}
	if changed {
		changes.add(local)
	}
	if depth == resource.DepthZero {
		return nil
	}

	pairs, err := e.mergedMembers(ctx, local, remote)
	if err != nil {
		return err
	}
	members := make([]resource.Resource, 0, len(pairs))
	for _, p := range pairs {
		if err = e.collect(ctx, p.local, p.remote, depth.Child(), changes); err != nil {
			return err
		}
		members = append(members, p.local)
	}

	if collector, ok := e.caps.(MemberCollector); ok {
		cleared, err := collector.CollectedMembers(ctx, local, members)
		if err != nil {
			return variants.Wrap(err, variants.CodeStore, "purge stale members of "+local.Path())
		}
		changes.add(cleared...)
	}
	return nil
}

type pair struct {
	local  resource.Resource
	remote variants.ResourceVariant
}

// mergedMembers pairs the known children of local with the fetched children
// of remote by name. Children only present remotely get a local handle typed
// after the variant; pairings below a file are logged and dropped.
func (e *Engine) mergedMembers(ctx context.Context, local resource.Resource, remote variants.ResourceVariant) ([]pair, error) {
	var remoteChildren []variants.ResourceVariant
	if remote != nil {
		var err error
		remoteChildren, err = e.caps.FetchMembers(ctx, remote)
		if err != nil {
			return nil, variants.Wrap(err, variants.CodeRemote, "fetch members of "+local.Path())
		}
	}
	localChildren, err := e.caps.Members(local)
	if err != nil {
		return nil, variants.Wrap(err, variants.CodeStore, "members of "+local.Path())
	}
	if len(remoteChildren) == 0 && len(localChildren) == 0 {
		return nil, nil
	}

	names := make(map[string]struct{}, len(localChildren)+len(remoteChildren))
	localByName := make(map[string]resource.Resource, len(localChildren))
	for _, c := range localChildren {
		localByName[c.Name()] = c
		names[c.Name()] = struct{}{}
	}
	remoteByName := make(map[string]variants.ResourceVariant, len(remoteChildren))
	for _, c := range remoteChildren {
		remoteByName[c.Name()] = c
		names[c.Name()] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	pairs := make([]pair, 0, len(sorted))
	for _, name := range sorted {
		if err = variants.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		localChild, remoteChild := localByName[name], remoteByName[name]
		if localChild == nil {
			typ := resource.File
			if remoteChild.IsContainer() {
				typ = resource.Folder
			}
			localChild, err = local.Child(name, typ)
			if err != nil {
				if !errors.Is(err, resource.ErrNotContainer) {
					return nil, variants.Wrap(err, variants.CodeFilesystem, "child of "+local.Path())
				}
				e.log.Error("file cannot be the parent of a remote resource",
					log.Path(local.Path()),
					log.String("remote", name),
				)
				continue
			}
		}
		pairs = append(pairs, pair{local: localChild, remote: remoteChild})
	}
	return pairs, nil
}

// changeSet keeps changed resources unique and in discovery order.
type changeSet struct {
	seen  map[string]struct{}
	items []resource.Resource
}

func newChangeSet() *changeSet {
	return &changeSet{seen: make(map[string]struct{})}
}

func (c *changeSet) add(rs ...resource.Resource) {
	for _, r := range rs {
		if _, ok := c.seen[r.Path()]; ok {
			continue
		}
		c.seen[r.Path()] = struct{}{}
		c.items = append(c.items, r)
	}
}

func (c *changeSet) list() []resource.Resource {
	return c.items
}
