// Package subscriber orchestrates refreshes of variant trees over a set of
// root resources and reports the synchronization state of local resources.
package subscriber

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/variantsync/internal/core/events/bus"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/progress"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/threeway"
	"github.com/zeusync/variantsync/internal/core/variants/tree"
)

// Observer is told about the outcome of every refreshed resource.
type Observer interface {
	Refreshed(subscriber string, changed int, err error, elapsed time.Duration)
}

// Config wires a Subscriber.
type Config struct {
	Name         string
	Roots        []resource.Resource
	Synchronizer *threeway.Synchronizer
	Fetcher      tree.Fetcher
	Factory      variants.Factory
	// Comparator defaults to the three-way comparator of Synchronizer. A two
	// way comparator disables the base tree.
	Comparator Comparator
	Ignore     *IgnorePolicy
	Bus        bus.EventBus
	Observer   Observer
	Logger     log.Log
}

// Subscriber tracks local resources below its roots against a remote lineup
// and, when three-way, their base lineup.
type Subscriber struct {
	name     string
	sync     *threeway.Synchronizer
	remote   tree.ResourceVariantTree
	base     tree.ResourceVariantTree
	cmp      Comparator
	ignore   *IgnorePolicy
	bus      bus.EventBus
	topic    string
	observer Observer
	log      log.Log

	mu    sync.RWMutex
	roots []resource.Resource

	syncSub bus.Subscription
}

func New(cfg Config) (*Subscriber, error) {
	if cfg.Synchronizer == nil {
		return nil, errors.New("subscriber: synchronizer is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("subscriber: variant factory is required")
	}
	if cfg.Name == "" {
		cfg.Name = "variants"
	}
	if cfg.Comparator == nil {
		cfg.Comparator = threeway.NewComparator(cfg.Synchronizer)
	}
	if cfg.Bus == nil {
		cfg.Bus = cfg.Synchronizer.Bus()
	}

	s := &Subscriber{
		name:     cfg.Name,
		sync:     cfg.Synchronizer,
		cmp:      cfg.Comparator,
		ignore:   cfg.Ignore,
		bus:      cfg.Bus,
		topic:    Topic(cfg.Name),
		observer: cfg.Observer,
		log:      log.OrNop(cfg.Logger).With(log.String("subscriber", cfg.Name)),
	}
	for _, r := range cfg.Roots {
		s.addRootLocked(r)
	}

	s.remote = tree.NewRemoteTree(cfg.Synchronizer, cfg.Fetcher, cfg.Factory, s.Roots, s.log)
	if s.cmp.IsThreeWay() {
		s.base = tree.NewBaseTree(cfg.Synchronizer, cfg.Factory, s.Roots, s.log)
	}

	sub, err := cfg.Synchronizer.AddListener(threeway.ListenerFunc(s.syncStateChanged))
	if err != nil {
		return nil, err
	}
	s.syncSub = sub
	return s, nil
}

func (s *Subscriber) Name() string { return s.name }

func (s *Subscriber) Synchronizer() *threeway.Synchronizer { return s.sync }

func (s *Subscriber) Comparator() Comparator { return s.cmp }

func (s *Subscriber) RemoteTree() tree.ResourceVariantTree { return s.remote }

// BaseTree is nil for two-way subscribers.
func (s *Subscriber) BaseTree() tree.ResourceVariantTree { return s.base }

// Roots returns the root resources in path order.
func (s *Subscriber) Roots() []resource.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resource.Resource(nil), s.roots...)
}

// AddRoot starts tracking r and reports it with a root added event.
func (s *Subscriber) AddRoot(r resource.Resource) {
	s.mu.Lock()
	added := s.addRootLocked(r)
	s.mu.Unlock()
	if added {
		s.publish(EventRootAdded, OriginRoots, []resource.Resource{r})
	}
}

// RemoveRoot stops tracking r, drops the sync info below it and reports it
// with a root removed event.
func (s *Subscriber) RemoveRoot(ctx context.Context, r resource.Resource) error {
	s.mu.Lock()
	removed := false
	for i, root := range s.roots {
		if root.Path() == r.Path() {
			s.roots = append(s.roots[:i], s.roots[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()
	if !removed {
		return nil
	}
	if err := s.sync.Flush(ctx, r, resource.DepthInfinite); err != nil {
		return err
	}
	s.publish(EventRootRemoved, OriginRoots, []resource.Resource{r})
	return nil
}

func (s *Subscriber) addRootLocked(r resource.Resource) bool {
	for _, root := range s.roots {
		if root.Path() == r.Path() {
			return false
		}
	}
	s.roots = append(s.roots, r)
	sort.Slice(s.roots, func(i, j int) bool { return s.roots[i].Path() < s.roots[j].Path() })
	return true
}

// IsSupervised reports whether r lies below a root and is ignored neither by
// the synchronizer nor by the ignore policy.
func (s *Subscriber) IsSupervised(r resource.Resource) (bool, error) {
	if !s.isChildOfRoot(r) {
		return false, nil
	}
	ignored, err := s.sync.IsIgnored(r)
	if err != nil || ignored {
		return false, err
	}
	return !s.ignore.IsIgnored(r), nil
}

func (s *Subscriber) isChildOfRoot(r resource.Resource) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if resource.IsPrefixOf(root.Path(), r.Path()) {
			return true
		}
	}
	return false
}

// Members returns the children of r that exist locally, remotely or in the
// base, sorted by path. Children that exist neither locally nor remotely and
// unsupervised children are dropped.
func (s *Subscriber) Members(r resource.Resource) ([]resource.Resource, error) {
	if !r.Type().IsContainer() {
		return nil, nil
	}
	all := make(map[string]resource.Resource)
	add := func(rs []resource.Resource) {
		for _, m := range rs {
			if _, ok := all[m.Path()]; !ok {
				all[m.Path()] = m
			}
		}
	}

	local, err := r.Members()
	if err != nil && !errors.Is(err, resource.ErrNotFound) {
		return nil, variants.Wrap(err, variants.CodeFilesystem, "list members of "+r.Path())
	}
	add(local)

	trees := []tree.ResourceVariantTree{s.remote}
	if s.base != nil {
		trees = append(trees, s.base)
	}
	for _, t := range trees {
		members, err := t.Members(r)
		if err != nil {
			return nil, err
		}
		add(members)
	}

	out := make([]resource.Resource, 0, len(all))
	for _, m := range all {
		if !m.Exists() {
			has, err := s.remote.HasResourceVariant(m)
			if err != nil {
				return nil, err
			}
			if !has {
				continue
			}
		}
		supervised, err := s.IsSupervised(m)
		if err != nil {
			return nil, err
		}
		if supervised {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

// SyncInfo returns the synchronization state of r, nil when r is not
// supervised.
func (s *Subscriber) SyncInfo(r resource.Resource) (*SyncInfo, error) {
	supervised, err := s.IsSupervised(r)
	if err != nil || !supervised {
		return nil, err
	}
	remote, err := s.remote.ResourceVariant(r)
	if err != nil {
		return nil, err
	}
	var base variants.ResourceVariant
	if s.base != nil {
		if base, err = s.base.ResourceVariant(r); err != nil {
			return nil, err
		}
	}
	return NewSyncInfo(r, base, remote, s.cmp)
}

// Refresh refreshes the base tree, when three-way, and the remote tree for
// every resource, publishing one change event per resource that changed.
// A failing or canceled resource does not stop the others; all outcomes are
// returned as a *variants.RefreshError.
func (s *Subscriber) Refresh(ctx context.Context, resources []resource.Resource, depth resource.Depth) error {
	mon := progress.From(ctx)
	mon.Begin("refresh "+s.name, len(resources))
	defer mon.Done()

	var failed, canceled []error
	for _, r := range resources {
		mon.Subtask(r.Path())
		start := time.Now()
		changed, err := s.refreshOne(ctx, r, depth)
		if s.observer != nil {
			s.observer.Refreshed(s.name, len(changed), err, time.Since(start))
		}
		switch {
		case err == nil:
		case variants.IsCanceled(err):
			canceled = append(canceled, err)
		default:
			s.log.Warn("refresh failed", log.Path(r.Path()), log.Error(err))
			failed = append(failed, variants.Wrap(err, variants.CodeRemote, "refresh "+r.Path()))
		}
		mon.Worked(1)
	}
	return variants.NewRefreshError(s.name, len(resources), failed, canceled)
}

func (s *Subscriber) refreshOne(ctx context.Context, r resource.Resource, depth resource.Depth) ([]resource.Resource, error) {
	if err := variants.CheckCanceled(ctx); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var all []resource.Resource
	union := func(rs []resource.Resource) {
		for _, c := range rs {
			if _, ok := seen[c.Path()]; !ok {
				seen[c.Path()] = struct{}{}
				all = append(all, c)
			}
		}
	}

	if s.base != nil {
		changed, err := s.base.Refresh(ctx, []resource.Resource{r}, depth)
		if err != nil {
			return nil, err
		}
		union(changed)
	}
	changed, err := s.remote.Refresh(ctx, []resource.Resource{r}, depth)
	if err != nil {
		return nil, err
	}
	union(changed)

	if len(all) > 0 {
		s.publish(EventResourcesChanged, OriginRefresh, all)
	}
	return all, nil
}

// Accept marks r as in sync with its remote variant. Without a remote
// variant the sync info of r is dropped.
func (s *Subscriber) Accept(ctx context.Context, r resource.Resource) error {
	remote, err := s.sync.RemoteBytes(r)
	if err != nil {
		return err
	}
	if remote == nil {
		return s.sync.Flush(ctx, r, resource.DepthZero)
	}
	return s.sync.SetBaseBytes(ctx, r, remote)
}

// Ignore marks r as ignored in the synchronizer.
func (s *Subscriber) Ignore(ctx context.Context, r resource.Resource) error {
	return s.sync.SetIgnored(ctx, r)
}

// AddListener subscribes fn to every change event of the subscriber.
func (s *Subscriber) AddListener(fn func(ChangeEvent)) (bus.Subscription, error) {
	return s.bus.SubscribeTopic(s.topic, bus.AnyType, func(e bus.Event) error {
		if ev, ok := e.Data().(ChangeEvent); ok {
			fn(ev)
		}
		return nil
	})
}

// Dispose detaches the subscriber from its synchronizer.
func (s *Subscriber) Dispose() {
	if s.syncSub != nil {
		_ = s.syncSub.Cancel()
	}
}

func (s *Subscriber) syncStateChanged(resources []resource.Resource) {
	s.publish(EventResourcesChanged, OriginSynchronizer, resources)
}

func (s *Subscriber) publish(eventType string, origin Origin, resources []resource.Resource) {
	ev := ChangeEvent{Subscriber: s.name, Type: eventType, Origin: origin, Resources: resources}
	if err := s.bus.PublishToTopic(s.topic, bus.NewEvent(eventType, s.name, ev)); err != nil {
		s.log.Error("subscriber listener failed", log.String("event", eventType), log.Error(err))
	}
}
