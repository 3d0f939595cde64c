// Package threeway tracks, per local resource, the bytes of its base and
// remote variants together with the local modification stamp at the time the
// base was established.
package threeway

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/zeusync/variantsync/internal/core/events/bus"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/store"
)

// EventSyncStateChanged is published on the synchronizer topic whenever the
// sync info of resources changed. Its data is a StateChange.
const EventSyncStateChanged = "threeway.sync_state_changed"

// StateChange lists the resources whose sync info changed. Listeners re-query
// the synchronizer for the new state.
type StateChange struct {
	Resources []resource.Resource
}

// Listener is notified after sync info changed.
type Listener interface {
	SyncStateChanged(resources []resource.Resource)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(resources []resource.Resource)

func (f ListenerFunc) SyncStateChanged(resources []resource.Resource) { f(resources) }

// Option configures a Synchronizer.
type Option func(*Config)

// Config holds the collaborators of a Synchronizer.
type Config struct {
	Name     string            // source name on published events
	Topic    string            // bus topic events are published to
	TreeLock resource.TreeLock // outer lock that already serializes access
	Bus      bus.EventBus      // shared bus, a private one when nil
	Logger   log.Log
}

// WithName sets the event source name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithTopic sets the bus topic.
func WithTopic(topic string) Option {
	return func(c *Config) { c.Topic = topic }
}

// WithTreeLock makes mutators skip the internal mutex when their context
// comes from an outer exclusive region of tl.
func WithTreeLock(tl resource.TreeLock) Option {
	return func(c *Config) { c.TreeLock = tl }
}

// WithBus publishes change events on b.
func WithBus(b bus.EventBus) Option {
	return func(c *Config) { c.Bus = b }
}

func WithLogger(l log.Log) Option {
	return func(c *Config) { c.Logger = l }
}

// Synchronizer stores one sync record per resource in a ByteStore.
//
// All record accessors are serialized by one mutex. Mutators called with a
// context of the configured TreeLock's region skip it, since that region
// already serializes them. Mutations made with the context Run hands out are
// reported in a single event when the outermost Run returns; other mutations
// are reported one by one.
type Synchronizer struct {
	cache store.ByteStore
	cfg   Config
	log   log.Log

	mu sync.Mutex
}

// New creates a synchronizer over cache.
func New(cache store.ByteStore, opts ...Option) *Synchronizer {
	cfg := Config{Name: "threeway", Topic: "threeway"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	return &Synchronizer{
		cache: cache,
		cfg:   cfg,
		log:   log.OrNop(cfg.Logger).With(log.String("synchronizer", cfg.Name)),
	}
}

// Name is the source name used on events.
func (s *Synchronizer) Name() string {
	return s.cfg.Name
}

// Bus returns the bus change events are published on.
func (s *Synchronizer) Bus() bus.EventBus {
	return s.cfg.Bus
}

// Topic is the bus topic of change events.
func (s *Synchronizer) Topic() string {
	return s.cfg.Topic
}

// lock acquires the record mutex unless ctx holds the outer tree lock.
func (s *Synchronizer) lock(ctx context.Context) func() {
	if s.cfg.TreeLock != nil && s.cfg.TreeLock.IsTreeLocked(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// rlock serializes reads, which carry no context.
func (s *Synchronizer) rlock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

// BaseBytes returns the base variant bytes of r, nil when there is no base.
func (s *Synchronizer) BaseBytes(r resource.Resource) ([]byte, error) {
	defer s.rlock()()
	rec, ok, err := s.load(r)
	if err != nil || !ok {
		return nil, err
	}
	return rec.base, nil
}

// RemoteBytes returns the remote variant bytes of r, nil when there is no
// remote.
func (s *Synchronizer) RemoteBytes(r resource.Resource) ([]byte, error) {
	defer s.rlock()()
	rec, ok, err := s.load(r)
	if err != nil || !ok {
		return nil, err
	}
	return rec.remote, nil
}

// SetBaseBytes marks r as in sync with the variant identified by b: base and
// remote both become b and the current modification stamp is recorded. An
// ignored resource stops being ignored.
func (s *Synchronizer) SetBaseBytes(ctx context.Context, r resource.Resource, b []byte) error {
	if err := requireBytes(r, b); err != nil {
		return err
	}
	return s.mutate(ctx, r, func() (bool, error) {
		rec := record{timestamp: stampBytes(r.ModificationStamp()), base: b, remote: b}
		if _, err := s.cache.Set(r, rec.encode()); err != nil {
			return false, err
		}
		return true, nil
	})
}

// SetRemoteBytes replaces the remote slot of r and reports whether it
// changed. A record without timestamp and base is created when r has none.
// Ignored resources keep their marker and report no change.
func (s *Synchronizer) SetRemoteBytes(ctx context.Context, r resource.Resource, b []byte) (bool, error) {
	if err := requireBytes(r, b); err != nil {
		return false, err
	}
	var changed bool
	err := s.mutate(ctx, r, func() (bool, error) {
		raw, err := s.cache.Get(r)
		if err != nil || isIgnoredRecord(raw) {
			return false, err
		}
		rec, ok, err := s.decode(r, raw)
		if err != nil {
			return false, err
		}
		if ok && bytes.Equal(rec.remote, b) {
			return false, nil
		}
		rec.remote = b
		if _, err = s.cache.Set(r, rec.encode()); err != nil {
			return false, err
		}
		changed = true
		return true, nil
	})
	return changed, err
}

// RemoveRemoteBytes clears the remote slot of r and reports whether there
// was one.
func (s *Synchronizer) RemoveRemoteBytes(ctx context.Context, r resource.Resource) (bool, error) {
	var changed bool
	err := s.mutate(ctx, r, func() (bool, error) {
		rec, ok, err := s.load(r)
		if err != nil || !ok || len(rec.remote) == 0 {
			return false, err
		}
		rec.remote = nil
		if _, err = s.cache.Set(r, rec.encode()); err != nil {
			return false, err
		}
		changed = true
		return true, nil
	})
	return changed, err
}

// HasSyncBytes reports whether r has a record. Ignored resources have none.
func (s *Synchronizer) HasSyncBytes(r resource.Resource) (bool, error) {
	defer s.rlock()()
	_, ok, err := s.load(r)
	return ok, err
}

// IsIgnored reports whether r is excluded from synchronization.
func (s *Synchronizer) IsIgnored(r resource.Resource) (bool, error) {
	defer s.rlock()()
	return s.ignored(r)
}

// SetIgnored excludes r from synchronization, dropping its record.
func (s *Synchronizer) SetIgnored(ctx context.Context, r resource.Resource) error {
	return s.mutate(ctx, r, func() (bool, error) {
		return s.cache.Set(r, ignoredRecord)
	})
}

// IsLocallyModified reports whether r changed since its base was set: it has
// no record, its stamp moved, or it has a base but no longer exists. Ignored
// resources are never modified.
func (s *Synchronizer) IsLocallyModified(r resource.Resource) (bool, error) {
	defer s.rlock()()
	rec, ok, err := s.load(r)
	if err != nil {
		return false, err
	}
	if !ok {
		ignored, err := s.ignored(r)
		if err != nil {
			return false, err
		}
		return !ignored, nil
	}
	if rec.stamp() != r.ModificationStamp() {
		return true, nil
	}
	return len(rec.base) > 0 && !r.Exists(), nil
}

// Members returns the children of r that exist locally or have a record,
// sorted by path. Files have no members; ignored children are skipped.
func (s *Synchronizer) Members(r resource.Resource) ([]resource.Resource, error) {
	if !r.Type().IsContainer() {
		return nil, nil
	}
	candidates := make(map[string]resource.Resource)
	if r.Exists() {
		local, err := r.Members()
		if err != nil {
			return nil, variants.Wrap(err, variants.CodeFilesystem, "list members")
		}
		for _, m := range local {
			candidates[m.Path()] = m
		}
	}

	defer s.rlock()()
	cached, err := s.cache.Members(r)
	if err != nil {
		return nil, err
	}
	for _, m := range cached {
		if _, ok := candidates[m.Path()]; !ok {
			candidates[m.Path()] = m
		}
	}

	out := make([]resource.Resource, 0, len(candidates))
	for _, m := range candidates {
		ignored, err := s.ignored(m)
		if err != nil {
			return nil, err
		}
		if ignored {
			continue
		}
		if !m.Exists() {
			if _, ok, err := s.load(m); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

// Flush drops the records of r and its descendants up to depth.
func (s *Synchronizer) Flush(ctx context.Context, r resource.Resource, depth resource.Depth) error {
	return s.mutate(ctx, r, func() (bool, error) {
		return s.cache.Flush(r, depth)
	})
}

// Run executes fn as one batch below root. Changes made with the context fn
// receives, including those of nested batches, are reported in a single
// event when the outermost batch returns, whether or not fn failed. When the
// store discards the batch nothing is reported.
func (s *Synchronizer) Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	if err := variants.CheckCanceled(ctx); err != nil {
		return err
	}
	if s.batchOf(ctx) != nil {
		return s.cache.Run(ctx, root, fn)
	}
	b := &batch{}
	err := s.cache.Run(context.WithValue(ctx, batchKey{s: s}, b), root, fn)
	changed := b.close()
	if errors.Is(err, store.ErrRolledBack) {
		s.log.Debug("batch rolled back, dropping change notification",
			log.Path(root.Path()),
			log.Int("resources", len(changed)),
		)
		return err
	}
	if len(changed) > 0 {
		s.notify(changed)
	}
	return err
}

// AddListener subscribes l to change events. Cancel the returned
// subscription, or pass it to RemoveListener, to stop notifications.
func (s *Synchronizer) AddListener(l Listener) (bus.Subscription, error) {
	return s.cfg.Bus.SubscribeTopic(s.cfg.Topic, EventSyncStateChanged, func(e bus.Event) error {
		change, ok := e.Data().(StateChange)
		if !ok || e.Source() != s.cfg.Name {
			return nil
		}
		l.SyncStateChanged(change.Resources)
		return nil
	})
}

func (s *Synchronizer) RemoveListener(sub bus.Subscription) error {
	return s.cfg.Bus.Unsubscribe(sub)
}

// mutate runs op under the record lock and reports r as changed when op says
// so, either to the open batch or directly.
func (s *Synchronizer) mutate(ctx context.Context, r resource.Resource, op func() (bool, error)) error {
	if err := variants.CheckCanceled(ctx); err != nil {
		return err
	}
	unlock := s.lock(ctx)
	changed, err := op()
	unlock()
	if err != nil {
		return variants.Wrap(err, variants.CodeStore, "update sync info")
	}
	if !changed {
		return nil
	}
	if b := s.batchOf(ctx); b == nil || !b.add(r) {
		s.notify([]resource.Resource{r})
	}
	return nil
}

func (s *Synchronizer) notify(resources []resource.Resource) {
	event := bus.NewEvent(EventSyncStateChanged, s.cfg.Name, StateChange{Resources: resources})
	if err := s.cfg.Bus.PublishToTopic(s.cfg.Topic, event); err != nil {
		s.log.Error("sync state listener failed",
			log.Int("resources", len(resources)),
			log.Error(err),
		)
	}
}

// load returns the decoded record of r. ok is false when r has no record or
// is ignored. Callers hold the lock.
func (s *Synchronizer) load(r resource.Resource) (record, bool, error) {
	b, err := s.cache.Get(r)
	if err != nil {
		return record{}, false, err
	}
	return s.decode(r, b)
}

// decode parses raw store bytes. ok is false for a missing or ignored record.
func (s *Synchronizer) decode(r resource.Resource, b []byte) (record, bool, error) {
	if b == nil || isIgnoredRecord(b) {
		return record{}, false, nil
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return record{}, false, variants.NewError(variants.CodeCorrupt, "decode sync info", err).
			WithResource(r.Path())
	}
	return rec, true, nil
}

func (s *Synchronizer) ignored(r resource.Resource) (bool, error) {
	b, err := s.cache.Get(r)
	if err != nil {
		return false, err
	}
	return isIgnoredRecord(b), nil
}

func requireBytes(r resource.Resource, b []byte) error {
	if len(b) == 0 {
		return variants.NewError(variants.CodeInvalidArgument, "set sync bytes", variants.ErrInvalidBytes).
			WithResource(r.Path())
	}
	return nil
}
