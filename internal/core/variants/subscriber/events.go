package subscriber

import "github.com/zeusync/variantsync/internal/core/resource"

// Event types published on a subscriber topic.
const (
	EventResourcesChanged = "subscriber.resources_changed"
	EventRootAdded        = "subscriber.root_added"
	EventRootRemoved      = "subscriber.root_removed"
)

// Origin tells what produced a change event.
type Origin string

const (
	OriginRefresh      Origin = "refresh"
	OriginSynchronizer Origin = "synchronizer"
	OriginRoots        Origin = "roots"
)

// ChangeEvent reports resources whose synchronization state may have
// changed. Listeners query SyncInfo for the new state.
type ChangeEvent struct {
	Subscriber string
	Type       string
	Origin     Origin
	Resources  []resource.Resource
}

// Topic is the bus topic a subscriber named name publishes to.
func Topic(name string) string {
	return "subscriber/" + name
}
