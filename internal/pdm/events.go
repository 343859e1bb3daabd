package pdm

import (
	"context"
	"time"
)

// EventType names a server-to-client notification.
type EventType string

const (
	EventSnapshot         EventType = "snapshot"
	EventResourceLocked   EventType = "resource_locked"
	EventResourceUnlocked EventType = "resource_unlocked"
	EventResourceAdded    EventType = "resource_added"
	EventResourceRemoved  EventType = "resource_removed"
	EventActorJoined      EventType = "actor_joined"
	EventActorLeft        EventType = "actor_left"
	EventHeartbeatPong    EventType = "heartbeat_pong"
)

// Event is a change notification fanned out to live sessions.
type Event struct {
	Type       EventType        `json:"type"`
	ResourceID string           `json:"resource_id,omitempty"`
	Actor      string           `json:"actor,omitempty"`
	Owner      string           `json:"owner,omitempty"`
	Note       string           `json:"note,omitempty"`
	Forced     bool             `json:"forced,omitempty"`
	VersionID  string           `json:"version_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Resources  []ResourceStatus `json:"resources,omitempty"`
}

// Notifier receives events after a mutation has committed. Publish must
// not block on slow consumers and never reports failures.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// Resource status values reported by ListResources.
const (
	StatusAvailable = "available"
	StatusLocked    = "locked"
)

// ResourceStatus is one row of the resource listing.
type ResourceStatus struct {
	ResourceID    string    `json:"resource_id"`
	Status        string    `json:"status"`
	Owner         string    `json:"owner,omitempty"`
	Since         time.Time `json:"since,omitzero"`
	Note          string    `json:"note,omitempty"`
	HeadVersionID string    `json:"head_version_id"`
	Size          int64     `json:"size"`
}
