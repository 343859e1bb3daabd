package model

import "time"

// Resource is a named unit of work subject to exclusive checkout.
// Resources are never renamed in place: a rename registers a new resource
// and tombstones the old one.
type Resource struct {
	ID              string
	Deleted         bool      // Tombstoned; kept for history
	CreatedAt       time.Time // Timestamp of the root version
	HeadVersionID   string    // Latest committed version
	ContentChecksum string    // SHA-256 of the current blob, empty if none
	ContentSize     int64
	Lock            *Lock // Current lock, nil when unlocked
}

// Locked reports whether the resource currently has an active lock.
func (r *Resource) Locked() bool {
	return r.Lock != nil
}

// Lock is an exclusive lease over a resource. Locks are created by a
// successful acquire and destroyed by a successful release.
type Lock struct {
	ResourceID string
	Owner      string // Actor ID
	AcquiredAt time.Time
	Note       string
}

// Version is an immutable snapshot record in a resource's append-only chain.
type Version struct {
	ID        string // Content-derived: hash of parent, content and metadata
	Seq       int64  // Global commit order
	Target    string // Resource ID
	ParentID  string // Empty for the root version
	ContentID string // SHA-256 of the snapshot bytes
	Author    string
	Timestamp time.Time
	Message   string
}

// IsRoot reports whether v starts its chain.
func (v *Version) IsRoot() bool {
	return v.ParentID == ""
}

// ChangeKind classifies a single unit difference between two versions.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is one unit of a structured diff.
type Change struct {
	Unit string     `json:"unit"`
	Kind ChangeKind `json:"kind"`
	Old  string     `json:"old,omitempty"`
	New  string     `json:"new,omitempty"`
}

// Attribution names the version that last set a unit to its current value.
type Attribution struct {
	Author    string    `json:"author"`
	VersionID string    `json:"version_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the result recorded for an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEvent is an append-only record of an attempted or completed action.
type AuditEvent struct {
	ID        string // UUID
	Timestamp time.Time
	Actor     string
	Action    string // "checkout", "checkin", "register", "remove", "rename"
	Target    string // Resource ID
	Outcome   Outcome
	Details   map[string]string
}

// AuditFilter selects audit events. Zero fields do not filter.
type AuditFilter struct {
	Actor  string
	Action string
	Target string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// SessionState is the lifecycle state of a live participant connection.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
)

// SessionInfo describes a live participant connection. Sessions are never
// persisted beyond the connection lifetime.
type SessionInfo struct {
	ID              string
	Actor           string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	State           SessionState
}
