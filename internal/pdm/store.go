package pdm

import (
	"context"
	"time"

	"pdm-go/internal/model"
)

// CommitRequest describes one append to a resource's version chain.
type CommitRequest struct {
	Target string
	// ExpectedHead is the head the caller validated against. Empty for a
	// root commit. The store rejects the write with ErrStale if the head
	// has moved.
	ExpectedHead string
	State        *ResourceState
	Author       string
	Message      string
	Timestamp    time.Time
}

// VersionStore is the append-only, content-addressed log of resource
// snapshots. It exclusively owns the version chains; the lock table is a
// materialized view of each chain's head and is only written by Commit.
type VersionStore interface {
	// Commit appends a version chained to the current head of req.Target.
	// The version record, its content and the materialized views are
	// written atomically. Returns ErrStale when the head moved and
	// ErrUnavailable when the medium cannot accept the write.
	Commit(ctx context.Context, req CommitRequest) (*model.Version, error)

	// CommitAll appends one version per request, each chained to the head
	// of its own target, in a single atomic write. Any failure leaves every
	// target unchanged.
	CommitAll(ctx context.Context, reqs ...CommitRequest) ([]*model.Version, error)

	// Read returns the snapshot bytes of a version. An empty versionID
	// reads the head. Returns ErrNotFound for an unknown target or version.
	Read(ctx context.Context, target, versionID string) (*model.Version, []byte, error)

	// History returns the chain of target newest-first. limit <= 0 means all.
	History(ctx context.Context, target string, limit int) ([]*model.Version, error)

	// Iterate walks every version of every target in commit order.
	Iterate(ctx context.Context, fn func(*model.Version) error) error

	// Resource returns the last committed state of a resource.
	Resource(ctx context.Context, id string) (*model.Resource, error)

	// Resources returns all resources ordered by ID.
	Resources(ctx context.Context, includeDeleted bool) ([]*model.Resource, error)

	// Lock returns the active lock on a resource, or nil when unlocked.
	Lock(ctx context.Context, resourceID string) (*model.Lock, error)

	// Locks returns all active locks ordered by resource ID.
	Locks(ctx context.Context) ([]*model.Lock, error)

	Close() error
}

// BlobRecord is a content blob known to the local store.
type BlobRecord struct {
	Checksum   string
	Size       int64
	CreatedAt  time.Time
	MirroredAt time.Time // Zero while pending
}

// BlobLedger tracks which content blobs still need to reach the remote
// mirror. Pending entries survive restarts.
type BlobLedger interface {
	RecordBlob(ctx context.Context, checksum string, size int64) error
	PendingBlobs(ctx context.Context, limit int) ([]BlobRecord, error)
	MarkBlobMirrored(ctx context.Context, checksum string, at time.Time) error

	// MaxSeq returns the sequence number of the latest committed version.
	MaxSeq(ctx context.Context) (int64, error)

	// BackupTo writes a consistent copy of the store to path.
	BackupTo(ctx context.Context, path string) error
}

// AuditLog is the append-only trail of attempted and completed actions.
// It is independent of the version store.
type AuditLog interface {
	Append(ctx context.Context, event *model.AuditEvent) error
	// Query returns matching events newest-first.
	Query(ctx context.Context, filter model.AuditFilter) ([]*model.AuditEvent, error)
}
