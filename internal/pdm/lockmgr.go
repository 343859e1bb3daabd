package pdm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pdm-go/internal/metrics"
	"pdm-go/internal/model"
)

var tracer = otel.Tracer("pdm-go/internal/pdm")

// DefaultMaxRetries bounds how often a write is retried after ErrStale.
const DefaultMaxRetries = 3

// StoreMutex is an exclusive section shared by every instance writing to
// the same store. Implementations live in the coordination package.
type StoreMutex interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// ReleaseResult describes a successful release.
type ReleaseResult struct {
	Forced        bool
	PreviousOwner string
	Version       *model.Version
}

// LockManager enforces at most one lock per resource. It is the only
// component that mutates the lock table, and every transition is a commit
// to the version store. Each mutation runs read-head, validate, commit as
// one critical section; a commit against a moved head is retried against
// the new head.
type LockManager struct {
	store      VersionStore
	guard      *Guard
	mutex      StoreMutex
	clock      Clock
	logger     Logger
	maxRetries int

	mu sync.Mutex
}

func NewLockManager(store VersionStore, guard *Guard, mutex StoreMutex, clock Clock, logger Logger, maxRetries int) *LockManager {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &LockManager{
		store:      store,
		guard:      guard,
		mutex:      mutex,
		clock:      clock,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Acquire grants actor the lock on resourceID. If another actor holds it,
// the returned *ConflictError names the actual owner.
func (m *LockManager) Acquire(ctx context.Context, resourceID string, actor *model.Actor, note string) (*model.Lock, error) {
	var lock *model.Lock
	err := m.exclusive(ctx, "acquire", resourceID, actor, func(ctx context.Context) error {
		v, err := m.commitWithRetry(ctx, resourceID, func(head *model.Version, st *ResourceState) (*CommitRequest, error) {
			if head == nil || st.Deleted {
				return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
			}
			if st.Lock != nil {
				return nil, &ConflictError{ResourceID: resourceID, Owner: st.Lock.Owner, Since: st.Lock.AcquiredAt}
			}
			now := m.clock.Now()
			next := st.Clone()
			next.Lock = &LockState{Owner: actor.ID, AcquiredAt: now, Note: note}
			msg := "checkout " + resourceID
			if note != "" {
				msg += ": " + note
			}
			return &CommitRequest{
				Target:       resourceID,
				ExpectedHead: head.ID,
				State:        next,
				Author:       actor.ID,
				Message:      msg,
				Timestamp:    now,
			}, nil
		})
		if err != nil {
			return err
		}
		lock = &model.Lock{ResourceID: resourceID, Owner: actor.ID, AcquiredAt: v.Timestamp, Note: note}
		return nil
	})
	return lock, err
}

// Release removes the lock on resourceID. The owner may attach new content
// which is committed in the same version. A forced release cannot carry
// content.
func (m *LockManager) Release(ctx context.Context, resourceID string, actor *model.Actor, override bool, content *ContentRef) (*ReleaseResult, error) {
	var res *ReleaseResult
	err := m.exclusive(ctx, "release", resourceID, actor, func(ctx context.Context) error {
		var forced bool
		var prev string
		v, err := m.commitWithRetry(ctx, resourceID, func(head *model.Version, st *ResourceState) (*CommitRequest, error) {
			if head == nil || st.Deleted {
				return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
			}
			if st.Lock == nil {
				return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotLocked)
			}
			f, err := m.guard.AuthorizeRelease(actor, st.LockFor(resourceID), override)
			if err != nil {
				return nil, err
			}
			if f && content != nil {
				return nil, fmt.Errorf("%w: a forced release cannot carry content", ErrInvalid)
			}
			forced, prev = f, st.Lock.Owner
			next := st.Clone()
			next.Lock = nil
			if content != nil {
				next.Content = &ContentRef{Checksum: content.Checksum, Size: content.Size}
			}
			msg := "checkin " + resourceID
			if f {
				msg += " (forced, owner " + prev + ")"
			}
			return &CommitRequest{
				Target:       resourceID,
				ExpectedHead: head.ID,
				State:        next,
				Author:       actor.ID,
				Message:      msg,
				Timestamp:    m.clock.Now(),
			}, nil
		})
		if err != nil {
			return err
		}
		res = &ReleaseResult{Forced: forced, PreviousOwner: prev, Version: v}
		return nil
	})
	return res, err
}

// Register creates resourceID with an optional initial content. A
// tombstoned resource is revived on the same chain.
func (m *LockManager) Register(ctx context.Context, resourceID string, actor *model.Actor, content *ContentRef) (*model.Version, error) {
	var out *model.Version
	err := m.exclusive(ctx, "register", resourceID, actor, func(ctx context.Context) error {
		v, err := m.commitWithRetry(ctx, resourceID, m.registerStep(resourceID, actor, content, ""))
		out = v
		return err
	})
	return out, err
}

// Remove tombstones resourceID. A locked resource cannot be removed.
func (m *LockManager) Remove(ctx context.Context, resourceID string, actor *model.Actor) (*model.Version, error) {
	var out *model.Version
	err := m.exclusive(ctx, "remove", resourceID, actor, func(ctx context.Context) error {
		v, err := m.commitWithRetry(ctx, resourceID, m.tombstoneStep(resourceID, actor, ""))
		out = v
		return err
	})
	return out, err
}

// Rename registers newID with the content of oldID and tombstones oldID.
// Both versions are committed in one atomic write, so a failure leaves
// neither resource changed.
func (m *LockManager) Rename(ctx context.Context, oldID, newID string, actor *model.Actor) (*model.Version, error) {
	var out *model.Version
	err := m.exclusive(ctx, "rename", oldID, actor, func(ctx context.Context) error {
		if err := ValidateResourceID(newID); err != nil {
			return err
		}
		for attempt := 0; ; attempt++ {
			oldHead, oldState, err := m.readHead(ctx, oldID)
			if err != nil {
				return err
			}
			if oldHead == nil || oldState.Deleted {
				return fmt.Errorf("resource %s: %w", oldID, ErrNotFound)
			}
			newHead, newState, err := m.readHead(ctx, newID)
			if err != nil {
				return err
			}
			register, err := m.registerStep(newID, actor, oldState.Content, oldID)(newHead, newState)
			if err != nil {
				return err
			}
			tombstone, err := m.tombstoneStep(oldID, actor, newID)(oldHead, oldState)
			if err != nil {
				return err
			}
			vs, err := m.store.CommitAll(ctx, *register, *tombstone)
			if err == nil {
				out = vs[0]
				return nil
			}
			if !errors.Is(err, ErrStale) {
				return fmt.Errorf("committing rename of %s to %s: %w", oldID, newID, err)
			}
			if attempt >= m.maxRetries {
				return fmt.Errorf("committing rename of %s after %d retries: %w", oldID, attempt, err)
			}
			metrics.CommitRetries.Inc()
			m.logger.Warn("store head moved, retrying", "resource", oldID, "attempt", attempt+1)
		}
	})
	return out, err
}

// Query returns the lock on resourceID, or nil when it is unlocked.
func (m *LockManager) Query(ctx context.Context, resourceID string) (*model.Lock, error) {
	r, err := m.store.Resource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	return m.store.Lock(ctx, resourceID)
}

// List returns every active lock from the last committed snapshot.
func (m *LockManager) List(ctx context.Context) ([]*model.Lock, error) {
	return m.store.Locks(ctx)
}

type stepFunc func(head *model.Version, st *ResourceState) (*CommitRequest, error)

func (m *LockManager) registerStep(resourceID string, actor *model.Actor, content *ContentRef, renamedFrom string) stepFunc {
	return func(head *model.Version, st *ResourceState) (*CommitRequest, error) {
		expected := ""
		if head != nil {
			if !st.Deleted {
				return nil, fmt.Errorf("resource %s: %w", resourceID, ErrExists)
			}
			expected = head.ID
		}
		next := &ResourceState{RenamedFrom: renamedFrom}
		if content != nil {
			next.Content = &ContentRef{Checksum: content.Checksum, Size: content.Size}
		}
		msg := "register " + resourceID
		if renamedFrom != "" {
			msg = "rename " + renamedFrom + " to " + resourceID
		}
		return &CommitRequest{
			Target:       resourceID,
			ExpectedHead: expected,
			State:        next,
			Author:       actor.ID,
			Message:      msg,
			Timestamp:    m.clock.Now(),
		}, nil
	}
}

func (m *LockManager) tombstoneStep(resourceID string, actor *model.Actor, renamedTo string) stepFunc {
	return func(head *model.Version, st *ResourceState) (*CommitRequest, error) {
		if head == nil || st.Deleted {
			return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
		}
		if st.Lock != nil {
			return nil, &ConflictError{ResourceID: resourceID, Owner: st.Lock.Owner, Since: st.Lock.AcquiredAt}
		}
		next := st.Clone()
		next.Deleted = true
		next.RenamedTo = renamedTo
		msg := "remove " + resourceID
		if renamedTo != "" {
			msg = "rename " + resourceID + " to " + renamedTo
		}
		return &CommitRequest{
			Target:       resourceID,
			ExpectedHead: head.ID,
			State:        next,
			Author:       actor.ID,
			Message:      msg,
			Timestamp:    m.clock.Now(),
		}, nil
	}
}

// exclusive runs fn inside the in-process and cross-instance critical
// section. Once entered, fn runs to completion even if ctx is cancelled.
func (m *LockManager) exclusive(ctx context.Context, op, resourceID string, actor *model.Actor, fn func(context.Context) error) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "LockManager."+op)
	span.SetAttributes(attribute.String("pdm.resource", resourceID))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = KindOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("pdm.outcome", outcome))
		span.End()
		metrics.LockOperations.WithLabelValues(op, outcome).Inc()
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if actor == nil {
		return ErrUnauthenticated
	}
	span.SetAttributes(attribute.String("pdm.actor", actor.ID))
	if err := ValidateResourceID(resourceID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	unlock, err := m.mutex.Lock(ctx)
	if err != nil {
		return unavailable("entering critical section", err)
	}
	defer unlock()

	return fn(context.WithoutCancel(ctx))
}

// commitWithRetry reads the head of target, lets step validate and build
// the next commit, and commits it against that head. ErrStale re-reads.
func (m *LockManager) commitWithRetry(ctx context.Context, target string, step stepFunc) (*model.Version, error) {
	if err := ValidateResourceID(target); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		head, st, err := m.readHead(ctx, target)
		if err != nil {
			return nil, err
		}
		req, err := step(head, st)
		if err != nil {
			return nil, err
		}
		v, err := m.store.Commit(ctx, *req)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrStale) {
			return nil, fmt.Errorf("committing %s: %w", target, err)
		}
		if attempt >= m.maxRetries {
			return nil, fmt.Errorf("committing %s after %d retries: %w", target, attempt, err)
		}
		metrics.CommitRetries.Inc()
		m.logger.Warn("store head moved, retrying", "resource", target, "attempt", attempt+1)
	}
}

// readHead returns the head version and decoded state of target, or
// (nil, nil, nil) when target has never been registered.
func (m *LockManager) readHead(ctx context.Context, target string) (*model.Version, *ResourceState, error) {
	v, data, err := m.store.Read(ctx, target, "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading head of %s: %w", target, err)
	}
	st, err := DecodeState(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return v, st, nil
}
