package pdm

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Expected outcomes (conflict, forbidden, not found,
// not locked, stale) are surfaced to callers; Unavailable and Internal
// indicate the operation did not take effect.
var (
	ErrConflict        = errors.New("resource is locked")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrNotLocked       = errors.New("resource is not locked")
	ErrStale           = errors.New("store head moved during write")
	ErrUnavailable     = errors.New("persistence unavailable")
	ErrInternal        = errors.New("internal error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalid         = errors.New("invalid request")
	ErrExists          = errors.New("resource already exists")
)

// ConflictError is returned when a lock is held by another actor.
// It carries the actual owner so losing racers learn who won.
type ConflictError struct {
	ResourceID string
	Owner      string
	Since      time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is locked by %s since %s", e.ResourceID, e.Owner, e.Since.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ForbiddenError is returned when a role or ownership check fails.
type ForbiddenError struct {
	Actor  string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden for %s: %s", e.Actor, e.Reason)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// KindOf maps an error to a stable code for transport layers.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotLocked):
		return "not_locked"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrExists):
		return "exists"
	default:
		return "internal"
	}
}

// unavailable wraps a persistence failure so callers can match ErrUnavailable
// while keeping the underlying cause.
func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
