package pdm

import (
	"fmt"

	"pdm-go/internal/model"
)

// Authorization is the result of a successful guard check.
type Authorization struct {
	Actor *model.Actor
}

// Guard is a pure predicate over an actor's role and the capabilities an
// operation needs. It holds no state.
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// Require checks that actor holds every capability in caps.
func (g *Guard) Require(actor *model.Actor, caps ...model.Capability) (Authorization, error) {
	if actor == nil {
		return Authorization{}, ErrUnauthenticated
	}
	for _, c := range caps {
		if !actor.Can(c) {
			return Authorization{}, &ForbiddenError{
				Actor:  actor.ID,
				Reason: fmt.Sprintf("role %q lacks capability %q", actor.Role, c),
			}
		}
	}
	return Authorization{Actor: actor}, nil
}

// AuthorizeRelease decides whether actor may release lock. The owner may
// always release. Anyone else needs to request an override and hold the
// override capability, in which case the release is forced.
func (g *Guard) AuthorizeRelease(actor *model.Actor, lock *model.Lock, override bool) (forced bool, err error) {
	if _, err := g.Require(actor, model.CapCheckin); err != nil {
		return false, err
	}
	if lock == nil {
		return false, ErrNotLocked
	}
	if actor.ID == lock.Owner {
		return false, nil
	}
	if !override {
		return false, &ForbiddenError{
			Actor:  actor.ID,
			Reason: fmt.Sprintf("lock on %s is owned by %s", lock.ResourceID, lock.Owner),
		}
	}
	if !actor.Can(model.CapOverride) {
		return false, &ForbiddenError{
			Actor:  actor.ID,
			Reason: fmt.Sprintf("role %q cannot override the lock held by %s", actor.Role, lock.Owner),
		}
	}
	return true, nil
}
