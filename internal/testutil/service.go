package testutil

import (
	"testing"
	"time"

	"pdm-go/internal/coordination"
	"pdm-go/internal/database"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
	"pdm-go/internal/vault"
)

// Env bundles a fully wired service over in-memory backends.
type Env struct {
	Service  *pdm.PDMService
	Locks    *pdm.LockManager
	Store    *database.SQLiteStore
	Audit    *database.SQLiteAuditLog
	Notifier *RecordingNotifier
	Blobs    *vault.MemoryVault
	Clock    *StubClock
}

// NewEnv wires a service whose clock advances a millisecond per reading.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	clock := StepClock(time.Millisecond)
	store := NewTestStore(t, clock)
	audit := NewTestAuditLog(store)
	notifier := &RecordingNotifier{}
	blobs := NewTestVault()
	guard := pdm.NewGuard()
	logger := pdm.NewNopLogger()
	locks := pdm.NewLockManager(store, guard, coordination.LocalMutex{}, clock, logger, 0)
	svc := pdm.NewPDMService(store, locks, guard, audit, notifier, blobs, store,
		NewTestStagingArea(), logger, clock, NewStubIDGenerator())

	return &Env{
		Service:  svc,
		Locks:    locks,
		Store:    store,
		Audit:    audit,
		Notifier: notifier,
		Blobs:    blobs,
		Clock:    clock,
	}
}

// Ordinary returns an actor with the ordinary role.
func Ordinary(id string) *model.Actor {
	return &model.Actor{ID: id, Role: model.RoleOrdinary}
}

// Elevated returns an actor with the elevated role.
func Elevated(id string) *model.Actor {
	return &model.Actor{ID: id, Role: model.RoleElevated}
}
