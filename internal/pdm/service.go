package pdm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"pdm-go/internal/metrics"
	"pdm-go/internal/model"
)

// PDMService is the facade used by the HTTP server and the CLI. A mutating
// request flows Guard, LockManager (which commits to the store), audit log
// (best-effort) and notifier (best-effort, asynchronous).
type PDMService struct {
	store    VersionStore
	locks    *LockManager
	guard    *Guard
	audit    AuditLog
	notifier Notifier
	blobs    Vault
	ledger   BlobLedger
	staging  StagingArea
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

// NewPDMService creates a new PDMService with the provided dependencies.
func NewPDMService(store VersionStore, locks *LockManager, guard *Guard, audit AuditLog, notifier Notifier, blobs Vault, ledger BlobLedger, staging StagingArea, logger Logger, clock Clock, idgen IDGenerator) *PDMService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &PDMService{
		store:    store,
		locks:    locks,
		guard:    guard,
		audit:    audit,
		notifier: notifier,
		blobs:    blobs,
		ledger:   ledger,
		staging:  staging,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
}

// CheckinResult describes a successful checkin.
type CheckinResult struct {
	Released bool           `json:"released"`
	Forced   bool           `json:"forced"`
	Version  *model.Version `json:"-"`
}

// Checkout grants actor the lock on resourceID.
func (s *PDMService) Checkout(ctx context.Context, actor *model.Actor, resourceID, note string) (lock *model.Lock, err error) {
	defer func() {
		details := map[string]string{}
		if note != "" {
			details["note"] = note
		}
		var ce *ConflictError
		if errors.As(err, &ce) {
			details["owner"] = ce.Owner
		}
		s.record(ctx, actor, "checkout", resourceID, err, details)
	}()

	if _, err := s.guard.Require(actor, model.CapCheckout); err != nil {
		return nil, err
	}
	if len(note) > MaxNoteLength {
		return nil, fmt.Errorf("%w: note longer than %d characters", ErrInvalid, MaxNoteLength)
	}
	lock, err = s.locks.Acquire(ctx, resourceID, actor, note)
	if err != nil {
		return nil, err
	}

	s.logger.Info("resource checked out", "resource", resourceID, "owner", actor.ID)
	s.notifier.Publish(ctx, Event{
		Type:       EventResourceLocked,
		ResourceID: resourceID,
		Actor:      actor.ID,
		Owner:      actor.ID,
		Note:       note,
		Timestamp:  lock.AcquiredAt,
	})
	return lock, nil
}

// Checkin releases the lock on resourceID. content, when non-nil, becomes
// the resource's new content in the same version; only the owner may
// supply it.
func (s *PDMService) Checkin(ctx context.Context, actor *model.Actor, resourceID string, override bool, content io.Reader) (res *CheckinResult, err error) {
	details := map[string]string{}
	defer func() {
		s.record(ctx, actor, "checkin", resourceID, err, details)
	}()

	if _, err := s.guard.Require(actor, model.CapCheckin); err != nil {
		return nil, err
	}
	var ref *ContentRef
	if content != nil {
		if err := s.checkReleasable(ctx, actor, resourceID, override); err != nil {
			return nil, err
		}
		ref, err = s.ingest(ctx, content)
		if err != nil {
			return nil, err
		}
		details["checksum"] = ref.Checksum
	}
	rel, err := s.locks.Release(ctx, resourceID, actor, override, ref)
	if err != nil {
		return nil, err
	}
	details["forced"] = strconv.FormatBool(rel.Forced)
	if rel.Forced {
		details["previous_owner"] = rel.PreviousOwner
		s.logger.Warn("lock released by override", "resource", resourceID, "actor", actor.ID, "owner", rel.PreviousOwner)
	} else {
		s.logger.Info("resource checked in", "resource", resourceID, "owner", actor.ID)
	}

	s.notifier.Publish(ctx, Event{
		Type:       EventResourceUnlocked,
		ResourceID: resourceID,
		Actor:      actor.ID,
		Owner:      rel.PreviousOwner,
		Forced:     rel.Forced,
		VersionID:  rel.Version.ID,
		Timestamp:  rel.Version.Timestamp,
	})
	return &CheckinResult{Released: true, Forced: rel.Forced, Version: rel.Version}, nil
}

// AddResource registers resourceID, optionally with initial content.
func (s *PDMService) AddResource(ctx context.Context, actor *model.Actor, resourceID string, content io.Reader) (v *model.Version, err error) {
	details := map[string]string{}
	defer func() {
		s.record(ctx, actor, "register", resourceID, err, details)
	}()

	if _, err := s.guard.Require(actor, model.CapRegister); err != nil {
		return nil, err
	}
	if err := ValidateResourceID(resourceID); err != nil {
		return nil, err
	}
	var ref *ContentRef
	if content != nil {
		ref, err = s.ingest(ctx, content)
		if err != nil {
			return nil, err
		}
		details["checksum"] = ref.Checksum
	}
	v, err = s.locks.Register(ctx, resourceID, actor, ref)
	if err != nil {
		return nil, err
	}

	s.logger.Info("resource registered", "resource", resourceID, "actor", actor.ID)
	s.notifier.Publish(ctx, Event{
		Type:       EventResourceAdded,
		ResourceID: resourceID,
		Actor:      actor.ID,
		VersionID:  v.ID,
		Timestamp:  v.Timestamp,
	})
	return v, nil
}

// RemoveResource tombstones resourceID. Its history is kept.
func (s *PDMService) RemoveResource(ctx context.Context, actor *model.Actor, resourceID string) (err error) {
	defer func() {
		s.record(ctx, actor, "remove", resourceID, err, nil)
	}()

	if _, err := s.guard.Require(actor, model.CapRemove); err != nil {
		return err
	}
	v, err := s.locks.Remove(ctx, resourceID, actor)
	if err != nil {
		return err
	}

	s.logger.Info("resource removed", "resource", resourceID, "actor", actor.ID)
	s.notifier.Publish(ctx, Event{
		Type:       EventResourceRemoved,
		ResourceID: resourceID,
		Actor:      actor.ID,
		VersionID:  v.ID,
		Timestamp:  v.Timestamp,
	})
	return nil
}

// RenameResource registers newID with the content of oldID and tombstones
// oldID.
func (s *PDMService) RenameResource(ctx context.Context, actor *model.Actor, oldID, newID string) (v *model.Version, err error) {
	defer func() {
		s.record(ctx, actor, "rename", oldID, err, map[string]string{"to": newID})
	}()

	if _, err := s.guard.Require(actor, model.CapRegister, model.CapRemove); err != nil {
		return nil, err
	}
	if err := ValidateResourceID(newID); err != nil {
		return nil, err
	}
	if oldID == newID {
		return nil, fmt.Errorf("%w: rename to the same id", ErrInvalid)
	}
	v, err = s.locks.Rename(ctx, oldID, newID, actor)
	if err != nil {
		return nil, err
	}

	s.logger.Info("resource renamed", "from", oldID, "to", newID, "actor", actor.ID)
	s.notifier.Publish(ctx, Event{Type: EventResourceRemoved, ResourceID: oldID, Actor: actor.ID, Timestamp: v.Timestamp})
	s.notifier.Publish(ctx, Event{Type: EventResourceAdded, ResourceID: newID, Actor: actor.ID, VersionID: v.ID, Timestamp: v.Timestamp})
	return v, nil
}

// ListResources returns every live resource with its lock status.
func (s *PDMService) ListResources(ctx context.Context, actor *model.Actor) ([]ResourceStatus, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	resources, err := s.store.Resources(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	out := make([]ResourceStatus, 0, len(resources))
	for _, r := range resources {
		st := ResourceStatus{
			ResourceID:    r.ID,
			Status:        StatusAvailable,
			HeadVersionID: r.HeadVersionID,
			Size:          r.ContentSize,
		}
		if r.Lock != nil {
			st.Status = StatusLocked
			st.Owner = r.Lock.Owner
			st.Since = r.Lock.AcquiredAt
			st.Note = r.Lock.Note
		}
		out = append(out, st)
	}
	return out, nil
}

// GetResource returns the committed state of resourceID, including
// tombstoned resources.
func (s *PDMService) GetResource(ctx context.Context, actor *model.Actor, resourceID string) (*model.Resource, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	return s.store.Resource(ctx, resourceID)
}

// Locks returns every active lock.
func (s *PDMService) Locks(ctx context.Context, actor *model.Actor) ([]*model.Lock, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	return s.locks.List(ctx)
}

// History returns the versions of resourceID newest-first.
func (s *PDMService) History(ctx context.Context, actor *model.Actor, resourceID string, limit int) ([]*model.Version, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	return s.store.History(ctx, resourceID, limit)
}

// Diff returns the unit changes between two versions of resourceID.
// An empty version ID means the head.
func (s *PDMService) Diff(ctx context.Context, actor *model.Actor, resourceID, versionA, versionB string) ([]model.Change, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	a, err := s.readState(ctx, resourceID, versionA)
	if err != nil {
		return nil, err
	}
	b, err := s.readState(ctx, resourceID, versionB)
	if err != nil {
		return nil, err
	}
	return DiffUnits(a.Units(), b.Units()), nil
}

// Attribution maps each unit of a version of resourceID to the version
// that last set it. An empty versionID means the head.
func (s *PDMService) Attribution(ctx context.Context, actor *model.Actor, resourceID, versionID string) (map[string]model.Attribution, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	target, _, err := s.store.Read(ctx, resourceID, versionID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, resourceID, 0)
	if err != nil {
		return nil, err
	}
	start := -1
	for i, v := range history {
		if v.ID == target.ID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("version %s of %s: %w", target.ID, resourceID, ErrNotFound)
	}
	chain := history[start:]
	units := make([]map[string]string, len(chain))
	for i, v := range chain {
		st, err := s.readState(ctx, resourceID, v.ID)
		if err != nil {
			return nil, err
		}
		units[i] = st.Units()
	}
	return attributeUnits(chain, units), nil
}

// ReadContent writes the blob referenced by a version of resourceID to w.
func (s *PDMService) ReadContent(ctx context.Context, actor *model.Actor, resourceID, versionID string, w io.Writer) error {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return err
	}
	st, err := s.readState(ctx, resourceID, versionID)
	if err != nil {
		return err
	}
	if st.Content == nil {
		return fmt.Errorf("content of %s: %w", resourceID, ErrNotFound)
	}
	if err := s.blobs.GetContent(st.Content.Checksum, w); err != nil {
		return unavailable("reading content", err)
	}
	return nil
}

// QueryAudit returns audit events newest-first.
func (s *PDMService) QueryAudit(ctx context.Context, actor *model.Actor, filter model.AuditFilter) ([]*model.AuditEvent, error) {
	if _, err := s.guard.Require(actor, model.CapRead); err != nil {
		return nil, err
	}
	return s.audit.Query(ctx, filter)
}

func (s *PDMService) readState(ctx context.Context, resourceID, versionID string) (*ResourceState, error) {
	_, data, err := s.store.Read(ctx, resourceID, versionID)
	if err != nil {
		return nil, err
	}
	st, err := DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return st, nil
}

// checkReleasable rejects a content-carrying checkin that Release would
// refuse, before the content reaches the blob vault or the mirror queue.
// Release repeats the checks inside the critical section.
func (s *PDMService) checkReleasable(ctx context.Context, actor *model.Actor, resourceID string, override bool) error {
	lock, err := s.locks.Query(ctx, resourceID)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("resource %s: %w", resourceID, ErrNotLocked)
	}
	forced, err := s.guard.AuthorizeRelease(actor, lock, override)
	if err != nil {
		return err
	}
	if forced {
		return fmt.Errorf("%w: a forced release cannot carry content", ErrInvalid)
	}
	return nil
}

// ingest stages content, copies it into the blob vault and queues it for
// the remote mirror.
func (s *PDMService) ingest(ctx context.Context, r io.Reader) (*ContentRef, error) {
	staged, err := s.staging.Stage(r)
	if err != nil {
		return nil, fmt.Errorf("staging content: %w", err)
	}
	rc, err := s.staging.Open(staged.Checksum)
	if err != nil {
		return nil, fmt.Errorf("opening staged content: %w", err)
	}
	err = s.blobs.PutContent(staged.Checksum, rc, staged.Size)
	rc.Close()
	if err != nil {
		return nil, unavailable("storing content", err)
	}
	if err := s.ledger.RecordBlob(ctx, staged.Checksum, staged.Size); err != nil {
		return nil, unavailable("recording content", err)
	}
	if err := s.staging.Remove(staged.Checksum); err != nil {
		s.logger.Warn("failed to clean staged content", "checksum", staged.Checksum, "error", err)
	}
	return &ContentRef{Checksum: staged.Checksum, Size: staged.Size}, nil
}

// record appends an audit event. Failures are logged and counted, never
// returned.
func (s *PDMService) record(ctx context.Context, actor *model.Actor, action, target string, opErr error, details map[string]string) {
	ev := &model.AuditEvent{
		ID:        s.idgen.New(),
		Timestamp: s.clock.Now(),
		Action:    action,
		Target:    target,
		Outcome:   model.OutcomeSuccess,
		Details:   map[string]string{},
	}
	if actor != nil {
		ev.Actor = actor.ID
	}
	for k, v := range details {
		ev.Details[k] = v
	}
	if opErr != nil {
		ev.Outcome = model.OutcomeFailure
		ev.Details["error"] = KindOf(opErr)
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), ev); err != nil {
		metrics.AuditFailures.Inc()
		s.logger.Error("audit append failed", "action", action, "target", target, "error", err)
	}
}
