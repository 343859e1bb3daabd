package pdm_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
	"pdm-go/internal/testutil"
)

func addResource(t *testing.T, env *testutil.Env, id string) {
	t.Helper()
	if _, err := env.Service.AddResource(context.Background(), testutil.Ordinary("setup"), id, nil); err != nil {
		t.Fatalf("AddResource(%s) error = %v", id, err)
	}
}

func lastAudit(t *testing.T, env *testutil.Env, action string) *model.AuditEvent {
	t.Helper()
	events, err := env.Audit.Query(context.Background(), model.AuditFilter{Action: action, Limit: 1})
	if err != nil {
		t.Fatalf("audit Query() error = %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("no %s audit event", action)
	}
	return events[0]
}

func TestService_CheckoutConflict(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	ctx := context.Background()

	if _, err := env.Service.Checkout(ctx, testutil.Ordinary("alice"), "PN1001", "edit"); err != nil {
		t.Fatalf("Checkout(alice) error = %v", err)
	}
	_, err := env.Service.Checkout(ctx, testutil.Ordinary("bob"), "PN1001", "edit")
	var ce *pdm.ConflictError
	if !errors.As(err, &ce) || ce.Owner != "alice" {
		t.Fatalf("Checkout(bob) error = %v, want conflict owned by alice", err)
	}

	ev := lastAudit(t, env, "checkout")
	if ev.Actor != "bob" || ev.Outcome != model.OutcomeFailure {
		t.Errorf("audit = %+v, want failed checkout by bob", ev)
	}
	if ev.Details["error"] != "conflict" || ev.Details["owner"] != "alice" {
		t.Errorf("audit details = %v, want conflict with owner alice", ev.Details)
	}
}

func TestService_ForcedCheckinIsAudited(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	ctx := context.Background()

	if _, err := env.Service.Checkout(ctx, testutil.Ordinary("alice"), "PN1001", "edit"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if _, err := env.Service.Checkin(ctx, testutil.Ordinary("bob"), "PN1001", false, nil); !errors.Is(err, pdm.ErrForbidden) {
		t.Fatalf("Checkin(bob) error = %v, want ErrForbidden", err)
	}
	res, err := env.Service.Checkin(ctx, testutil.Elevated("admin"), "PN1001", true, nil)
	if err != nil {
		t.Fatalf("Checkin(admin, override) error = %v", err)
	}
	if !res.Released || !res.Forced {
		t.Errorf("result = %+v, want released and forced", res)
	}

	ev := lastAudit(t, env, "checkin")
	if ev.Actor != "admin" || ev.Outcome != model.OutcomeSuccess {
		t.Errorf("audit = %+v, want successful checkin by admin", ev)
	}
	if ev.Details["forced"] != "true" || ev.Details["previous_owner"] != "alice" {
		t.Errorf("audit details = %v, want forced=true previous_owner=alice", ev.Details)
	}

	last := env.Notifier.Events()[len(env.Notifier.Events())-1]
	if last.Type != pdm.EventResourceUnlocked || !last.Forced || last.Owner != "alice" {
		t.Errorf("last event = %+v, want forced unlock of alice's lock", last)
	}
}

func TestService_CheckinWithContent(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	ctx := context.Background()
	alice := testutil.Ordinary("alice")
	data := []byte("solid body v2")

	if _, err := env.Service.Checkout(ctx, alice, "PN1001", ""); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	res, err := env.Service.Checkin(ctx, alice, "PN1001", false, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}
	if res.Forced {
		t.Error("owner checkin reported as forced")
	}

	sum := testutil.SHA256Hex(data)
	if !env.Blobs.HasContent(sum) {
		t.Error("content not stored in the blob vault")
	}
	pending, err := env.Store.PendingBlobs(ctx, 0)
	if err != nil {
		t.Fatalf("PendingBlobs() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Checksum != sum {
		t.Errorf("pending blobs = %+v, want %s queued for the mirror", pending, sum)
	}

	var out bytes.Buffer
	if err := env.Service.ReadContent(ctx, alice, "PN1001", "", &out); err != nil {
		t.Fatalf("ReadContent() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Errorf("ReadContent() = %q, want %q", out.Bytes(), data)
	}
	if ev := lastAudit(t, env, "checkin"); ev.Details["checksum"] != sum {
		t.Errorf("audit checksum = %q, want %s", ev.Details["checksum"], sum)
	}
}

func TestService_RejectedCheckinStoresNoContent(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	addResource(t, env, "PN1002")
	ctx := context.Background()
	if _, err := env.Service.Checkout(ctx, testutil.Ordinary("alice"), "PN1001", ""); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	tests := []struct {
		name     string
		actor    *model.Actor
		resource string
		override bool
		wantErr  error
	}{
		{"not the owner", testutil.Ordinary("bob"), "PN1001", false, pdm.ErrForbidden},
		{"not locked", testutil.Ordinary("bob"), "PN1002", false, pdm.ErrNotLocked},
		{"forced with content", testutil.Elevated("admin"), "PN1001", true, pdm.ErrInvalid},
		{"unknown resource", testutil.Ordinary("bob"), "PN9999", false, pdm.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte("rejected body for " + tt.name)
			_, err := env.Service.Checkin(ctx, tt.actor, tt.resource, tt.override, bytes.NewReader(data))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Checkin() error = %v, want %v", err, tt.wantErr)
			}
			if env.Blobs.HasContent(testutil.SHA256Hex(data)) {
				t.Error("rejected content reached the blob vault")
			}
		})
	}

	pending, err := env.Store.PendingBlobs(ctx, 0)
	if err != nil {
		t.Fatalf("PendingBlobs() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending blobs = %+v, want none queued for the mirror", pending)
	}
	if lock, _ := env.Locks.Query(ctx, "PN1001"); lock == nil || lock.Owner != "alice" {
		t.Errorf("lock = %+v, want alice still holding PN1001", lock)
	}
}

func TestService_ReadContentWithoutContent(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	var out bytes.Buffer
	err := env.Service.ReadContent(context.Background(), testutil.Ordinary("alice"), "PN1001", "", &out)
	if !errors.Is(err, pdm.ErrNotFound) {
		t.Fatalf("ReadContent() error = %v, want ErrNotFound", err)
	}
}

func TestService_StagingFullRejectsCheckin(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	ctx := context.Background()
	alice := testutil.Ordinary("alice")
	if _, err := env.Service.Checkout(ctx, alice, "PN1001", ""); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	huge := strings.NewReader(strings.Repeat("x", testutil.DefaultStagingMaxSize+1))
	if _, err := env.Service.Checkin(ctx, alice, "PN1001", false, huge); !errors.Is(err, pdm.ErrInvalid) {
		t.Fatalf("Checkin(oversized) error = %v, want ErrInvalid", err)
	}
	if lock, _ := env.Store.Lock(ctx, "PN1001"); lock == nil || lock.Owner != "alice" {
		t.Errorf("failed checkin released the lock: %+v", lock)
	}
}

func TestService_BlobVaultDownIsUnavailable(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Blobs.SetFailure(errors.New("disk gone"))

	_, err := env.Service.AddResource(context.Background(), testutil.Ordinary("alice"), "PN1001", strings.NewReader("x"))
	if !errors.Is(err, pdm.ErrUnavailable) {
		t.Fatalf("AddResource() error = %v, want ErrUnavailable", err)
	}
	if _, err := env.Store.Resource(context.Background(), "PN1001"); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("resource registered despite failed content write: %v", err)
	}
}

type brokenAudit struct{}

func (brokenAudit) Append(context.Context, *model.AuditEvent) error {
	return errors.New("audit disk full")
}

func (brokenAudit) Query(context.Context, model.AuditFilter) ([]*model.AuditEvent, error) {
	return nil, errors.New("audit disk full")
}

func TestService_AuditFailureDoesNotFailMutation(t *testing.T) {
	clock := testutil.StepClock(time.Millisecond)
	store := testutil.NewTestStore(t, clock)
	guard := pdm.NewGuard()
	locks := newLockManager(t, store, clock)
	svc := pdm.NewPDMService(store, locks, guard, brokenAudit{}, nil, testutil.NewTestVault(), store,
		testutil.NewTestStagingArea(), pdm.NewNopLogger(), clock, testutil.NewStubIDGenerator())
	ctx := context.Background()

	if _, err := svc.AddResource(ctx, testutil.Ordinary("alice"), "PN1001", nil); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	if _, err := svc.Checkout(ctx, testutil.Ordinary("alice"), "PN1001", ""); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if lock, _ := store.Lock(ctx, "PN1001"); lock == nil {
		t.Error("checkout did not take effect")
	}
}

func TestService_Permissions(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	ctx := context.Background()
	alice := testutil.Ordinary("alice")

	if err := env.Service.RemoveResource(ctx, alice, "PN1001"); !errors.Is(err, pdm.ErrForbidden) {
		t.Errorf("RemoveResource(ordinary) error = %v, want ErrForbidden", err)
	}
	if _, err := env.Service.RenameResource(ctx, alice, "PN1001", "PN1002"); !errors.Is(err, pdm.ErrForbidden) {
		t.Errorf("RenameResource(ordinary) error = %v, want ErrForbidden", err)
	}
	if _, err := env.Service.ListResources(ctx, nil); !errors.Is(err, pdm.ErrUnauthenticated) {
		t.Errorf("ListResources(nil) error = %v, want ErrUnauthenticated", err)
	}
	if _, err := env.Service.Checkout(ctx, alice, "PN1001", strings.Repeat("n", pdm.MaxNoteLength+1)); !errors.Is(err, pdm.ErrInvalid) {
		t.Errorf("Checkout(long note) error = %v, want ErrInvalid", err)
	}

	ev := lastAudit(t, env, "remove")
	if ev.Outcome != model.OutcomeFailure || ev.Details["error"] != "forbidden" {
		t.Errorf("remove audit = %+v, want forbidden failure", ev)
	}
}

func TestService_ListResources(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	addResource(t, env, "PN1002")
	ctx := context.Background()
	if _, err := env.Service.Checkout(ctx, testutil.Ordinary("alice"), "PN1002", "fixing holes"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	got, err := env.Service.ListResources(ctx, testutil.Ordinary("bob"))
	if err != nil {
		t.Fatalf("ListResources() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListResources() = %d rows, want 2", len(got))
	}
	if got[0].Status != pdm.StatusAvailable || got[0].Owner != "" {
		t.Errorf("PN1001 = %+v, want available", got[0])
	}
	if got[1].Status != pdm.StatusLocked || got[1].Owner != "alice" || got[1].Note != "fixing holes" || got[1].Since.IsZero() {
		t.Errorf("PN1002 = %+v, want locked by alice", got[1])
	}
}

func TestService_RenameAndRemove(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	admin := testutil.Elevated("admin")
	if _, err := env.Service.AddResource(ctx, admin, "PN1001", strings.NewReader("body")); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}

	if _, err := env.Service.RenameResource(ctx, admin, "PN1001", "PN1001"); !errors.Is(err, pdm.ErrInvalid) {
		t.Errorf("RenameResource(same) error = %v, want ErrInvalid", err)
	}
	if _, err := env.Service.RenameResource(ctx, admin, "PN1001", "PN2001"); err != nil {
		t.Fatalf("RenameResource() error = %v", err)
	}
	r, err := env.Service.GetResource(ctx, admin, "PN2001")
	if err != nil {
		t.Fatalf("GetResource() error = %v", err)
	}
	if r.ContentChecksum != testutil.SHA256Hex([]byte("body")) {
		t.Error("renamed resource lost its content")
	}
	if err := env.Service.RemoveResource(ctx, admin, "PN2001"); err != nil {
		t.Fatalf("RemoveResource() error = %v", err)
	}

	list, _ := env.Service.ListResources(ctx, admin)
	if len(list) != 0 {
		t.Errorf("ListResources() = %+v, want empty", list)
	}
	want := []pdm.EventType{pdm.EventResourceAdded, pdm.EventResourceRemoved, pdm.EventResourceAdded, pdm.EventResourceRemoved}
	got := env.Notifier.Types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestService_HistoryDiffAttribution(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice, bob := testutil.Ordinary("alice"), testutil.Ordinary("bob")

	if _, err := env.Service.AddResource(ctx, alice, "PN1001", strings.NewReader("v1")); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	if _, err := env.Service.Checkout(ctx, bob, "PN1001", "rev B"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if _, err := env.Service.Checkin(ctx, bob, "PN1001", false, strings.NewReader("v2")); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}

	history, err := env.Service.History(ctx, alice, "PN1001", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History() len = %d, want 3", len(history))
	}
	root, checkout, checkin := history[2], history[1], history[0]
	if checkout.Message != "checkout PN1001: rev B" || checkout.Author != "bob" {
		t.Errorf("checkout version = %+v", checkout)
	}

	changes, err := env.Service.Diff(ctx, alice, "PN1001", root.ID, "")
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	units := map[string]model.Change{}
	for _, c := range changes {
		units[c.Unit] = c
	}
	if c := units[pdm.UnitContentChecksum]; c.Kind != model.ChangeChanged || c.New != testutil.SHA256Hex([]byte("v2")) {
		t.Errorf("checksum change = %+v", c)
	}
	if _, ok := units[pdm.UnitLockOwner]; ok {
		t.Error("diff root..head reports a lock that no longer exists")
	}

	lockDiff, err := env.Service.Diff(ctx, alice, "PN1001", root.ID, checkout.ID)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	found := false
	for _, c := range lockDiff {
		if c.Unit == pdm.UnitLockOwner && c.Kind == model.ChangeAdded && c.New == "bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("Diff(root, checkout) = %+v, want lock.owner added", lockDiff)
	}

	attr, err := env.Service.Attribution(ctx, alice, "PN1001", "")
	if err != nil {
		t.Fatalf("Attribution() error = %v", err)
	}
	if a := attr[pdm.UnitContentChecksum]; a.Author != "bob" || a.VersionID != checkin.ID {
		t.Errorf("checksum attributed to %+v, want bob at checkin", a)
	}
	if a := attr[pdm.UnitDeleted]; a.Author != "alice" || a.VersionID != root.ID {
		t.Errorf("deleted attributed to %+v, want alice at root", a)
	}

	if _, err := env.Service.Diff(ctx, alice, "PN1001", "nope", ""); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("Diff(unknown version) error = %v, want ErrNotFound", err)
	}
}

func TestService_QueryAudit(t *testing.T) {
	env := testutil.NewEnv(t)
	addResource(t, env, "PN1001")
	ctx := context.Background()
	if _, err := env.Service.Checkout(ctx, testutil.Ordinary("alice"), "PN1001", ""); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	events, err := env.Service.QueryAudit(ctx, testutil.Ordinary("bob"), model.AuditFilter{Target: "PN1001"})
	if err != nil {
		t.Fatalf("QueryAudit() error = %v", err)
	}
	if len(events) != 2 || events[0].Action != "checkout" || events[1].Action != "register" {
		t.Errorf("QueryAudit() = %d events, want checkout then register", len(events))
	}
}
