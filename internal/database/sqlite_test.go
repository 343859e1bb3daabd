package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pdm-go/internal/database/migrations"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

func ids(rs []*model.Resource) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

type tickClock struct{ now time.Time }

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T) (*SQLiteStore, *tickClock) {
	t.Helper()
	clock := &tickClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
	store, err := NewSQLiteStore(":memory:", clock)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := migrations.MigrateUp(store.DB()); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	return store, clock
}

func commit(t *testing.T, s *SQLiteStore, clock *tickClock, target, head string, st *pdm.ResourceState) string {
	t.Helper()
	v, err := s.Commit(context.Background(), pdm.CommitRequest{
		Target:       target,
		ExpectedHead: head,
		State:        st,
		Author:       "alice",
		Message:      "test commit",
		Timestamp:    clock.Now(),
	})
	if err != nil {
		t.Fatalf("Commit(%s) error = %v", target, err)
	}
	return v.ID
}

func TestSQLiteStore_CommitChain(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	root := commit(t, s, clock, "part-a", "", &pdm.ResourceState{})
	locked := &pdm.ResourceState{Lock: &pdm.LockState{Owner: "alice", AcquiredAt: clock.Now(), Note: "fix"}}
	second := commit(t, s, clock, "part-a", root, locked)

	history, err := s.History(ctx, "part-a", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() len = %d, want 2", len(history))
	}
	if history[0].ID != second || history[1].ID != root {
		t.Errorf("History() order = [%s %s], want newest first", history[0].ID, history[1].ID)
	}
	if history[0].ParentID != root || !history[1].IsRoot() {
		t.Error("versions are not chained to their parents")
	}
	if history[0].Seq <= history[1].Seq {
		t.Errorf("seq not increasing: %d then %d", history[1].Seq, history[0].Seq)
	}

	v, data, err := s.Read(ctx, "part-a", "")
	if err != nil {
		t.Fatalf("Read(head) error = %v", err)
	}
	if v.ID != second {
		t.Errorf("Read(head) = %s, want %s", v.ID, second)
	}
	st, err := pdm.DecodeState(data)
	if err != nil {
		t.Fatalf("DecodeState() error = %v", err)
	}
	if st.Lock == nil || st.Lock.Owner != "alice" || st.Lock.Note != "fix" {
		t.Errorf("head state lock = %+v, want alice/fix", st.Lock)
	}
	if v.ContentID != pdm.ContentID(data) {
		t.Error("content id does not address the snapshot bytes")
	}

	lock, err := s.Lock(ctx, "part-a")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if lock == nil || lock.Owner != "alice" {
		t.Fatalf("Lock() = %+v, want owner alice", lock)
	}
}

func TestSQLiteStore_CommitStale(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	root := commit(t, s, clock, "part-a", "", &pdm.ResourceState{})
	commit(t, s, clock, "part-a", root, &pdm.ResourceState{Lock: &pdm.LockState{Owner: "bob", AcquiredAt: clock.Now()}})

	tests := []struct {
		name string
		head string
	}{
		{name: "outdated head", head: root},
		{name: "root commit on existing resource", head: ""},
		{name: "unknown head", head: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Commit(ctx, pdm.CommitRequest{
				Target: "part-a", ExpectedHead: tt.head, State: &pdm.ResourceState{},
				Author: "alice", Message: "late", Timestamp: clock.Now(),
			})
			if !errors.Is(err, pdm.ErrStale) {
				t.Fatalf("Commit() error = %v, want ErrStale", err)
			}
		})
	}

	history, err := s.History(ctx, "part-a", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("rejected commits changed history: len = %d, want 2", len(history))
	}
	lock, _ := s.Lock(ctx, "part-a")
	if lock == nil || lock.Owner != "bob" {
		t.Errorf("rejected commits changed the lock: %+v", lock)
	}
}

func TestSQLiteStore_CommitAllIsAtomic(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	oldHead := commit(t, s, clock, "old-part", "", &pdm.ResourceState{})

	_, err := s.CommitAll(ctx,
		pdm.CommitRequest{Target: "new-part", State: &pdm.ResourceState{RenamedFrom: "old-part"}, Author: "alice", Timestamp: clock.Now()},
		pdm.CommitRequest{Target: "old-part", ExpectedHead: "not-the-head", State: &pdm.ResourceState{Deleted: true}, Author: "alice", Timestamp: clock.Now()},
	)
	if !errors.Is(err, pdm.ErrStale) {
		t.Fatalf("CommitAll() error = %v, want ErrStale", err)
	}
	if _, err := s.Resource(ctx, "new-part"); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("Resource(new-part) error = %v, want ErrNotFound after rollback", err)
	}

	vs, err := s.CommitAll(ctx,
		pdm.CommitRequest{Target: "new-part", State: &pdm.ResourceState{RenamedFrom: "old-part"}, Author: "alice", Timestamp: clock.Now()},
		pdm.CommitRequest{Target: "old-part", ExpectedHead: oldHead, State: &pdm.ResourceState{Deleted: true}, Author: "alice", Timestamp: clock.Now()},
	)
	if err != nil {
		t.Fatalf("CommitAll() error = %v", err)
	}
	if len(vs) != 2 || vs[1].Seq != vs[0].Seq+1 || vs[1].ParentID != oldHead {
		t.Errorf("versions = %+v, want consecutive seqs with old-part chained to %s", vs, oldHead)
	}
	r, err := s.Resource(ctx, "old-part")
	if err != nil || !r.Deleted {
		t.Errorf("Resource(old-part) = %+v, %v, want tombstoned", r, err)
	}
}

func TestSQLiteStore_IdenticalSnapshotsShareContent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	root := commit(t, s, clock, "part-a", "", &pdm.ResourceState{})
	locked := commit(t, s, clock, "part-a", root, &pdm.ResourceState{Lock: &pdm.LockState{Owner: "alice", AcquiredAt: clock.Now()}})
	commit(t, s, clock, "part-a", locked, &pdm.ResourceState{})
	commit(t, s, clock, "part-b", "", &pdm.ResourceState{})

	var contents int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM contents`).Scan(&contents); err != nil {
		t.Fatalf("counting contents: %v", err)
	}
	if contents != 2 {
		t.Errorf("contents rows = %d, want 2 (unlocked state stored once)", contents)
	}

	history, _ := s.History(ctx, "part-a", 0)
	if history[0].ContentID != history[2].ContentID {
		t.Error("identical snapshots have different content ids")
	}
	if history[0].ID == history[2].ID {
		t.Error("identical snapshots collapsed into one version")
	}
}

func TestSQLiteStore_ReadErrors(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	root := commit(t, s, clock, "part-a", "", &pdm.ResourceState{})
	commit(t, s, clock, "part-b", "", &pdm.ResourceState{})

	if _, _, err := s.Read(ctx, "missing", ""); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("Read(missing) error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.Read(ctx, "part-b", root); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("Read(version of another target) error = %v, want ErrNotFound", err)
	}
	if _, err := s.History(ctx, "missing", 0); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("History(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Resource(ctx, "missing"); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("Resource(missing) error = %v, want ErrNotFound", err)
	}
	if lock, err := s.Lock(ctx, "part-a"); err != nil || lock != nil {
		t.Errorf("Lock(unlocked) = %+v, %v; want nil, nil", lock, err)
	}
}

func TestSQLiteStore_CommitWithoutState(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.Commit(context.Background(), pdm.CommitRequest{Target: "x", Timestamp: clock.Now()})
	if !errors.Is(err, pdm.ErrInvalid) {
		t.Fatalf("Commit(nil state) error = %v, want ErrInvalid", err)
	}
}

func TestSQLiteStore_HistoryLimit(t *testing.T) {
	s, clock := newTestStore(t)
	head := commit(t, s, clock, "part-a", "", &pdm.ResourceState{})
	for i := 0; i < 4; i++ {
		var st pdm.ResourceState
		if i%2 == 0 {
			st.Lock = &pdm.LockState{Owner: "alice", AcquiredAt: clock.Now()}
		}
		head = commit(t, s, clock, "part-a", head, &st)
	}

	got, err := s.History(context.Background(), "part-a", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != head {
		t.Errorf("History(limit=2) = %d versions, head first = %v", len(got), len(got) > 0 && got[0].ID == head)
	}
}

func TestSQLiteStore_Resources(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commit(t, s, clock, "b-part", "", &pdm.ResourceState{Content: &pdm.ContentRef{Checksum: "abc", Size: 3}})
	rootA := commit(t, s, clock, "a-part", "", &pdm.ResourceState{})
	commit(t, s, clock, "a-part", rootA, &pdm.ResourceState{Lock: &pdm.LockState{Owner: "carol", AcquiredAt: clock.Now()}})
	rootC := commit(t, s, clock, "c-part", "", &pdm.ResourceState{})
	commit(t, s, clock, "c-part", rootC, &pdm.ResourceState{Deleted: true})

	live, err := s.Resources(ctx, false)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if len(live) != 2 || live[0].ID != "a-part" || live[1].ID != "b-part" {
		t.Fatalf("Resources(live) = %v, want [a-part b-part]", ids(live))
	}
	if !live[0].Locked() || live[0].Lock.Owner != "carol" {
		t.Errorf("a-part lock = %+v, want carol", live[0].Lock)
	}
	if live[1].ContentChecksum != "abc" || live[1].ContentSize != 3 {
		t.Errorf("b-part content = %s/%d, want abc/3", live[1].ContentChecksum, live[1].ContentSize)
	}

	all, err := s.Resources(ctx, true)
	if err != nil {
		t.Fatalf("Resources(all) error = %v", err)
	}
	if len(all) != 3 || !all[2].Deleted {
		t.Errorf("Resources(all) = %v, want c-part tombstoned", ids(all))
	}

	locks, err := s.Locks(ctx)
	if err != nil {
		t.Fatalf("Locks() error = %v", err)
	}
	if len(locks) != 1 || locks[0].ResourceID != "a-part" {
		t.Errorf("Locks() = %+v, want one lock on a-part", locks)
	}
}

func TestSQLiteStore_Iterate(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	want := []string{
		commit(t, s, clock, "a", "", &pdm.ResourceState{}),
		commit(t, s, clock, "b", "", &pdm.ResourceState{}),
	}
	want = append(want, commit(t, s, clock, "a", want[0], &pdm.ResourceState{Deleted: true}))

	var got []string
	if err := s.Iterate(ctx, func(v *model.Version) error {
		got = append(got, v.ID)
		return nil
	}); err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Iterate() visited %d versions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Iterate()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	stop := errors.New("stop")
	if err := s.Iterate(ctx, func(*model.Version) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("Iterate() error = %v, want callback error", err)
	}
}

func TestSQLiteStore_BlobLedger(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"aaa", "bbb", "aaa"} {
		if err := s.RecordBlob(ctx, c, 10); err != nil {
			t.Fatalf("RecordBlob(%s) error = %v", c, err)
		}
	}
	pending, err := s.PendingBlobs(ctx, 0)
	if err != nil {
		t.Fatalf("PendingBlobs() error = %v", err)
	}
	if len(pending) != 2 || pending[0].Checksum != "aaa" {
		t.Fatalf("PendingBlobs() = %+v, want aaa then bbb", pending)
	}

	if err := s.MarkBlobMirrored(ctx, "aaa", clock.Now()); err != nil {
		t.Fatalf("MarkBlobMirrored() error = %v", err)
	}
	if err := s.MarkBlobMirrored(ctx, "zzz", clock.Now()); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("MarkBlobMirrored(unknown) error = %v, want ErrNotFound", err)
	}
	pending, _ = s.PendingBlobs(ctx, 0)
	if len(pending) != 1 || pending[0].Checksum != "bbb" {
		t.Errorf("PendingBlobs() after mark = %+v, want only bbb", pending)
	}

	seq, err := s.MaxSeq(ctx)
	if err != nil || seq != 0 {
		t.Errorf("MaxSeq() on empty log = %d, %v; want 0", seq, err)
	}
	commit(t, s, clock, "a", "", &pdm.ResourceState{})
	if seq, _ := s.MaxSeq(ctx); seq != 1 {
		t.Errorf("MaxSeq() = %d, want 1", seq)
	}
}

func TestSQLiteStore_BackupTo(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	head := commit(t, s, clock, "part-a", "", &pdm.ResourceState{})

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := s.BackupTo(ctx, dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	restored, err := NewSQLiteStore(dest, clock)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer restored.Close()
	if err := migrations.CheckDBMigrationStatus(restored.DB()); err != nil {
		t.Errorf("backup schema status: %v", err)
	}
	v, _, err := restored.Read(ctx, "part-a", "")
	if err != nil {
		t.Fatalf("Read() from backup error = %v", err)
	}
	if v.ID != head {
		t.Errorf("backup head = %s, want %s", v.ID, head)
	}
}
