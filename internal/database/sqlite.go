package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdm-go/internal/model"
	"pdm-go/internal/pdm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// SQLiteStore implements the version store and the blob ledger on SQLite.
// Every commit is one transaction begun with BEGIN IMMEDIATE, so commits
// are serialized by the database itself even across processes.
type SQLiteStore struct {
	db    *sql.DB
	cache *snapshotCache
	clock pdm.Clock
	path  string
}

// NewSQLiteStore opens the store at path. path can be a file path or
// ":memory:" for an in-memory database. The schema must be migrated
// separately with migrations.MigrateUp.
func NewSQLiteStore(path string, clock pdm.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	cache, err := newSnapshotCache(0)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, cache: cache, clock: clock, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
// Foreign keys are enforced, writers wait up to five seconds for the write
// lock and transactions take the write lock when they begin. File databases
// use WAL so readers never block the writer.
func OpenConnection(path string) (*sql.DB, error) {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?" + params
	} else {
		dsn = "file:" + path + "?" + params + "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// DB exposes the underlying connection for migrations and the audit log.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, pdm.ErrUnavailable, err)
}

// Commit implements pdm.VersionStore.
func (s *SQLiteStore) Commit(ctx context.Context, req pdm.CommitRequest) (*model.Version, error) {
	vs, err := s.CommitAll(ctx, req)
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// CommitAll implements pdm.VersionStore. The requests share one
// transaction: either every version is appended or none is.
func (s *SQLiteStore) CommitAll(ctx context.Context, reqs ...pdm.CommitRequest) ([]*model.Version, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty commit", pdm.ErrInvalid)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("starting transaction", err)
	}
	defer tx.Rollback()

	vs := make([]*model.Version, 0, len(reqs))
	snapshots := make(map[string][]byte, len(reqs))
	for _, req := range reqs {
		v, data, err := s.commitTx(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
		snapshots[v.ContentID] = data
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("committing transaction", err)
	}
	for id, data := range snapshots {
		s.cache.set(id, data)
	}
	return vs, nil
}

// commitTx appends one version inside tx and rewrites the materialized
// resource and lock rows of its target.
func (s *SQLiteStore) commitTx(ctx context.Context, tx *sql.Tx, req pdm.CommitRequest) (*model.Version, []byte, error) {
	if req.State == nil {
		return nil, nil, fmt.Errorf("%w: commit without state", pdm.ErrInvalid)
	}
	data, err := pdm.EncodeState(req.State)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", pdm.ErrInternal, err)
	}
	contentID := pdm.ContentID(data)
	ts := req.Timestamp.UTC()

	var head string
	err = tx.QueryRowContext(ctx, `SELECT head_version_id FROM resources WHERE id = ?`, req.Target).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, unavailable("reading head", err)
	}
	if head != req.ExpectedHead {
		return nil, nil, fmt.Errorf("%s: head is %q, expected %q: %w", req.Target, head, req.ExpectedHead, pdm.ErrStale)
	}

	v := &model.Version{
		ID:        pdm.VersionID(head, contentID, req.Author, ts, req.Message, req.Target),
		Target:    req.Target,
		ParentID:  head,
		ContentID: contentID,
		Author:    req.Author,
		Timestamp: ts,
		Message:   req.Message,
	}

	// Identical snapshots share one contents row.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO contents (id, data, created_at) VALUES (?, ?, ?)`,
		contentID, data, formatTime(ts)); err != nil {
		return nil, nil, unavailable("inserting content", err)
	}

	var parent any
	if head != "" {
		parent = head
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO versions (id, target, parent_id, content_id, author, timestamp, message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Target, parent, v.ContentID, v.Author, formatTime(ts), v.Message)
	if err != nil {
		return nil, nil, unavailable("inserting version", err)
	}
	if v.Seq, err = res.LastInsertId(); err != nil {
		return nil, nil, unavailable("reading version sequence", err)
	}

	checksum, size := "", int64(0)
	if req.State.Content != nil {
		checksum, size = req.State.Content.Checksum, req.State.Content.Size
	}
	if head == "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO resources (id, head_version_id, deleted, created_at, content_checksum, content_size) VALUES (?, ?, ?, ?, ?, ?)`,
			req.Target, v.ID, req.State.Deleted, formatTime(ts), checksum, size)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE resources SET head_version_id = ?, deleted = ?, content_checksum = ?, content_size = ? WHERE id = ?`,
			v.ID, req.State.Deleted, checksum, size, req.Target)
	}
	if err != nil {
		return nil, nil, unavailable("updating resource", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ?`, req.Target); err != nil {
		return nil, nil, unavailable("clearing lock", err)
	}
	if l := req.State.Lock; l != nil && !req.State.Deleted {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks (resource_id, owner, acquired_at, note) VALUES (?, ?, ?, ?)`,
			req.Target, l.Owner, formatTime(l.AcquiredAt), l.Note); err != nil {
			return nil, nil, unavailable("inserting lock", err)
		}
	}
	return v, data, nil
}

const versionColumns = `v.seq, v.id, v.target, COALESCE(v.parent_id, ''), v.content_id, v.author, v.timestamp, v.message`

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*model.Version, error) {
	var v model.Version
	var ts string
	if err := row.Scan(&v.Seq, &v.ID, &v.Target, &v.ParentID, &v.ContentID, &v.Author, &ts, &v.Message); err != nil {
		return nil, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	v.Timestamp = t
	return &v, nil
}

// Read implements pdm.VersionStore.
func (s *SQLiteStore) Read(ctx context.Context, target, versionID string) (*model.Version, []byte, error) {
	var row *sql.Row
	if versionID == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+versionColumns+` FROM versions v JOIN resources r ON r.head_version_id = v.id WHERE r.id = ?`, target)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+versionColumns+` FROM versions v WHERE v.id = ? AND v.target = ?`, versionID, target)
	}
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		if versionID == "" {
			return nil, nil, fmt.Errorf("resource %s: %w", target, pdm.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("version %s of %s: %w", versionID, target, pdm.ErrNotFound)
	}
	if err != nil {
		return nil, nil, unavailable("reading version", err)
	}

	if data, ok := s.cache.get(v.ContentID); ok {
		return v, data, nil
	}
	var data []byte
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM contents WHERE id = ?`, v.ContentID).Scan(&data); err != nil {
		return nil, nil, unavailable("reading content", err)
	}
	s.cache.set(v.ContentID, data)
	return v, data, nil
}

// History implements pdm.VersionStore.
func (s *SQLiteStore) History(ctx context.Context, target string, limit int) ([]*model.Version, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM versions v WHERE v.target = ? ORDER BY v.seq DESC LIMIT ?`, target, limit)
	if err != nil {
		return nil, unavailable("querying history", err)
	}
	defer rows.Close()

	var out []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, unavailable("scanning version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating history", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resource %s: %w", target, pdm.ErrNotFound)
	}
	return out, nil
}

const iterateBatch = 500

// Iterate implements pdm.VersionStore. Versions are read in batches so fn
// may itself query the store.
func (s *SQLiteStore) Iterate(ctx context.Context, fn func(*model.Version) error) error {
	var after int64
	for {
		batch, err := s.versionsAfter(ctx, after)
		if err != nil {
			return err
		}
		for _, v := range batch {
			if err := fn(v); err != nil {
				return err
			}
			after = v.Seq
		}
		if len(batch) < iterateBatch {
			return nil
		}
	}
}

func (s *SQLiteStore) versionsAfter(ctx context.Context, seq int64) ([]*model.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM versions v WHERE v.seq > ? ORDER BY v.seq LIMIT ?`, seq, iterateBatch)
	if err != nil {
		return nil, unavailable("querying versions", err)
	}
	defer rows.Close()

	var out []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, unavailable("scanning version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating versions", err)
	}
	return out, nil
}

const resourceQuery = `SELECT r.id, r.deleted, r.created_at, r.head_version_id, r.content_checksum, r.content_size,
	l.owner, l.acquired_at, l.note
	FROM resources r LEFT JOIN locks l ON l.resource_id = r.id`

func scanResource(row scanner) (*model.Resource, error) {
	var r model.Resource
	var created string
	var owner, acquired, note sql.NullString
	if err := row.Scan(&r.ID, &r.Deleted, &created, &r.HeadVersionID, &r.ContentChecksum, &r.ContentSize,
		&owner, &acquired, &note); err != nil {
		return nil, err
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	if owner.Valid {
		at, err := parseTime(acquired.String)
		if err != nil {
			return nil, err
		}
		r.Lock = &model.Lock{ResourceID: r.ID, Owner: owner.String, AcquiredAt: at, Note: note.String}
	}
	return &r, nil
}

// Resource implements pdm.VersionStore.
func (s *SQLiteStore) Resource(ctx context.Context, id string) (*model.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx, resourceQuery+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", id, pdm.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("reading resource", err)
	}
	return r, nil
}

// Resources implements pdm.VersionStore.
func (s *SQLiteStore) Resources(ctx context.Context, includeDeleted bool) ([]*model.Resource, error) {
	q := resourceQuery
	if !includeDeleted {
		q += ` WHERE r.deleted = 0`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY r.id`)
	if err != nil {
		return nil, unavailable("querying resources", err)
	}
	defer rows.Close()

	var out []*model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, unavailable("scanning resource", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating resources", err)
	}
	return out, nil
}

// Lock implements pdm.VersionStore.
func (s *SQLiteStore) Lock(ctx context.Context, resourceID string) (*model.Lock, error) {
	locks, err := s.queryLocks(ctx, ` WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, err
	}
	if len(locks) == 0 {
		return nil, nil
	}
	return locks[0], nil
}

// Locks implements pdm.VersionStore.
func (s *SQLiteStore) Locks(ctx context.Context) ([]*model.Lock, error) {
	return s.queryLocks(ctx, ``)
}

func (s *SQLiteStore) queryLocks(ctx context.Context, where string, args ...any) ([]*model.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, owner, acquired_at, note FROM locks`+where+` ORDER BY resource_id`, args...)
	if err != nil {
		return nil, unavailable("querying locks", err)
	}
	defer rows.Close()

	var out []*model.Lock
	for rows.Next() {
		var l model.Lock
		var at string
		if err := rows.Scan(&l.ResourceID, &l.Owner, &at, &l.Note); err != nil {
			return nil, unavailable("scanning lock", err)
		}
		if l.AcquiredAt, err = parseTime(at); err != nil {
			return nil, unavailable("scanning lock", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating locks", err)
	}
	return out, nil
}

// Blob ledger

// RecordBlob implements pdm.BlobLedger. Recording a known blob is a no-op.
func (s *SQLiteStore) RecordBlob(ctx context.Context, checksum string, size int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (checksum, size, created_at) VALUES (?, ?, ?)`,
		checksum, size, formatTime(s.clock.Now())); err != nil {
		return unavailable("recording blob", err)
	}
	return nil
}

// PendingBlobs implements pdm.BlobLedger. Oldest first.
func (s *SQLiteStore) PendingBlobs(ctx context.Context, limit int) ([]pdm.BlobRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT checksum, size, created_at FROM blobs WHERE mirrored_at IS NULL ORDER BY created_at, checksum LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("querying pending blobs", err)
	}
	defer rows.Close()

	var out []pdm.BlobRecord
	for rows.Next() {
		var b pdm.BlobRecord
		var created string
		if err := rows.Scan(&b.Checksum, &b.Size, &created); err != nil {
			return nil, unavailable("scanning blob", err)
		}
		if b.CreatedAt, err = parseTime(created); err != nil {
			return nil, unavailable("scanning blob", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating blobs", err)
	}
	return out, nil
}

// MarkBlobMirrored implements pdm.BlobLedger.
func (s *SQLiteStore) MarkBlobMirrored(ctx context.Context, checksum string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blobs SET mirrored_at = ? WHERE checksum = ?`, formatTime(at), checksum)
	if err != nil {
		return unavailable("marking blob", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blob %s: %w", checksum, pdm.ErrNotFound)
	}
	return nil
}

// MaxSeq implements pdm.BlobLedger.
func (s *SQLiteStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM versions`).Scan(&seq); err != nil {
		return 0, unavailable("reading max sequence", err)
	}
	return seq, nil
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(ctx context.Context, destPath string) error {
	if strings.ContainsRune(destPath, 0) {
		return fmt.Errorf("%w: invalid backup path", pdm.ErrInvalid)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.cache.close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time checks that SQLiteStore implements the pdm interfaces
var (
	_ pdm.VersionStore = (*SQLiteStore)(nil)
	_ pdm.BlobLedger   = (*SQLiteStore)(nil)
)
