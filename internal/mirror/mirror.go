// Package mirror replicates content blobs and database snapshots to a
// remote vault in the background.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pdm-go/internal/metrics"
	"pdm-go/internal/pdm"
)

const (
	// DBMetadataName is the metadata item holding the database snapshot.
	DBMetadataName = "db"

	DefaultInterval = time.Minute
	maxBackoffSteps = 5
)

// ErrRemoteAhead reports that the remote holds a newer database snapshot
// than the local store.
var ErrRemoteAhead = errors.New("local database is behind remote")

// Status summarizes replication progress.
type Status struct {
	Pending       int
	OldestPending time.Time // Zero when nothing is pending
	Lag           time.Duration
	LocalSeq      int64
	RemoteSeq     int64
	LastSuccess   time.Time
	LastError     string
	Failures      int // Consecutive failed passes
}

// Mirror pushes pending blobs from the local vault to the remote one and
// uploads a fresh database snapshot whenever the version log advances.
// Pending work is tracked in the ledger, so nothing is lost across
// restarts; local writes never wait on the remote.
type Mirror struct {
	ledger     pdm.BlobLedger
	local      pdm.Vault
	remote     pdm.Vault
	instanceID string
	clock      pdm.Clock
	logger     pdm.Logger
	interval   time.Duration
	maxLag     time.Duration
	tmpDir     string

	mu        sync.Mutex
	remoteSeq int64
	seqLoaded bool
	lastOK    time.Time
	lastErr   error
	failures  int
}

func New(ledger pdm.BlobLedger, local, remote pdm.Vault, instanceID string, clock pdm.Clock, logger pdm.Logger, interval, maxLag time.Duration) *Mirror {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Mirror{
		ledger:     ledger,
		local:      local,
		remote:     remote,
		instanceID: instanceID,
		clock:      clock,
		logger:     logger,
		interval:   interval,
		maxLag:     maxLag,
	}
}

// WithTempDir sets where database snapshots are written before upload.
func (m *Mirror) WithTempDir(dir string) *Mirror {
	m.tmpDir = dir
	return m
}

// CheckRemote refuses to run against a remote that has seen more of the
// version log than the local store.
func (m *Mirror) CheckRemote(ctx context.Context) error {
	remote, err := m.remote.GetMetadataVersion(m.instanceID, DBMetadataName)
	if err != nil {
		return fmt.Errorf("checking remote metadata version: %w", err)
	}
	local, err := m.ledger.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("checking local version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("%w (local=%d, remote=%d): run `pdm mirror fetch-db` or re-initialize", ErrRemoteAhead, local, remote)
	}
	m.mu.Lock()
	m.remoteSeq, m.seqLoaded = remote, true
	m.mu.Unlock()
	return nil
}

// Sync runs one replication pass.
func (m *Mirror) Sync(ctx context.Context) error {
	err := m.sync(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	if err != nil {
		m.failures++
		metrics.MirrorFailures.Inc()
		return err
	}
	m.failures = 0
	m.lastOK = m.clock.Now()
	return nil
}

func (m *Mirror) sync(ctx context.Context) error {
	pending, err := m.ledger.PendingBlobs(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing pending blobs: %w", err)
	}
	m.observe(pending)

	for _, b := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.pushBlob(b); err != nil {
			return fmt.Errorf("pushing blob %s: %w", b.Checksum, err)
		}
		if err := m.ledger.MarkBlobMirrored(ctx, b.Checksum, m.clock.Now()); err != nil {
			return fmt.Errorf("marking blob %s: %w", b.Checksum, err)
		}
		metrics.MirrorPushed.WithLabelValues("blob").Inc()
	}
	if len(pending) > 0 {
		m.logger.Info("mirrored blobs", "count", len(pending))
	}
	m.observe(nil)

	return m.pushSnapshot(ctx)
}

// observe updates the backlog gauges and warns while the oldest pending
// blob is older than the configured lag.
func (m *Mirror) observe(pending []pdm.BlobRecord) {
	metrics.MirrorPending.Set(float64(len(pending)))
	if len(pending) == 0 {
		metrics.MirrorLag.Set(0)
		return
	}
	lag := m.clock.Now().Sub(pending[0].CreatedAt)
	metrics.MirrorLag.Set(lag.Seconds())
	if m.maxLag > 0 && lag > m.maxLag {
		m.logger.Warn("mirror is lagging", "pending", len(pending), "lag", lag.Round(time.Second).String(), "max_lag", m.maxLag.String())
	}
}

func (m *Mirror) pushBlob(b pdm.BlobRecord) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(m.local.GetContent(b.Checksum, pw))
	}()
	err := m.remote.PutContent(b.Checksum, pr, b.Size)
	pr.CloseWithError(io.ErrClosedPipe)
	return err
}

func (m *Mirror) pushSnapshot(ctx context.Context) error {
	if !m.loaded() {
		if err := m.CheckRemote(ctx); err != nil {
			return err
		}
	}
	seq, err := m.ledger.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("reading local version: %w", err)
	}
	m.mu.Lock()
	current := m.remoteSeq
	m.mu.Unlock()
	if seq <= current {
		return nil
	}

	dir, err := os.MkdirTemp(m.tmpDir, "pdm-mirror-*")
	if err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "pdm.db")
	if err := m.ledger.BackupTo(ctx, path); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}
	// The snapshot may already include commits made after seq was read;
	// labelling it with the older seq only causes one extra upload.
	if err := m.upload(path, seq); err != nil {
		return err
	}

	m.mu.Lock()
	m.remoteSeq = seq
	m.mu.Unlock()
	metrics.MirrorPushed.WithLabelValues("snapshot").Inc()
	m.logger.Info("mirrored database snapshot", "seq", seq)
	return nil
}

func (m *Mirror) upload(path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	if err := m.remote.PutMetadata(m.instanceID, DBMetadataName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading snapshot: %w", err)
	}
	return nil
}

func (m *Mirror) loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqLoaded
}

// Backoff returns the wait before the next pass: the interval after a
// success, doubling per consecutive failure up to 32 intervals.
func (m *Mirror) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := min(m.failures, maxBackoffSteps)
	return m.interval << steps
}

// Run replicates until ctx is done. Failures are logged and retried.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			wait := m.Backoff()
			m.logger.Warn("mirror pass failed", "error", err, "retry_in", wait.String())
		}
		t := time.NewTimer(m.Backoff())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Status reports the current backlog and the outcome of the last pass.
func (m *Mirror) Status(ctx context.Context) (Status, error) {
	pending, err := m.ledger.PendingBlobs(ctx, 0)
	if err != nil {
		return Status{}, err
	}
	local, err := m.ledger.MaxSeq(ctx)
	if err != nil {
		return Status{}, err
	}
	remote, err := m.remote.GetMetadataVersion(m.instanceID, DBMetadataName)
	if err != nil {
		return Status{}, fmt.Errorf("checking remote metadata version: %w", err)
	}

	st := Status{Pending: len(pending), LocalSeq: local, RemoteSeq: remote}
	if len(pending) > 0 {
		st.OldestPending = pending[0].CreatedAt
		st.Lag = m.clock.Now().Sub(st.OldestPending)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st.LastSuccess = m.lastOK
	st.Failures = m.failures
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st, nil
}
