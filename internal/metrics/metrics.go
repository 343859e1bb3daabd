package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockOperations counts lock manager mutations by operation and outcome kind.
	LockOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdm_lock_operations_total",
		Help: "Total number of lock manager operations",
	}, []string{"op", "outcome"})
	// OperationDuration observes the latency of lock manager mutations.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdm_operation_duration_seconds",
		Help:    "Latency of lock manager operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	// CommitRetries counts commits retried after the store head moved.
	CommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdm_commit_retries_total",
		Help: "Total number of commits retried against a new head",
	})
	// AuditFailures counts audit events that could not be appended.
	AuditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdm_audit_failures_total",
		Help: "Total number of failed audit appends",
	})
	// Sessions reports the number of live sessions on this instance.
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pdm_sessions",
		Help: "Current number of live sessions",
	})
	// BroadcastEvents counts events fanned out by type.
	BroadcastEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdm_broadcast_events_total",
		Help: "Total number of broadcast events",
	}, []string{"type"})
	// BroadcastDrops counts sessions unregistered after a failed send.
	BroadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdm_broadcast_drops_total",
		Help: "Total number of sessions dropped after a failed send",
	})
	// SessionsPruned counts sessions pruned for missed heartbeats.
	SessionsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdm_sessions_pruned_total",
		Help: "Total number of sessions pruned by the heartbeat sweeper",
	})
	// RelayFailures counts cross-instance relay publish or decode failures.
	RelayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdm_relay_failures_total",
		Help: "Total number of relay failures",
	})
	// MirrorPending reports blobs waiting to be replicated.
	MirrorPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pdm_mirror_pending",
		Help: "Number of blobs waiting for the remote mirror",
	})
	// MirrorLag reports the age of the oldest pending blob.
	MirrorLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pdm_mirror_lag_seconds",
		Help: "Age of the oldest blob waiting for the remote mirror",
	})
	// MirrorPushed counts blobs and snapshots pushed to the mirror.
	MirrorPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdm_mirror_pushed_total",
		Help: "Total number of items pushed to the remote mirror",
	}, []string{"kind"})
	// MirrorFailures counts failed mirror passes.
	MirrorFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdm_mirror_failures_total",
		Help: "Total number of failed mirror passes",
	})
	// CacheLookups counts snapshot cache lookups by result.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdm_snapshot_cache_total",
		Help: "Snapshot cache lookups",
	}, []string{"result"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers pdm metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockOperations, OperationDuration, CommitRetries, AuditFailures,
		Sessions, BroadcastEvents, BroadcastDrops, SessionsPruned, RelayFailures,
		MirrorPending, MirrorLag, MirrorPushed, MirrorFailures, CacheLookups,
	)
}
