package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

var (
	// ============================================================================
	// Dispatch Metrics
	// ============================================================================

	// EventsTotal: sock_ops events seen by the userspace dispatcher (Counter)
	// Labels: op
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockops_events_total",
			Help: "Total number of socket events handed to the dispatcher",
		},
		[]string{"op"},
	)

	// DispatchTotal: dispatch outcomes (Counter)
	// Labels: result (skipped, miss, bound, conflict, reset, error)
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockops_dispatch_total",
			Help: "Total dispatches by result",
		},
		[]string{"result"},
	)

	// ClassificationsTotal: learner decisions (Counter)
	// Labels: kind (app_to_proxy, proxy_to_proxy)
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockops_classifications_total",
			Help: "Total connections classified by the process-address learner",
		},
		[]string{"kind"},
	)

	// PublishConflictsTotal: first-writer-wins inserts that lost (Counter)
	// Labels: table
	PublishConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockops_publish_conflicts_total",
			Help: "Total rejected inserts because the tuple was already published",
		},
		[]string{"table"},
	)

	// StoreErrorsTotal: table operations that failed (Counter)
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockops_store_errors_total",
			Help: "Total failed table operations",
		},
		[]string{"table"},
	)

	// ============================================================================
	// Program & Table Metrics
	// ============================================================================

	// TableEntries: current entries per table (Gauge)
	TableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sockops_table_entries",
			Help: "Current number of entries per table",
		},
		[]string{"table"},
	)

	// ProgramLoaded: 1 when the kernel program is loaded and attached
	ProgramLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sockops_program_loaded",
			Help: "Kernel sockops program status (1=attached, 0=fallback)",
		},
	)

	// ============================================================================
	// Admin Metrics
	// ============================================================================

	// AdminRequestDuration: admin API latency (Histogram)
	// Labels: path, status
	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sockops_admin_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "status"},
	)

	// PolicyReloadsTotal: policy changes applied (Counter)
	// Labels: source (redis, file, admin)
	PolicyReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sockops_policy_reloads_total",
			Help: "Total policy reloads by source",
		},
		[]string{"source"},
	)
)

// Observer records dispatch outcomes. It satisfies sockops.Observer.
type Observer struct{}

func (Observer) Observe(o sockops.Outcome) {
	EventsTotal.WithLabelValues(o.Conn.Op.String()).Inc()
	DispatchTotal.WithLabelValues(string(o.Result)).Inc()

	if o.Class != sockops.Unknown {
		ClassificationsTotal.WithLabelValues(o.Class.String()).Inc()
	}

	failed := sockops.FailedTables(o.Err)
	for _, table := range failed {
		StoreErrorsTotal.WithLabelValues(table).Inc()
	}

	switch o.Result {
	case sockops.ResultBound, sockops.ResultConflict, sockops.ResultStoreError:
	default:
		return
	}
	if o.Record == (sockops.OriginRecord{}) {
		return
	}
	if !o.Bound && !contains(failed, sockops.TablePairs) {
		PublishConflictsTotal.WithLabelValues(sockops.TablePairs).Inc()
	}
	if o.RegisterTried && !o.Registered && !contains(failed, sockops.TableSockets) {
		PublishConflictsTotal.WithLabelValues(sockops.TableSockets).Inc()
	}
}

func contains(tables []string, table string) bool {
	for _, t := range tables {
		if t == table {
			return true
		}
	}
	return false
}

// SetTableEntries publishes table sizes.
func SetTableEntries(counts map[string]int) {
	for table, n := range counts {
		TableEntries.WithLabelValues(table).Set(float64(n))
	}
}

// SetProgramLoaded sets the program status gauge.
func SetProgramLoaded(loaded bool) {
	v := 0.0
	if loaded {
		v = 1.0
	}
	ProgramLoaded.Set(v)
}

// RecordPolicyReload records an applied policy change.
func RecordPolicyReload(source string) {
	PolicyReloadsTotal.WithLabelValues(source).Inc()
}

// RecordAdminRequest records one admin API request.
func RecordAdminRequest(path, status string, seconds float64) {
	AdminRequestDuration.WithLabelValues(path, status).Observe(seconds)
}
