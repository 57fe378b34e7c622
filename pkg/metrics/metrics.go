package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync engine metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_sync_runs_total",
			Help: "Total number of sync runs, by trigger and terminal outcome.",
		},
		[]string{"trigger", "outcome"}, // trigger: "scheduled", "manual"; outcome: "success", "partial", "failed"
	)

	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rondo_sync_run_duration_seconds",
			Help:    "Duration of full sync runs in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	SyncAccountsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_sync_accounts_total",
			Help: "Total number of accounts processed during sync runs, by classification.",
		},
		[]string{"result"}, // result: "created", "updated", "unchanged", "errored"
	)

	SyncRunsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rondo_sync_runs_skipped_total",
			Help: "Scheduled sync runs skipped because another run was active.",
		},
	)
)

// Bulk operation metrics
var (
	BulkOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_bulk_operations_total",
			Help: "Total number of bulk operations, by action and terminal outcome.",
		},
		[]string{"action", "outcome"},
	)

	BulkItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_bulk_items_total",
			Help: "Total number of processed bulk operation items, by outcome.",
		},
		[]string{"outcome"}, // outcome: "applied", "failed"
	)
)

// Purge queue metrics
var (
	PurgeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_purge_executions_total",
			Help: "Total number of purge delete attempts, by outcome.",
		},
		[]string{"outcome"}, // outcome: "completed", "requeued", "failed"
	)

	PurgeQueueDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rondo_purge_queue_due",
			Help: "Number of purge queue entries due at the last processor wake-up.",
		},
	)
)

// Directory client metrics
var (
	DirectoryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_directory_requests_total",
			Help: "Total number of directory admin API requests, by operation and status.",
		},
		[]string{"operation", "status"}, // status: "ok", "transient", "permanent"
	)

	DirectoryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rondo_directory_request_duration_seconds",
			Help:    "Duration of directory admin API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rondo_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"role"}, // role: "read", "write"
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rondo_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"role"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rondo_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"role"},
	)
	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_db_transactions_total",
			Help: "Total number of database transactions, by outcome.",
		},
		[]string{"outcome"}, // outcome: "commit", "rollback"
	)
	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rondo_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Audit metrics
var (
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rondo_audit_entries_total",
			Help: "Total number of audit log entries written, by action.",
		},
		[]string{"action"},
	)
)
