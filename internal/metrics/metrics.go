package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms, partitioned by chain + network.

var (
	// Realtime tailer
	RealtimeTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "realtime",
		Name:      "ticks_total",
		Help:      "Total realtime tailer ticks",
	}, []string{"chain", "network"})

	RealtimeTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "realtime",
		Name:      "tick_errors_total",
		Help:      "Total realtime tailer tick errors",
	}, []string{"chain", "network"})

	RealtimeCursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "realtime",
		Name:      "cursor_block",
		Help:      "Last safely-processed block of the realtime stream",
	}, []string{"chain", "network"})

	RealtimeHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "realtime",
		Name:      "head_block",
		Help:      "Latest chain head observed by the tailer",
	}, []string{"chain", "network"})

	RealtimeGapBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "realtime",
		Name:      "gap_blocks_total",
		Help:      "Blocks handed from the tailer to backfill because they fell outside the window",
	}, []string{"chain", "network"})

	// Backfill
	BackfillJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs enqueued",
	}, []string{"chain", "network", "kind"})

	BackfillJobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "job_transitions_total",
		Help:      "Job state transitions",
	}, []string{"chain", "network", "kind", "state"})

	BackfillJobLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "job_duration_seconds",
		Help:      "Job handling duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"chain", "network", "kind"})

	// Syncer
	SyncRangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "range_duration_seconds",
		Help:      "Range sync duration including fetch, decode and apply",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "network"})

	SyncBlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "sync",
		Name:      "blocks_processed_total",
		Help:      "Total blocks synced",
	}, []string{"chain", "network"})

	// Demux
	DemuxEventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "demux",
		Name:      "events_decoded_total",
		Help:      "Total logs decoded, by sub-kind",
	}, []string{"chain", "network", "sub_kind"})

	DemuxDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "demux",
		Name:      "decode_errors_total",
		Help:      "Total matched logs that failed to decode",
	}, []string{"chain", "network", "sub_kind"})

	// Ledger
	LedgerTransfersApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "transfers_applied_total",
		Help:      "Total transfer events newly applied to balances, by kind",
	}, []string{"chain", "network", "kind"})

	LedgerTransfersRolledBack = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "transfers_rolled_back_total",
		Help:      "Total transfer events tombstoned by reorg rollback",
	}, []string{"chain", "network"})

	LedgerAirdropBulkDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ledger",
		Name:      "airdrop_bulk_detected_total",
		Help:      "Transactions flagged as bulk airdrop spam candidates",
	}, []string{"chain", "network"})

	// Normalizer
	NormalizerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "results_total",
		Help:      "Normalization results by protocol kind and status",
	}, []string{"chain", "network", "kind", "status"})

	NormalizerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "errors_total",
		Help:      "Items that failed with an infrastructure error or panic",
	}, []string{"chain", "network", "kind"})

	NormalizerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "save_duration_seconds",
		Help:      "Normalizer batch save duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "network", "kind"})

	NormalizerStaleUpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "stale_updates_rejected_total",
		Help:      "Updates rejected by the staleness gate",
	}, []string{"chain", "network", "kind"})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "notifications_published_total",
		Help:      "Order update notifications published, by trigger",
	}, []string{"chain", "network", "trigger"})

	// Postgres
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "pool_open_connections",
		Help:      "Open postgres connections",
	}, []string{"chain", "network"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "pool_in_use_connections",
		Help:      "In-use postgres connections",
	}, []string{"chain", "network"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "pool_idle_connections",
		Help:      "Idle postgres connections",
	}, []string{"chain", "network"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "pool_wait_count",
		Help:      "Total waits for a postgres connection",
	}, []string{"chain", "network"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "pool_wait_duration_seconds",
		Help:      "Total time blocked waiting for a postgres connection",
	}, []string{"chain", "network"})

	// Cache
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses",
	}, []string{"cache"})

	// RPC
	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"chain"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and status",
	}, []string{"chain", "method", "status"})

	RPCBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "RPC circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"chain"})

	// Reconciliation
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Ledger reconciliation runs",
	}, []string{"chain", "network"})

	ReconciliationMismatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Holdings whose ledger balance differs from chain state",
	}, []string{"chain", "network"})

	ReconciliationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation checks that could not be evaluated",
	}, []string{"chain", "network"})

	// Reorg detector
	ReorgDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "reorg_detected_total",
		Help:      "Total orphaned blocks detected",
	}, []string{"chain", "network"})

	ReorgReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "reconciled_total",
		Help:      "Total orphaned blocks reconciled",
	}, []string{"chain", "network"})

	ReorgDetectorCheckLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "check_duration_seconds",
		Help:      "Reorg detector check duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain", "network"})

	ReorgDetectorRPCErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "rpc_errors_total",
		Help:      "Total RPC errors while verifying block hashes",
	}, []string{"chain", "network"})

	ReorgLockContended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "reorg",
		Name:      "lock_contended_total",
		Help:      "Checks skipped because another instance holds the lock",
	}, []string{"chain", "network"})

	// Finalizer
	FinalizerPrunedBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "finalizer",
		Name:      "pruned_blocks_total",
		Help:      "Total block hash rows pruned beyond the reorg window",
	}, []string{"chain", "network"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
