package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: all metrics are registered globally, so every binary exposes the full
// set (the syncer reports zero API requests, the API zero sync jobs).

// namespace defines the global prefix for all metrics (e.g., wayfinder_...).
const namespace = "wayfinder"

// Label values shared by callers.
const (
	OutcomeMatched = "matched"
	OutcomeNoMatch = "no_match"
	OutcomeError   = "error"

	SyncUpdated   = "updated"
	SyncUnchanged = "unchanged"
	SyncFailed    = "failed"
)

// lowLatencyBuckets resolves the millisecond range of cached rule evaluation.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .250, .500, 1}

var (
	// -------------------------------------------------------------------------
	// HTTP API
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: wayfinder_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "route"})

	// APIReqTotal counts the total number of HTTP requests.
	// Metric: wayfinder_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// ROUTING
	// -------------------------------------------------------------------------

	// RuleSelections counts routing and classification decisions by outcome.
	RuleSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "rule_selections_total",
		Help:      "Rule selection passes by domain and outcome (matched, no_match, error)",
	}, []string{"domain", "outcome"})

	// SkippedRules counts rules that failed and were treated as non-matching.
	SkippedRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "skipped_rules_total",
		Help:      "Rules skipped during selection by domain and reason",
	}, []string{"domain", "reason"})

	// TraversalEvents counts traversal lifecycle events (started, completed, rewound, abandoned).
	TraversalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "routing",
		Name:      "traversal_events_total",
		Help:      "Traversal lifecycle events by domain",
	}, []string{"domain", "event"})

	// -------------------------------------------------------------------------
	// RULE SET CACHE
	// -------------------------------------------------------------------------

	RulesL1Hits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_cache_hits_total",
		Help:      "Total L1 rule set cache hits (in-memory)",
	})

	RulesL1Misses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_cache_misses_total",
		Help:      "Total L1 rule set cache misses",
	})

	// RulesL1Evictions tracks rule sets removed because the cache was full or expired.
	RulesL1Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_cache_evictions_total",
		Help:      "Total rule sets evicted from L1",
	})

	// RulesL1Items is the number of rule sets in the L1 cache. Otter (S3-FIFO)
	// tracks entries, not bytes.
	RulesL1Items = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_cache_items_count",
		Help:      "Current number of rule sets in the L1 cache",
	})

	RulesL2Hits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l2_cache_hits_total",
		Help:      "Total L2 rule set cache hits (Redis)",
	})

	RulesL2Misses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l2_cache_misses_total",
		Help:      "Total L2 rule set cache misses",
	})

	RulesInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_invalidations_total",
		Help:      "Total rule set invalidation events received via PubSub",
	})

	// -------------------------------------------------------------------------
	// SYNCER (Workers)
	// -------------------------------------------------------------------------

	// SyncerCycleDuration measures one full propagation cycle over every scope.
	// Metric: wayfinder_syncer_cycle_duration_seconds
	SyncerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a rule propagation cycle",
		Buckets:   prometheus.DefBuckets,
	})

	SyncerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "jobs_total",
		Help:      "Total scope propagation jobs processed",
	}, []string{"status"}) // updated, unchanged, failed

	// -------------------------------------------------------------------------
	// DATABASE POOL
	// -------------------------------------------------------------------------

	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Connections in the PostgreSQL pool by state (total, idle, in_use, max)",
	}, []string{"state"})

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Total successful connection acquisitions",
	})

	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_empty_acquire_total",
		Help:      "Total acquisitions that had to wait for a connection",
	})

	// -------------------------------------------------------------------------
	// REDIS POOL
	// -------------------------------------------------------------------------

	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_connections",
		Help:      "Connections in the Redis pool by state (total, idle, stale)",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_hits_total",
		Help:      "Times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_misses_total",
		Help:      "Times a new connection had to be dialed",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_timeouts_total",
		Help:      "Times waiting for a connection timed out",
	})
)
