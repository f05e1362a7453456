package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PegLedger.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied  *prometheus.CounterVec
	EngineOpsRejected *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge
	EngineRollbacks   *prometheus.CounterVec
	CompensationFails *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations       *prometheus.CounterVec
	LiquidationSeized  *prometheus.CounterVec
	LiquidationHFDelta prometheus.Histogram

	// --- Oracle ---
	PriceUpdates      *prometheus.CounterVec
	PriceRoundGaps    *prometheus.CounterVec
	PriceStaleRejects *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistDeltasWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- API ---
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so they can build more than one set.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		EngineOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_engine_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		EngineOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_engine_ops_rejected_total",
			Help: "Operations aborted, by error kind",
		}, []string{"op", "kind"}),

		EngineOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_engine_op_duration_seconds",
			Help:    "Time to execute a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_engine_sequence",
			Help: "Current global sequence number",
		}),

		EngineRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_engine_rollbacks_total",
			Help: "Operations whose ledger writes were reverted",
		}, []string{"op"}),

		CompensationFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_engine_compensation_failures_total",
			Help: "Compensating transfers that themselves failed",
		}, []string{"action"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_liquidations_total",
			Help: "Liquidations committed",
		}, []string{"asset"}),

		LiquidationSeized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_liquidation_seized_units_total",
			Help: "Collateral seized in whole token units (approximate)",
		}, []string{"asset"}),

		LiquidationHFDelta: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_liquidation_health_improvement",
			Help:    "Ending minus starting health factor of liquidated users",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		// Oracle
		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_price_updates_total",
			Help: "Feed answers accepted",
		}, []string{"asset"}),

		PriceRoundGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_price_round_gaps_total",
			Help: "Feed round gaps observed (tolerated)",
		}, []string{"asset"}),

		PriceStaleRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_price_stale_rejects_total",
			Help: "Feed answers ignored as older than the current round",
		}, []string{"asset"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistDeltasWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_deltas_written_total",
			Help: "Position deltas written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & Replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// API
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),

		APIRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_api_rate_limited_total",
			Help: "Mutating requests rejected by the rate limiter",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
