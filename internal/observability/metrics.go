package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the position ledger.
type Metrics struct {
	// --- Bin processing ---
	BinsProcessed   *prometheus.CounterVec
	BinsFailed      *prometheus.CounterVec
	BinItemsApplied *prometheus.CounterVec
	BinItemsInvalid *prometheus.CounterVec
	BinDuration     *prometheus.HistogramVec
	BinSize         *prometheus.HistogramVec
	AccountBatches  prometheus.Counter

	// --- Latency ---
	IngestToApply  *prometheus.HistogramVec
	ApplyToPersist prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PersistBackpressure prometheus.Counter
	PublishDrops        prometheus.Counter

	// --- Duplicate detection ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram

	// --- Persistence ---
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	StateChangesWritten    prometheus.Counter
	PositionChangesWritten prometheus.Counter

	// --- Outbound notifications ---
	NotificationsPublished *prometheus.CounterVec
	PublishErrors          prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	persistBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		BinsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_bins_processed_total",
			Help: "Bins successfully folded",
		}, []string{"action"}),

		BinsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_bins_failed_total",
			Help: "Bins rejected whole (invariant violation, missing lookup)",
		}, []string{"action", "reason"}),

		BinItemsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_bin_items_applied_total",
			Help: "Bin items applied to a position",
		}, []string{"action"}),

		BinItemsInvalid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_bin_items_invalid_state_total",
			Help: "Bin items whose transfer was not in the required state",
		}, []string{"action"}),

		BinDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switch_bin_fold_duration_seconds",
			Help:    "Time to fold one bin",
			Buckets: latencyBuckets,
		}, []string{"action"}),

		BinSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switch_bin_size_items",
			Help:    "Items per bin",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"action"}),

		AccountBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_account_batches_total",
			Help: "Per-account batches processed",
		}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switch_ingest_to_apply_seconds",
			Help:    "NATS receive to bin fold complete",
			Buckets: persistBuckets,
		}, []string{"action"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "switch_apply_to_persist_seconds",
			Help:    "Fold complete to Postgres commit",
			Buckets: persistBuckets,
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switch_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switch_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switch_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_persist_backpressure_total",
			Help: "Times the orchestrator blocked on the persist channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_publish_drops_total",
			Help: "Notifications dropped due to full publish channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_idempotency_duplicates_total",
			Help: "Duplicate messages caught before bin assembly (lru/postgres)",
		}, []string{"action", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "switch_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "switch_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "switch_persist_batch_duration_seconds",
			Help:    "Postgres transaction duration per account result",
			Buckets: persistBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "switch_persist_batch_size",
			Help:    "Change rows per persist transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_persist_retry_total",
			Help: "Persistence retries",
		}),

		StateChangesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_state_changes_written_total",
			Help: "Transfer state-change rows written",
		}),

		PositionChangesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_position_changes_written_total",
			Help: "Participant position-change rows written",
		}),

		NotificationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "switch_notifications_published_total",
			Help: "Outbound notifications published",
		}, []string{"action"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switch_publish_errors_total",
			Help: "Outbound publish failures",
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
