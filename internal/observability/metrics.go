package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the DeFi ledger service.
type Metrics struct {
	// --- Ledger settlement ---
	LedgerSubmissions *prometheus.CounterVec
	LedgerUnwinds     prometheus.Counter
	LedgerSubmitDur   *prometheus.HistogramVec
	FeeFailures       *prometheus.CounterVec

	// --- Swaps ---
	SwapsExecuted *prometheus.CounterVec
	SwapsRejected *prometheus.CounterVec
	SwapDuration  prometheus.Histogram
	PoolReserve   *prometheus.GaugeVec
	LiquidityOps  *prometheus.CounterVec

	// --- Lending ---
	LendingOps        *prometheus.CounterVec
	LendingOpDuration *prometheus.HistogramVec
	PoolUtilisation   *prometheus.GaugeVec

	// --- Liquidation ---
	Liquidations       *prometheus.CounterVec
	LiquidationScanDur prometheus.Histogram
	Liquidatable       prometheus.Gauge

	// --- Store & dependencies ---
	StoreConflicts   *prometheus.CounterVec
	OracleRetries    prometheus.Counter
	OracleLatency    prometheus.Histogram
	StateLoadRetries prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Events ---
	EventsPublished   *prometheus.CounterVec
	EventPublishDrops prometheus.Counter
	CacheInvalidated  *prometheus.CounterVec
	PriceUpdates      *prometheus.CounterVec

	// --- RPC ---
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// NewMetrics registers every metric with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers every metric with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
		0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
	}

	return &Metrics{
		// Ledger settlement
		LedgerSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_ledger_submissions_total",
			Help: "Ledger transfer submissions by transfer kind and outcome",
		}, []string{"kind", "outcome"}),

		LedgerUnwinds: f.NewCounter(prometheus.CounterOpts{
			Name: "defi_ledger_unwinds_total",
			Help: "Settlement plans whose confirmed legs were refunded",
		}),

		LedgerSubmitDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defi_ledger_submit_duration_seconds",
			Help:    "Ledger submission round trip",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		FeeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_fee_collection_failures_total",
			Help: "Platform fee legs that failed after settlement",
		}, []string{"operation"}),

		// Swaps
		SwapsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_swaps_executed_total",
			Help: "Swaps settled on the ledger",
		}, []string{"pool"}),

		SwapsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_swaps_rejected_total",
			Help: "Swaps rejected by error kind",
		}, []string{"pool", "kind"}),

		SwapDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_swap_duration_seconds",
			Help:    "End-to-end swap execution",
			Buckets: latencyBuckets,
		}),

		PoolReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "defi_pool_reserve",
			Help: "Current pool reserve in asset units",
		}, []string{"pool", "asset"}),

		LiquidityOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_liquidity_ops_total",
			Help: "Pool deposits and withdrawals by outcome",
		}, []string{"pool", "op", "outcome"}),

		// Lending
		LendingOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_lending_operations_total",
			Help: "Lending operations by type and outcome",
		}, []string{"op", "outcome"}),

		LendingOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defi_lending_operation_duration_seconds",
			Help:    "Lending operation duration",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		PoolUtilisation: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "defi_lending_pool_utilisation",
			Help: "TotalBorrow / TotalSupply (0.0-1.0)",
		}, []string{"pool"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_liquidations_total",
			Help: "Liquidations by outcome (partial/full/rejected)",
		}, []string{"outcome"}),

		LiquidationScanDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_liquidation_scan_duration_seconds",
			Help:    "Duration of a liquidatable-position scan",
			Buckets: latencyBuckets,
		}),

		Liquidatable: f.NewGauge(prometheus.GaugeOpts{
			Name: "defi_liquidatable_positions",
			Help: "Positions below the health threshold at the last scan",
		}),

		// Store & dependencies
		StoreConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_store_version_conflicts_total",
			Help: "Optimistic write conflicts by record type",
		}, []string{"record"}),

		OracleRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "defi_oracle_retries_total",
			Help: "Price oracle read retries",
		}),

		OracleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_oracle_latency_seconds",
			Help:    "Price oracle read latency",
			Buckets: latencyBuckets,
		}),

		StateLoadRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "defi_ledger_state_load_retries_total",
			Help: "Account state read retries",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_idempotency_duplicates_total",
			Help: "Duplicate request ids caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "defi_dedup_lru_size",
			Help: "Current request-id LRU entries",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "defi_dedup_lru_evictions_total",
			Help: "Request-id LRU evictions",
		}),

		// Events
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_events_published_total",
			Help: "Domain events published to NATS",
		}, []string{"event_type"}),

		EventPublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "defi_event_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		CacheInvalidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_cache_invalidations_total",
			Help: "Cache invalidation signals by scope",
		}, []string{"scope"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_price_updates_total",
			Help: "Streamed price updates by result (applied/stale/rejected)",
		}, []string{"result"}),

		// RPC
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_rpc_requests_total",
			Help: "gRPC requests by method and status code",
		}, []string{"method", "code"}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defi_rpc_duration_seconds",
			Help:    "gRPC handler latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),
	}
}
