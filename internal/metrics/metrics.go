package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "monitor",
		Name:      "deposits_observed_total",
		Help:      "Inbound transfers seen on monitored addresses",
	}, []string{"chain"})

	DepositsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "monitor",
		Name:      "deposits_matched_total",
		Help:      "Deposits attributed to a swap or offer side",
	}, []string{"chain", "owner"})

	DepositsUnmatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "monitor",
		Name:      "deposits_unmatched_total",
		Help:      "Deposits that matched no monitored expectation",
	}, []string{"chain"})

	MonitoredAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "monitor",
		Name:      "monitored_addresses",
		Help:      "Entries in the monitored address registry",
	})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "monitor",
		Name:      "poll_duration_seconds",
		Help:      "Duration of a single address poll",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "queue",
		Name:      "pending",
		Help:      "Swaps waiting in the processing queue",
	})

	SwapsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "queue",
		Name:      "swaps_finished_total",
		Help:      "Swap executions by resulting status",
	}, []string{"status"})

	SwapExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "queue",
		Name:      "execution_duration_seconds",
		Help:      "Time spent executing a single swap",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "fees_collected_total",
		Help:      "Platform fee transfers by currency",
	}, []string{"currency"})

	OfferTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow offer status transitions",
	}, []string{"to"})

	SweepExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "sweeper",
		Name:      "expired_total",
		Help:      "Entries expired by the sweeper",
	}, []string{"kind"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by chain, method and status",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Calls delayed by the local rate limiter",
	}, []string{"chain"})
)
