package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks controller activity.
type Metrics struct {
	NodesRegistered prometheus.Gauge
	FilesVisible    prometheus.Gauge

	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	LateAcks         *prometheus.CounterVec

	RebalancePasses    *prometheus.CounterVec
	RebalanceDuration  prometheus.Histogram
	RebalanceTransfers prometheus.Counter
	RebalanceDeletions prometheus.Counter
}

// NewMetrics creates and registers controller metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		NodesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "replistore_controller_nodes_registered",
			Help: "Number of storage nodes currently registered",
		}),
		FilesVisible: factory.NewGauge(prometheus.GaugeOpts{
			Name: "replistore_controller_files_visible",
			Help: "Number of files in the store complete state",
		}),
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replistore_controller_operations_total",
			Help: "Client operations by kind and outcome",
		}, []string{"operation", "result"}),
		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replistore_controller_operation_seconds",
			Help:    "Client operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		LateAcks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replistore_controller_late_acks_total",
			Help: "Acknowledgements that arrived with no matching pending operation",
		}, []string{"kind"}),
		RebalancePasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replistore_controller_rebalance_passes_total",
			Help: "Rebalance passes by outcome",
		}, []string{"result"}),
		RebalanceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "replistore_controller_rebalance_seconds",
			Help:    "Duration of rebalance passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RebalanceTransfers: factory.NewCounter(prometheus.CounterOpts{
			Name: "replistore_controller_rebalance_transfers_total",
			Help: "Node-to-node pushes requested by rebalance plans",
		}),
		RebalanceDeletions: factory.NewCounter(prometheus.CounterOpts{
			Name: "replistore_controller_rebalance_deletions_total",
			Help: "File deletions requested by rebalance plans",
		}),
	}
}
