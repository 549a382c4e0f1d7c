package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks storage node activity.
type Metrics struct {
	Transfers     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
	BytesSent     prometheus.Counter
	FilesRemoved  prometheus.Counter
	Pushes        *prometheus.CounterVec
	Rebalances    prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replistore_node_transfers_total",
			Help: "File transfers by direction and outcome",
		}, []string{"direction", "result"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replistore_node_bytes_received_total",
			Help: "Payload bytes received, by sender kind",
		}, []string{"source"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "replistore_node_bytes_sent_total",
			Help: "Payload bytes served to clients",
		}),
		FilesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "replistore_node_files_removed_total",
			Help: "Files deleted by remove requests and rebalance plans",
		}),
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replistore_node_rebalance_pushes_total",
			Help: "Replica pushes to peers during rebalance, by outcome",
		}, []string{"result"}),
		Rebalances: factory.NewCounter(prometheus.CounterOpts{
			Name: "replistore_node_rebalances_total",
			Help: "Rebalance instructions executed",
		}),
	}
}
