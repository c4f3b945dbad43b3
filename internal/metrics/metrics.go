package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_frames_total",
			Help: "Frames read from gateway connections.",
		},
		[]string{"result"},
	)

	IndicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_indications_total",
			Help: "Ingress indications routed, by kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_commands_total",
			Help: "Commands decoded from mesh messages.",
		},
		[]string{"command"},
	)

	CommandsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshdaq_commands_dropped_total",
			Help: "Command TLVs whose body failed to decode.",
		},
	)

	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_records_total",
			Help: "Normalized sample records by stage.",
		},
		[]string{"stage"},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshdaq_batch_size",
			Help:    "Records per published batch.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 125, 250, 500, 1000},
		},
	)

	BatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshdaq_batch_bytes",
			Help:    "Compressed batch payload sizes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_batches_total",
			Help: "Batches flushed, by trigger (size, age, drain).",
		},
		[]string{"trigger"},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_publish_total",
			Help: "Egress publish attempts by subject and result.",
		},
		[]string{"subject", "result"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdaq_queue_depth",
			Help: "Items waiting in a stage input queue.",
		},
		[]string{"queue"},
	)

	StageHeartbeat = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdaq_stage_heartbeat_seconds",
			Help: "Unix timestamp of each stage's last loop.",
		},
		[]string{"stage"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshdaq_gateway_connections_active",
			Help: "Open monitor TCP connections.",
		},
	)

	DiscoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdaq_discovery_total",
			Help: "Autodiscovery datagrams by outcome.",
		},
		[]string{"result"},
	)
)

func Register() {
	prometheus.MustRegister(
		FramesTotal,
		IndicationsTotal,
		CommandsTotal,
		CommandsDroppedTotal,
		RecordsTotal,
		BatchSize,
		BatchBytes,
		BatchesTotal,
		PublishTotal,
		QueueDepth,
		StageHeartbeat,
		ConnectionsActive,
		DiscoveryTotal,
	)
}
