package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysmanage_agents_connected",
		Help: "Number of agent WebSocket sessions currently connected.",
	})
	HostsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysmanage_hosts_total",
		Help: "Number of known hosts by approval status.",
	}, []string{"approval_status"})
	MessagesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysmanage_messages_enqueued_total",
		Help: "Total messages enqueued by direction and type.",
	}, []string{"direction", "type"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_messages_sent_total",
		Help: "Total outbound messages delivered to agents.",
	})
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_messages_failed_total",
		Help: "Total outbound messages that failed to send.",
	})
	MessagesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_messages_deduplicated_total",
		Help: "Total enqueue calls answered by an existing queue row.",
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysmanage_queue_depth",
		Help: "Number of queue rows by status.",
	}, []string{"status"})
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sysmanage_dispatch_duration_seconds",
		Help:    "Duration of one dispatch loop tick.",
		Buckets: prometheus.DefBuckets,
	})
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sysmanage_handler_duration_seconds",
		Help:    "Duration of inbound message handlers by message type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysmanage_handler_errors_total",
		Help: "Total handler failures by message type.",
	}, []string{"type"})
	OrchestrationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysmanage_orchestrations_active",
		Help: "Number of reboot orchestrations in a non-terminal state.",
	})
	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysmanage_certificates_issued_total",
		Help: "Total certificates issued by kind (server, client).",
	}, []string{"kind"})
)
