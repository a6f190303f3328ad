// Package metrics exposes the node-level prometheus instruments (mailbox
// depth, send-queue depth, pending-request table size, node reachability).
// There is no teacher precedent for a metrics layer in this corpus; usage
// follows the standard promauto registration idiom rather than an
// in-pack example (see DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every instrument one node process exposes. Construct one
// per node and register it against a prometheus.Registerer (typically
// prometheus.DefaultRegisterer) at startup.
type Registry struct {
	MailboxDepth          *prometheus.GaugeVec
	SendQueueDepth        *prometheus.GaugeVec
	SessionSendQueueDepth *prometheus.GaugeVec
	PendingRequests       prometheus.Gauge
	NodeReachable         *prometheus.GaugeVec
	DispatchTotal         *prometheus.CounterVec
	DispatchErrorTotal    *prometheus.CounterVec
}

// New registers every instrument against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		MailboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "playhouse",
			Name:      "stage_mailbox_depth",
			Help:      "Number of items currently queued in a stage's mailbox.",
		}, []string{"stage_type", "stage_id"}),

		SendQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "playhouse",
			Name:      "mesh_send_queue_depth",
			Help:      "Number of frames currently queued for a peer node's send worker.",
		}, []string{"peer_node"}),

		SessionSendQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "playhouse",
			Name:      "session_send_queue_depth",
			Help:      "Number of packets currently queued in a client session's write queue.",
		}, []string{"session_id"}),

		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "playhouse",
			Name:      "route_pending_requests",
			Help:      "Number of outbound requests awaiting a reply or timeout.",
		}),

		NodeReachable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "playhouse",
			Name:      "node_reachable",
			Help:      "1 if the node is currently considered reachable, 0 otherwise.",
		}, []string{"node"}),

		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playhouse",
			Name:      "stage_dispatch_total",
			Help:      "Total application packets dispatched to a stage.",
		}, []string{"stage_type", "msg_id"}),

		DispatchErrorTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playhouse",
			Name:      "stage_dispatch_error_total",
			Help:      "Total dispatches that ended in a recovered panic or handler error.",
		}, []string{"stage_type", "msg_id"}),
	}
}
