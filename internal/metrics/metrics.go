package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

var (
	// ConnectedSessions tracks the size of the broker's session directory.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_sessions",
		Help:      "Number of live websocket sessions registered with the broker.",
	})

	// ActiveConversations tracks non-empty conversations.
	ActiveConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_conversations",
		Help:      "Number of conversations with at least one member.",
	})

	// EnvelopesRouted counts envelopes delivered to a session, by type.
	EnvelopesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_routed_total",
		Help:      "Envelopes pushed to a recipient session.",
	}, []string{"type"})

	// EnvelopesDropped counts envelopes with no deliverable recipient.
	EnvelopesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_dropped_total",
		Help:      "Envelopes silently dropped (recipient offline or unroutable type).",
	})

	// ParseErrors counts malformed inbound text frames.
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Inbound frames that failed envelope parsing.",
	})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
