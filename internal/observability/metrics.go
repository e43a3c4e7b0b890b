package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	socketEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_socket_events_total",
			Help: "Total number of socket lifecycle events seen by the chat client.",
		},
		[]string{"event"},
	)
	socketConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_socket_connected",
			Help: "1 while the chat client holds a live socket, 0 otherwise.",
		},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of chat messages handled by the client.",
		},
		[]string{"direction", "result"},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Number of identities currently known to be online.",
		},
	)
	unreadMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_unread_messages",
			Help: "Number of unread messages across all rooms.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		socketEventsTotal,
		socketConnected,
		messagesTotal,
		onlineUsers,
		unreadMessages,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncSocketEvent(event string) {
	socketEventsTotal.WithLabelValues(event).Inc()
}

func SetSocketConnected(connected bool) {
	if connected {
		socketConnected.Set(1)
		return
	}
	socketConnected.Set(0)
}

// IncMessage counts a message. Direction is "in" or "out"; result is
// e.g. "ok", "duplicate" or "error".
func IncMessage(direction, result string) {
	messagesTotal.WithLabelValues(direction, result).Inc()
}

func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

func SetUnread(n int) {
	unreadMessages.Set(float64(n))
}
