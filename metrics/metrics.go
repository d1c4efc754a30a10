package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the sync server.
type Metrics struct {
	registry             *prometheus.Registry
	playbackUpdatesTotal prometheus.Counter
	chatMessagesTotal    prometheus.Counter
	broadcastsTotal      prometheus.Counter
	malformedTotal       prometheus.Counter
	activeRooms          prometheus.Gauge
	connectedMembers     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the sync server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	playbackUpdatesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinema_playback_updates_total",
		Help: "Total number of playback snapshots applied to rooms",
	})
	chatMessagesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinema_chat_messages_total",
		Help: "Total number of chat messages fanned out",
	})
	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinema_broadcasts_total",
		Help: "Total number of per-member broadcast deliveries",
	})
	malformedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cinema_malformed_messages_total",
		Help: "Total number of inbound messages dropped as malformed",
	})
	activeRooms := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cinema_active_rooms",
		Help: "Number of rooms with at least one member",
	})
	connectedMembers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cinema_connected_members",
		Help: "Number of connections currently joined to a room",
	})

	registry.MustRegister(
		playbackUpdatesTotal,
		chatMessagesTotal,
		broadcastsTotal,
		malformedTotal,
		activeRooms,
		connectedMembers,
	)

	return &Metrics{
		registry:             registry,
		playbackUpdatesTotal: playbackUpdatesTotal,
		chatMessagesTotal:    chatMessagesTotal,
		broadcastsTotal:      broadcastsTotal,
		malformedTotal:       malformedTotal,
		activeRooms:          activeRooms,
		connectedMembers:     connectedMembers,
	}
}

// IncPlaybackUpdates increments the playback update counter.
func (m *Metrics) IncPlaybackUpdates() {
	if m != nil {
		m.playbackUpdatesTotal.Inc()
	}
}

// IncChatMessages increments the chat message counter.
func (m *Metrics) IncChatMessages() {
	if m != nil {
		m.chatMessagesTotal.Inc()
	}
}

// AddBroadcasts adds n per-member deliveries to the broadcast counter.
func (m *Metrics) AddBroadcasts(n int) {
	if m != nil {
		m.broadcastsTotal.Add(float64(n))
	}
}

// IncMalformed increments the malformed message counter.
func (m *Metrics) IncMalformed() {
	if m != nil {
		m.malformedTotal.Inc()
	}
}

// SetActiveRooms sets the active rooms gauge.
func (m *Metrics) SetActiveRooms(n int) {
	if m != nil {
		m.activeRooms.Set(float64(n))
	}
}

// SetConnectedMembers sets the connected members gauge.
func (m *Metrics) SetConnectedMembers(n int) {
	if m != nil {
		m.connectedMembers.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
