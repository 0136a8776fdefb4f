package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and gauges for the relay.
type Metrics struct {
	registry            *prometheus.Registry
	agentConnectsTotal  *prometheus.CounterVec
	viewerConnectsTotal prometheus.Counter
	viewersConnected    prometheus.Gauge
	agentsConnected     prometheus.Gauge
	framesRelayedTotal  *prometheus.CounterVec
	commandsTotal       *prometheus.CounterVec
	malformedTotal      *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	agentConnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "agent_connects_total",
			Help:      "Total agent WebSocket connects.",
		},
		[]string{"result"}, // accepted, superseded, rejected
	)
	viewerConnectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "viewer_connects_total",
			Help:      "Total dashboard viewer WebSocket connects accepted.",
		},
	)
	viewersConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "viewers_connected",
			Help:      "Currently connected dashboard viewers.",
		},
	)
	agentsConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "agents_connected",
			Help:      "Currently connected agent instances.",
		},
	)
	framesRelayedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "frames_relayed_total",
			Help:      "Total frames relayed, by frame type.",
		},
		[]string{"type"},
	)
	commandsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "commands_total",
			Help:      "Total viewer commands, by outcome.",
		},
		[]string{"outcome"}, // forwarded, denied, no_upstream
	)
	malformedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "osrweb",
			Subsystem: "relay",
			Name:      "malformed_frames_total",
			Help:      "Total malformed frames dropped, by peer kind.",
		},
		[]string{"peer"}, // agent, viewer
	)

	registry.MustRegister(
		agentConnectsTotal,
		viewerConnectsTotal,
		viewersConnected,
		agentsConnected,
		framesRelayedTotal,
		commandsTotal,
		malformedTotal,
	)

	return &Metrics{
		registry:            registry,
		agentConnectsTotal:  agentConnectsTotal,
		viewerConnectsTotal: viewerConnectsTotal,
		viewersConnected:    viewersConnected,
		agentsConnected:     agentsConnected,
		framesRelayedTotal:  framesRelayedTotal,
		commandsTotal:       commandsTotal,
		malformedTotal:      malformedTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncAgentConnect(result string) {
	if m == nil {
		return
	}
	m.agentConnectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncViewerConnect() {
	if m == nil {
		return
	}
	m.viewerConnectsTotal.Inc()
}

// AddViewersConnected adjusts the connected-viewers gauge by delta.
func (m *Metrics) AddViewersConnected(delta float64) {
	if m == nil {
		return
	}
	m.viewersConnected.Add(delta)
}

// AddAgentsConnected adjusts the connected-agents gauge by delta.
func (m *Metrics) AddAgentsConnected(delta float64) {
	if m == nil {
		return
	}
	m.agentsConnected.Add(delta)
}

func (m *Metrics) IncFrameRelayed(frameType string) {
	if m == nil {
		return
	}
	m.framesRelayedTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) IncCommand(outcome string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncMalformed(peer string) {
	if m == nil {
		return
	}
	m.malformedTotal.WithLabelValues(peer).Inc()
}
