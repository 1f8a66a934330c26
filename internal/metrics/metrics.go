// Package metrics exposes engine activity as prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/limits"
	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

const namespace = "cmdtlm"

// Metrics holds every collector of the engine. It satisfies
// iface.Observer and telemetry.Recorder, and Transition can be registered
// with a limits.Monitor.
type Metrics struct {
	registry *prometheus.Registry

	InterfaceState   *prometheus.GaugeVec
	InterfaceBytes   *prometheus.CounterVec
	InterfacePackets *prometheus.CounterVec
	PacketsDecoded   *prometheus.CounterVec
	PacketErrors     *prometheus.CounterVec
	LimitsChanges    *prometheus.CounterVec
	LimitsState      *prometheus.GaugeVec
	CommandsSent     *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		InterfaceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "interface",
			Name:      "state",
			Help:      "Interface connection state (0=disconnected, 1=connecting, 2=connected)",
		}, []string{"interface"}),

		InterfaceBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interface",
			Name:      "bytes_total",
			Help:      "Bytes transferred by an interface",
		}, []string{"interface", "direction"}),

		InterfacePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interface",
			Name:      "packets_total",
			Help:      "Packets transferred by an interface",
		}, []string{"interface", "direction"}),

		PacketsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "packets_decoded_total",
			Help:      "Telemetry packets identified and decoded",
		}, []string{"target", "packet"}),

		PacketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "errors_total",
			Help:      "Telemetry packets that could not be processed",
		}, []string{"reason"}),

		LimitsChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limits",
			Name:      "transitions_total",
			Help:      "Committed limits state transitions by new state",
		}, []string{"target", "packet", "item", "state"}),

		LimitsState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limits",
			Name:      "state",
			Help:      "Current limits state (0=stale, 1=green, 2=green_high, 3=yellow, 4=yellow_high, 5=red, 6=red_high)",
		}, []string{"target", "packet", "item"}),

		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "sent_total",
			Help:      "Commands written to interfaces",
		}, []string{"target", "command"}),
	}
	m.registry.MustRegister(
		m.InterfaceState,
		m.InterfaceBytes,
		m.InterfacePackets,
		m.PacketsDecoded,
		m.PacketErrors,
		m.LimitsChanges,
		m.LimitsState,
		m.CommandsSent,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StateChanged(name string, state iface.State) {
	m.InterfaceState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) Transferred(name string, dir rawlog.Direction, bytes, packets int) {
	if bytes > 0 {
		m.InterfaceBytes.WithLabelValues(name, string(dir)).Add(float64(bytes))
	}
	if packets > 0 {
		m.InterfacePackets.WithLabelValues(name, string(dir)).Add(float64(packets))
	}
}

func (m *Metrics) Decoded(target, pkt string) {
	m.PacketsDecoded.WithLabelValues(target, pkt).Inc()
}

func (m *Metrics) Failed(reason string) {
	m.PacketErrors.WithLabelValues(reason).Inc()
}

// Transition records a committed limits transition.
func (m *Metrics) Transition(tr limits.Transition) {
	m.LimitsChanges.WithLabelValues(tr.Target, tr.Packet, tr.Item.Name, tr.New.String()).Inc()
	m.LimitsState.WithLabelValues(tr.Target, tr.Packet, tr.Item.Name).Set(float64(tr.New))
}

// CommandSent counts a command written to an interface.
func (m *Metrics) CommandSent(target, command string) {
	m.CommandsSent.WithLabelValues(target, command).Inc()
}
