// Package metrics exposes coordinator activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"esphome-go-home/internal/coordinator"
)

const namespace = "esphome"

// Metrics counts coordinator events on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	unsub    func()

	deviceUp          *prometheus.GaugeVec
	statusChanges     *prometheus.CounterVec
	stateUpdates      *prometheus.CounterVec
	commands          *prometheus.CounterVec
	entitiesAnnounced *prometheus.CounterVec
	discovered        prometheus.Counter
	devicesRemoved    prometheus.Counter
}

// New registers all collectors. devices, when set, backs the
// esphome_devices gauge.
func New(devices func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		deviceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 while the device's native-API connection is up.",
		}, []string{"ip", "device"}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_status_changes_total",
			Help:      "Connection status transitions by new status.",
		}, []string{"status"}),
		stateUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "State writes by acknowledgement flag.",
		}, []string{"ack"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by entity type and result.",
		}, []string{"type", "result"}),
		entitiesAnnounced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_announced_total",
			Help:      "Entities announced by devices, by entity type.",
		}, []string{"type"}),
		discovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_discovered_total",
			Help:      "Devices reported by mDNS discovery.",
		}),
		devicesRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_removed_total",
			Help:      "Devices deleted by the operator.",
		}),
	}
	if devices != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Known devices.",
		}, func() float64 { return float64(devices()) })
	}
	return m
}

// Start subscribes to events.
func (m *Metrics) Start(events *coordinator.EventBus) {
	m.unsub = events.OnAll(m.observe)
}

func (m *Metrics) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(ev coordinator.Event) {
	switch data := ev.Data.(type) {
	case coordinator.StateChange:
		m.stateUpdates.WithLabelValues(strconv.FormatBool(data.Ack)).Inc()
	case coordinator.DeviceStatus:
		if ev.Type == coordinator.EventDeviceRemoved {
			m.devicesRemoved.Inc()
			m.deviceUp.DeletePartialMatch(prometheus.Labels{"ip": data.IP})
			return
		}
		m.statusChanges.WithLabelValues(string(data.Status)).Inc()
		// The device label is empty until device info arrives.
		m.deviceUp.DeletePartialMatch(prometheus.Labels{"ip": data.IP})
		up := 0.0
		if data.Status == coordinator.StatusConnected || data.Status == coordinator.StatusInitialized {
			up = 1
		}
		m.deviceUp.WithLabelValues(data.IP, data.Name).Set(up)
	case coordinator.CommandEvent:
		result := "ok"
		if data.Err != "" {
			result = "error"
		}
		m.commands.WithLabelValues(data.Type, result).Inc()
	case coordinator.EntityAnnounced:
		m.entitiesAnnounced.WithLabelValues(string(data.Type)).Inc()
	case coordinator.DiscoveredDevice:
		m.discovered.Inc()
	}
}
