// Package metrics exposes engine activity as Prometheus collectors fed from
// the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/telemetry"
)

const namespace = "aqara"

// Collector holds every metric the gateway exports.
type Collector struct {
	registry *prometheus.Registry
	unsub    func()

	batches       *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec
	clicks        *prometheus.CounterVec
	motion        *prometheus.CounterVec
	sessionResets prometheus.Counter

	msgReceived  *prometheus.GaugeVec
	msgMissed    *prometheus.GaugeVec
	unresponsive *prometheus.GaugeVec
	parseErrors  *prometheus.GaugeVec
	linkQuality  *prometheus.GaugeVec
}

// New builds a collector on its own registry. devices, when non-nil, backs
// the registered device gauge.
func New(devices func() int) *Collector {
	perDevice := []string{"device"}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Attribute batches routed, by device and path (report or stats).",
		}, []string{"device", "path", "known"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Entity snapshots published, by entity kind.",
		}, []string{"kind"}),
		clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_total",
			Help:      "Decoded button gestures.",
		}, []string{"entity", "click_type"}),
		motion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "motion_events_total",
			Help:      "Motion detections.",
		}, []string{"entity"}),
		sessionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resets_total",
			Help:      "Gateway reconnects that cleared sequence counters.",
		}),
		msgReceived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zigbee",
			Name:      "messages_received",
			Help:      "Messages received in the current gateway session.",
		}, perDevice),
		msgMissed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zigbee",
			Name:      "messages_missed",
			Help:      "Messages inferred missing from sequence gaps.",
		}, perDevice),
		unresponsive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zigbee",
			Name:      "unresponsive",
			Help:      "Unresponsive reports from the gateway.",
		}, perDevice),
		parseErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zigbee",
			Name:      "parse_errors",
			Help:      "Statistics frames whose sequence could not be read.",
		}, perDevice),
		linkQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "zigbee",
			Name:      "link_quality",
			Help:      "Last reported link quality.",
		}, perDevice),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.batches, c.stateChanges, c.clicks, c.motion, c.sessionResets,
		c.msgReceived, c.msgMissed, c.unresponsive, c.parseErrors, c.linkQuality,
	)
	if devices != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Registered devices.",
		}, func() float64 { return float64(devices()) }))
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to bus.
func (c *Collector) Attach(bus *engine.EventBus) {
	c.unsub = bus.OnAll(c.Observe)
}

// Detach removes the bus subscription.
func (c *Collector) Detach() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

// Observe updates the collectors for one event. It runs on the engine loop
// and never blocks.
func (c *Collector) Observe(event engine.Event) {
	switch event.Type {
	case engine.EventBatch:
		info, ok := event.Data.(engine.BatchInfo)
		if !ok {
			return
		}
		path := "report"
		if info.Stats {
			path = "stats"
		}
		known := "false"
		if info.Known {
			known = "true"
		}
		c.batches.WithLabelValues(info.Device, path, known).Inc()
	case engine.EventStateChanged:
		s, ok := event.Data.(telemetry.Snapshot)
		if !ok {
			return
		}
		c.stateChanges.WithLabelValues(s.Kind).Inc()
		c.observeStats(s)
	case engine.EventClick:
		data, _ := event.Data.(map[string]any)
		entity, _ := data["entity_id"].(string)
		click, _ := data["click_type"].(string)
		c.clicks.WithLabelValues(entity, click).Inc()
	case engine.EventMotion:
		data, _ := event.Data.(map[string]any)
		entity, _ := data["entity_id"].(string)
		c.motion.WithLabelValues(entity).Inc()
	case engine.EventSessionReset:
		c.sessionResets.Inc()
	case engine.EventDeviceRemoved:
		if d, ok := event.Data.(device.Descriptor); ok {
			c.forget(d.DID)
		}
	}
}

// observeStats copies sequence counters from a link statistics snapshot.
func (c *Collector) observeStats(s telemetry.Snapshot) {
	received, ok := s.Attributes["msg_received"].(uint64)
	if !ok {
		return
	}
	c.msgReceived.WithLabelValues(s.Device).Set(float64(received))
	gauges := map[string]*prometheus.GaugeVec{
		"msg_missed":   c.msgMissed,
		"unresponsive": c.unresponsive,
		"parse_errors": c.parseErrors,
	}
	for key, g := range gauges {
		if v, ok := s.Attributes[key].(uint64); ok {
			g.WithLabelValues(s.Device).Set(float64(v))
		}
	}
	if lqi, ok := telemetry.Batch(s.Attributes).Float("link_quality"); ok {
		c.linkQuality.WithLabelValues(s.Device).Set(lqi)
	}
}

func (c *Collector) forget(did string) {
	labels := prometheus.Labels{"device": did}
	c.batches.DeletePartialMatch(labels)
	for _, g := range []*prometheus.GaugeVec{c.msgReceived, c.msgMissed, c.unresponsive, c.parseErrors, c.linkQuality} {
		g.DeletePartialMatch(labels)
	}
}
