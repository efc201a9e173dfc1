// Package metrics exposes ingestion counters and per-trap gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trapwatch/go-mqtt-server/internal/model"
)

const namespace = "trapwatch"

// Advertisement outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeDropped   = "dropped"
	OutcomeMalformed = "malformed"
)

// TrapSource lists traps with availability evaluated at call time.
type TrapSource interface {
	Devices() []model.TrapView
}

// Metrics owns a dedicated Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	advertisements *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	changes        *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

// New registers the ingestion collectors and, when src is non-nil, the per-trap collector.
func New(src TrapSource) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		advertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_total",
			Help:      "Advertisements handled by outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_rejections_total",
			Help:      "Vendor payloads rejected by the decoder, by reason.",
		}, []string{"reason"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_changes_total",
			Help:      "Registry changes by kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Decoded readings waiting to be applied.",
		}),
	}

	m.reg.MustRegister(m.advertisements, m.rejections, m.changes, m.queueDepth)
	if src != nil {
		m.reg.MustRegister(newTrapCollector(src))
	}
	return m
}

// Advertisement counts one handled advertisement.
func (m *Metrics) Advertisement(outcome string) {
	m.advertisements.WithLabelValues(outcome).Inc()
}

// Rejection counts one decoder rejection.
func (m *Metrics) Rejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// Change counts one registry change.
func (m *Metrics) Change(c model.Change) {
	kind := "update"
	if c.IsNew {
		kind = "new"
	}
	m.changes.WithLabelValues(kind).Inc()
}

// QueueDepth records the applier backlog.
func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type trapCollector struct {
	src       TrapSource
	tripped   *prometheus.Desc
	rssi      *prometheus.Desc
	battery   *prometheus.Desc
	available *prometheus.Desc
	lastSeen  *prometheus.Desc
}

func newTrapCollector(src TrapSource) *trapCollector {
	labels := []string{"trap_id"}
	return &trapCollector{
		src:       src,
		tripped:   prometheus.NewDesc(namespace+"_trap_tripped", "1 when the trap mechanism has fired.", labels, nil),
		rssi:      prometheus.NewDesc(namespace+"_trap_rssi_dbm", "Signal strength of the last advertisement.", labels, nil),
		battery:   prometheus.NewDesc(namespace+"_trap_battery_volts", "Battery voltage rounded to centivolts.", labels, nil),
		available: prometheus.NewDesc(namespace+"_trap_available", "1 when the trap was heard within the staleness timeout.", labels, nil),
		lastSeen:  prometheus.NewDesc(namespace+"_trap_last_seen_seconds", "Unix time of the last accepted advertisement.", labels, nil),
	}
}

func (c *trapCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tripped
	ch <- c.rssi
	ch <- c.battery
	ch <- c.available
	ch <- c.lastSeen
}

// Collect evaluates availability at scrape time.
func (c *trapCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.src.Devices() {
		ch <- prometheus.MustNewConstMetric(c.tripped, prometheus.GaugeValue, boolValue(v.Tripped), v.TrapID)
		ch <- prometheus.MustNewConstMetric(c.rssi, prometheus.GaugeValue, float64(v.RSSI), v.TrapID)
		if v.HasBattery {
			ch <- prometheus.MustNewConstMetric(c.battery, prometheus.GaugeValue, model.RoundVoltage(v.BatteryVoltage), v.TrapID)
		}
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, boolValue(v.Available), v.TrapID)
		ch <- prometheus.MustNewConstMetric(c.lastSeen, prometheus.GaugeValue, float64(v.LastSeen.Unix()), v.TrapID)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
