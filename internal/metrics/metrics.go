// Package metrics Prometheus 指标
//
// 所有方法对 nil *Metrics 安全，未启用指标的组件直接传 nil。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presence"

type Metrics struct {
	registry *prometheus.Registry

	messagesPersisted *prometheus.CounterVec
	persistLatency    prometheus.Histogram
	deliveries        prometheus.Counter
	deliveryFailures  *prometheus.CounterVec
	evictions         prometheus.Counter
	rejections        *prometheus.CounterVec
	relayed           *prometheus.CounterVec
}

// New 创建独立的指标注册表
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages durably stored, by conversation kind.",
		}, []string{"kind"}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Latency of message store appends.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Frames queued to session sinks.",
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_failures_total",
			Help:      "Frames that could not be queued, by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions evicted after a delivery failure.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Inbound events answered with an error, by code.",
		}, []string{"code"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Cluster relay events, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesPersisted,
		m.persistLatency,
		m.deliveries,
		m.deliveryFailures,
		m.evictions,
		m.rejections,
		m.relayed,
	)
	return m
}

// RegisterGauges 注册按需计算的在线会话数和房间数
func (m *Metrics) RegisterGauges(sessions, users, rooms func() int) {
	if m == nil {
		return
	}
	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}
	m.registry.MustRegister(
		gauge("sessions", "Identified sessions on this node.", sessions),
		gauge("users_online", "Distinct users with at least one session on this node.", users),
		gauge("rooms", "Rooms with at least one member on this node.", rooms),
	)
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessagePersisted(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messagesPersisted.WithLabelValues(kind).Inc()
	m.persistLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) Rejected(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}
