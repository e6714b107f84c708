package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标管理器
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库指标
	dbQueryDuration *prometheus.HistogramVec
	dbQueryErrors   *prometheus.CounterVec

	// 业务指标
	requestsCreated    *prometheus.CounterVec
	messagesSent       prometheus.Counter
	statusTransitions  *prometheus.CounterVec
	eventsPublished    *prometheus.CounterVec
	activeSubscribers  prometheus.Gauge
	pendingRequests    prometheus.Gauge
	idempotentReplays  prometheus.Counter
	staleSubscriptions prometheus.Counter

	// 系统指标
	systemMemoryUsage *prometheus.GaugeVec
	systemCPUUsage    prometheus.Gauge
}

// NewMetrics 创建指标管理器，reg 为空时使用独立注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		dbQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		dbQueryErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_query_errors_total",
				Help: "Total number of failed database queries",
			},
			[]string{"operation", "table"},
		),

		requestsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emergency_requests_created_total",
				Help: "Emergency requests created, by routing scope",
			},
			[]string{"scope"},
		),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "emergency_messages_sent_total",
			Help: "Messages sent to hospitals",
		}),
		statusTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emergency_status_transitions_total",
				Help: "Status transition attempts by collection, target status and result",
			},
			[]string{"collection", "to", "result"},
		),
		eventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_published_total",
				Help: "Change events fanned out to subscribers",
			},
			[]string{"collection", "kind"},
		),
		activeSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_active_subscriptions",
			Help: "Open change-feed subscriptions",
		}),
		pendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "emergency_requests_pending",
			Help: "Requests waiting for a responder",
		}),
		idempotentReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "emergency_idempotent_replays_total",
			Help: "Creates answered from an earlier submission with the same key",
		}),
		staleSubscriptions: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_stale_subscriptions_total",
			Help: "Subscriptions marked stale after a feed failure",
		}),

		systemMemoryUsage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "system_memory_usage_bytes",
				Help: "System memory usage in bytes",
			},
			[]string{"type"},
		),
		systemCPUUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "System CPU usage percentage",
		}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler Prometheus 抓取端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBQuery 记录数据库查询指标
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.dbQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordRequestCreated scope 为 hospital 或 broadcast
func (m *Metrics) RecordRequestCreated(scope string) {
	m.requestsCreated.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordMessageSent() { m.messagesSent.Inc() }

// RecordTransition result 为 ok、conflict、permission 或 error
func (m *Metrics) RecordTransition(collection, to, result string) {
	m.statusTransitions.WithLabelValues(collection, to, result).Inc()
}

func (m *Metrics) RecordEvent(collection, kind string) {
	m.eventsPublished.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) SubscriptionOpened() { m.activeSubscribers.Inc() }
func (m *Metrics) SubscriptionClosed() { m.activeSubscribers.Dec() }
func (m *Metrics) SubscriptionStale()  { m.staleSubscriptions.Inc() }

func (m *Metrics) RecordIdempotentReplay() { m.idempotentReplays.Inc() }

// SetPendingRequests 设置待接单数量
func (m *Metrics) SetPendingRequests(n int) {
	m.pendingRequests.Set(float64(n))
}

// SetSystemMemoryUsage 设置系统内存使用量
func (m *Metrics) SetSystemMemoryUsage(memoryType string, bytes uint64) {
	m.systemMemoryUsage.WithLabelValues(memoryType).Set(float64(bytes))
}

// SetSystemCPUUsage 设置系统CPU使用率
func (m *Metrics) SetSystemCPUUsage(percentage float64) {
	m.systemCPUUsage.Set(percentage)
}
