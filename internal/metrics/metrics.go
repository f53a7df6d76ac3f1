package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 收集拦截策略、缓存与生命周期的计数。所有方法对 nil 接收者安全，
// 测试与未启用指标的调用方可以直接传 nil。
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheStoreFail  *prometheus.CounterVec
	generationPurge *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	controlMessages *prometheus.CounterVec
	pushEvents      prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swproxy_requests_total",
		Help: "Total intercepted requests",
	}, []string{"strategy", "source"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swproxy_cache_lookups_total",
		Help: "Total cache lookups",
	}, []string{"generation_kind", "status"})

	cacheStoreFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swproxy_cache_store_fail_total",
		Help: "Total cache write failures",
	}, []string{"generation_kind"})

	generationPurge := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swproxy_generation_deletes_total",
		Help: "Total generation deletions",
	}, []string{"reason", "result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swproxy_lifecycle_transitions_total",
		Help: "Total lifecycle state transitions",
	}, []string{"state"})

	controlMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swproxy_control_messages_total",
		Help: "Total control channel messages",
	}, []string{"type"})

	pushEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swproxy_push_events_total",
		Help: "Total push events delivered",
	})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swproxy_request_duration_seconds",
		Help:    "Intercepted request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	registry.MustRegister(requests, cacheLookups, cacheStoreFail, generationPurge, transitions, controlMessages, pushEvents, requestDuration)

	return &Metrics{
		registry:        registry,
		requests:        requests,
		cacheLookups:    cacheLookups,
		cacheStoreFail:  cacheStoreFail,
		generationPurge: generationPurge,
		transitions:     transitions,
		controlMessages: controlMessages,
		pushEvents:      pushEvents,
		requestDuration: requestDuration,
	}
}

// Handler 暴露 prometheus 文本格式；nil 时返回 503。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests that gather values directly.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(strategy, source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, source).Inc()
	m.requestDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	status := "miss"
	if hit {
		status = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) CacheStoreFailed(kind string) {
	if m == nil {
		return
	}
	m.cacheStoreFail.WithLabelValues(kind).Inc()
}

func (m *Metrics) GenerationDeleted(reason string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.generationPurge.WithLabelValues(reason, result).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ControlMessage(kind string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) PushDelivered() {
	if m == nil {
		return
	}
	m.pushEvents.Inc()
}
