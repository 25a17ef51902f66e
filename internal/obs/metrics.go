package obs

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Метрики чата
var (
	sessionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sessions_online",
		Help: "Identities currently bound to a connection.",
	})

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Routed chat messages by kind.",
		},
		[]string{"kind"},
	)

	moderationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_moderation_actions_total",
			Help: "Applied moderation actions.",
		},
		[]string{"action"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_alerts_total",
			Help: "Alert relay attempts by result.",
		},
		[]string{"result"},
	)

	inboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_inbound_events_total",
			Help: "Inbound client events by type and outcome code.",
		},
		[]string{"type", "code"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре. Повторный вызов безопасен.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			sessionsOnline, messagesTotal, moderationActions, alertsTotal, inboundEvents,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// SetSessionsOnline publishes the size of the session registry.
func SetSessionsOnline(n int) { sessionsOnline.Set(float64(n)) }

// IncMessage counts a routed message; kind is group, direct or mirror.
func IncMessage(kind string) { messagesTotal.WithLabelValues(kind).Inc() }

// IncModeration counts an applied moderation action.
func IncModeration(action string) { moderationActions.WithLabelValues(action).Inc() }

// IncAlert counts an alert relay attempt.
func IncAlert(result string) { alertsTotal.WithLabelValues(result).Inc() }

// IncInbound counts a handled inbound event. code is empty on success.
func IncInbound(eventType, code string) {
	if code == "" {
		code = "ok"
	}
	inboundEvents.WithLabelValues(eventType, code).Inc()
}

var knownPaths = map[string]struct{}{
	"/":        {},
	"/healthz": {},
	"/readyz":  {},
	"/v1/info": {},
	"/metrics": {},
	"/ws":      {},
}

// CanonicalPath collapses request paths into a bounded label set.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket handshake take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("obs: %T does not support hijacking", w.ResponseWriter)
	}
	w.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
