package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"otterchat.org/internal/obs"
)

const serviceName = "otterchat"

// Pinger is satisfied by the store gateway.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe — простая проверка готовности (ping хранилища).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// SessionCounter reports bound sessions for /v1/info.
type SessionCounter interface {
	Len() int
}

// API — HTTP слой.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	sessions    SessionCounter
	rooms       []string
	corsOrigins []string
	rateBurst   int
	ratePerSec  float64
}

// Option configures API.
type Option func(*API)

// WithWebsocket mounts the chat transport at /ws.
func WithWebsocket(h http.Handler) Option {
	return func(a *API) { a.mux.Handle("/ws", h) }
}

func WithSessions(s SessionCounter) Option {
	return func(a *API) { a.sessions = s }
}

func WithRooms(rooms []string) Option {
	return func(a *API) { a.rooms = append([]string(nil), rooms...) }
}

// WithCORSOrigins allows extra browser origins besides localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = append([]string(nil), origins...) }
}

// WithRateLimit sets the per-IP token bucket for HTTP requests.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

func New(rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// корень — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Warn("readiness failed", map[string]any{"err": err, "request_id": RequestIDFrom(r.Context())})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "store unavailable",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.sessions != nil {
		body["sessions_online"] = a.sessions.Len()
	}
	if len(a.rooms) > 0 {
		body["rooms"] = a.rooms
	}
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
