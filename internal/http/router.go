package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/service/feed"
	"github.com/kevinledev/logwatcher/internal/stream"
	"github.com/kevinledev/logwatcher/internal/ws"
)

const (
	healthCheckTimeout     = 2 * time.Second
	defaultHeartbeat       = 15 * time.Second
	defaultAggregateWindow = 10
	defaultAggregateLimit  = 100
	defaultConnectRate     = 20
	connectBurstFactor     = 2
)

// StreamEngine exposes upstream connection control.
type StreamEngine interface {
	Connect() bool
	Disconnect() bool
	State() stream.State
	Len() int
}

// FeedService attaches downstream clients to shared engine subscriptions.
type FeedService interface {
	Join(window time.Duration, client ws.Subscriber) (string, error)
	Leave(key string, client ws.Subscriber)
	Feeds() map[string]int
}

// Generation reads and changes the producer generation state.
type Generation interface {
	Active() bool
	SetActive(ctx context.Context, active bool) error
}

// AggregateArchive lists stored window aggregates.
type AggregateArchive interface {
	List(ctx context.Context, window time.Duration, limit int) ([]domain.RequestAggregate, error)
}

// Dependencies groups the collaborators of a Router. Archive and DBHealth are optional.
type Dependencies struct {
	Engine      StreamEngine
	Feeds       FeedService
	Generation  Generation
	Archive     AggregateArchive
	DBHealth    func(context.Context) error
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	ConnectRate int
	Heartbeat   time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	engine     StreamEngine
	feeds      FeedService
	generation Generation
	archive    AggregateArchive
	dbHealth   func(context.Context) error
	upgrader   websocket.Upgrader
	admission  *rate.Limiter
	heartbeat  time.Duration
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	downstreamClients  *prometheus.GaugeVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	connectRate := deps.ConnectRate
	if connectRate <= 0 {
		connectRate = defaultConnectRate
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "http"),
		engine:     deps.Engine,
		feeds:      deps.Feeds,
		generation: deps.Generation,
		archive:    deps.Archive,
		dbHealth:   deps.DBHealth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		admission:  rate.NewLimiter(rate.Limit(connectRate), connectRate*connectBurstFactor),
		heartbeat:  heartbeat,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/ws/stream", r.audit("/ws/stream", r.withAdmission("/ws/stream", r.handleStreamWS)))
	r.mux.HandleFunc("/sse/stream", r.audit("/sse/stream", r.withAdmission("/sse/stream", r.handleStreamSSE)))
	r.mux.HandleFunc("/generation", r.audit("/generation", r.handleGeneration))
	r.mux.HandleFunc("/aggregates", r.audit("/aggregates", r.handleAggregates))
	r.mux.HandleFunc("/stream/connect", r.audit("/stream/connect", r.handleConnect))
	r.mux.HandleFunc("/stream/disconnect", r.audit("/stream/disconnect", r.handleDisconnect))
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	window, ok := r.windowParam(w, req, 0)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	key, err := r.feeds.Join(window, client)
	if err != nil {
		r.logger.Warn("feed join failed", "error", err)
		client.Close()
		return
	}
	r.trackClient(key, 1)
	go func() {
		defer func() {
			r.feeds.Leave(key, client)
			r.trackClient(key, -1)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleStreamSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window, ok := r.windowParam(w, req, 0)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	key, err := r.feeds.Join(window, client)
	if err != nil {
		r.logger.Warn("feed join failed", "error", err)
		return
	}
	r.trackClient(key, 1)
	defer func() {
		r.feeds.Leave(key, client)
		r.trackClient(key, -1)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleGeneration(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"isGenerating": r.generation.Active()})
	case http.MethodPost:
		var payload struct {
			IsGenerating *bool `json:"isGenerating"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.IsGenerating == nil {
			writeError(w, http.StatusBadRequest, "isGenerating is required")
			return
		}
		if err := r.generation.SetActive(req.Context(), *payload.IsGenerating); err != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"isGenerating": *payload.IsGenerating,
				"warning":      "state applied locally but not published",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"isGenerating": *payload.IsGenerating})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAggregates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregate archive disabled")
		return
	}
	window, ok := r.windowParam(w, req, defaultAggregateWindow)
	if !ok {
		return
	}
	if window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be positive")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultAggregateLimit
	}
	aggregates, err := r.archive.List(req.Context(), window, limit)
	if err != nil {
		r.logger.Error("list aggregates failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list aggregates")
		return
	}
	writeJSON(w, http.StatusOK, marshalAggregates(aggregates))
}

func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	opened := r.engine.Connect()
	writeJSON(w, http.StatusOK, map[string]any{"opened": opened, "state": r.engine.State().String()})
}

func (r *Router) handleDisconnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	closed := r.engine.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed, "state": r.engine.State().String()})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := map[string]any{
		"upstream": map[string]any{
			"state":       r.engine.State().String(),
			"subscribers": r.engine.Len(),
		},
		"generation": map[string]any{"active": r.generation.Active()},
		"feeds":      r.feeds.Feeds(),
	}
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// windowParam reads ?window=<seconds>. It writes a 400 and returns false when the value is unusable.
func (r *Router) windowParam(w http.ResponseWriter, req *http.Request, fallback int) (time.Duration, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get("window"))
	seconds := fallback
	if raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "window must be an integer number of seconds")
			return 0, false
		}
		seconds = parsed
	}
	window := time.Duration(seconds) * time.Second
	if _, err := feed.Key(window); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return window, true
}

func marshalAggregates(aggregates []domain.RequestAggregate) []map[string]any {
	out := make([]map[string]any, 0, len(aggregates))
	for _, agg := range aggregates {
		out = append(out, map[string]any{
			"id":              agg.ID,
			"window_seconds":  agg.WindowSeconds,
			"recorded_at":     agg.RecordedAt.UTC().Format(time.RFC3339Nano),
			"method":          agg.Method,
			"source":          agg.Source,
			"status_code":     agg.Status,
			"is_error":        agg.IsError,
			"message":         agg.Message,
			"avg_duration_ms": agg.AvgDurationMS,
			"samples":         agg.Samples,
		})
	}
	return out
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip, _, _ := strings.Cut(forwarded, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
