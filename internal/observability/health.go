package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes /healthz and /readyz. Readiness carries the reason
// it was last changed.
type HealthServer struct {
	ready  atomic.Bool
	reason atomic.Value // string
}

// NewHealthServer creates a health server that is live but not ready.
func NewHealthServer() *HealthServer {
	h := &HealthServer{}
	h.reason.Store("starting")
	return h
}

// SetReady updates readiness with a short reason such as "consuming" or "draining".
func (h *HealthServer) SetReady(ready bool, reason string) {
	h.ready.Store(ready)
	h.reason.Store(reason)
}

// Ready reports the current readiness.
func (h *HealthServer) Ready() bool { return h.ready.Load() }

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.register(mux)
	return mux
}

func (h *HealthServer) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	reason, _ := h.reason.Load().(string)
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready", "reason": reason})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": reason})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// NewServer builds the operations server: /metrics from gatherer plus the
// health endpoints.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthServer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	health.register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
