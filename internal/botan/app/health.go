package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/botan/common/version"
	"github.com/bdobrica/botan/internal/botan/registry"
)

// HealthServer exposes /health, /status and /metrics. It is optional; the
// daemon runs without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	fleet     botLister
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// botLister is the minimal interface the status endpoint needs from the
// fleet manager.
type botLister interface {
	ListBots(ctx context.Context, f registry.Filter) ([]*registry.Bot, error)
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Commit       string         `json:"commit"`
	BuildTime    string         `json:"build_time"`
	StartedAt    time.Time      `json:"started_at"`
	UptimeSecs   float64        `json:"uptime_seconds"`
	BotCount     int            `json:"bot_count"`
	BotsByStatus map[string]int `json:"bots_by_status"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, fleet botLister) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		fleet:     fleet,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/status", hs.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	byStatus := map[string]int{}
	total := 0
	if h.fleet != nil {
		if bots, err := h.fleet.ListBots(r.Context(), registry.Filter{}); err == nil {
			total = len(bots)
			for _, b := range bots {
				byStatus[string(b.Status)]++
			}
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      version.Version,
		Commit:       version.GitCommit,
		BuildTime:    version.BuildTime,
		StartedAt:    h.startedAt,
		UptimeSecs:   time.Since(h.startedAt).Seconds(),
		BotCount:     total,
		BotsByStatus: byStatus,
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}
