package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdobrica/botan/internal/botan/app"
	"github.com/bdobrica/botan/internal/botan/registry"
)

// fakeFleet satisfies the bot listing interface the status endpoint uses.
type fakeFleet struct{ bots []*registry.Bot }

func (f *fakeFleet) ListBots(_ context.Context, _ registry.Filter) ([]*registry.Bot, error) {
	return f.bots, nil
}

func TestHealthEndpointReportsOK(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeFleet{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "ok" || resp.Version == "" {
		t.Errorf("health response = %+v", resp)
	}
}

func TestStatusEndpointCountsBotsByStatus(t *testing.T) {
	fleet := &fakeFleet{bots: []*registry.Bot{
		{ID: "a", Status: registry.StatusRunning},
		{ID: "b", Status: registry.StatusRunning},
		{ID: "c", Status: registry.StatusFailed},
	}}
	hs := app.NewHealthServer("127.0.0.1:0", fleet)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		BotCount     int            `json:"bot_count"`
		BotsByStatus map[string]int `json:"bots_by_status"`
		UptimeSecs   float64        `json:"uptime_seconds"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if resp.BotCount != 3 {
		t.Errorf("bot_count = %d, want 3", resp.BotCount)
	}
	if resp.BotsByStatus["running"] != 2 || resp.BotsByStatus["failed"] != 1 {
		t.Errorf("bots_by_status = %v", resp.BotsByStatus)
	}
	if resp.UptimeSecs < 0 {
		t.Errorf("negative uptime %f", resp.UptimeSecs)
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeFleet{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("metrics output lacks runtime collectors")
	}
}
