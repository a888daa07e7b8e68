package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/registry"
	"github.com/HerbHall/bote/internal/transport"
	"github.com/HerbHall/bote/pkg/plugin"
)

type stubPlugins []*registry.Instance

func (s stubPlugins) All() []*registry.Instance { return s }

func newTestServer(ready ReadinessChecker, routes ...RouteRegistrar) *Server {
	logger, _ := zap.NewDevelopment()
	plugins := stubPlugins{{
		Module: &plugin.Module{Descriptor: plugin.Descriptor{
			Name:    "icu.lama.Echo",
			Authors: []string{"lama"},
			Version: "1.2@stable",
			Flags:   []plugin.Flag{plugin.FlagNoReload},
		}},
		Source:   "/srv/plugins/echo.lua",
		LoadedAt: time.Unix(1700000000, 0).UTC(),
	}}
	return New(Config{Addr: "127.0.0.1:0"}, plugins, logger, ready, routes...)
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(nil)

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "alive" {
		t.Errorf("status = %q, want %q", body["status"], "alive")
	}
}

func TestHandleReadyz_Healthy(t *testing.T) {
	srv := newTestServer(func(context.Context) error { return nil })

	req := httptest.NewRequest("GET", "/readyz", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleReadyz_Unhealthy(t *testing.T) {
	srv := newTestServer(func(context.Context) error {
		return errors.New("permission store unreachable")
	})

	req := httptest.NewRequest("GET", "/readyz", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "not ready" {
		t.Errorf("status = %q, want %q", body["status"], "not ready")
	}
	if !strings.Contains(body["error"], "unreachable") {
		t.Errorf("error = %q, want it to mention the cause", body["error"])
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(nil)

	req := httptest.NewRequest("GET", "/api/v1/health", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Service != "bote" {
		t.Errorf("body = %+v", body)
	}
	if body.Version["version"] == "" {
		t.Error("expected version field in response")
	}
}

func TestHandlePlugins(t *testing.T) {
	srv := newTestServer(nil)

	req := httptest.NewRequest("GET", "/api/v1/plugins", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var plugins []PluginResponse
	if err := json.NewDecoder(w.Body).Decode(&plugins); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(plugins) != 1 {
		t.Fatalf("len(plugins) = %d, want 1", len(plugins))
	}
	p := plugins[0]
	if p.Name != "icu.lama.Echo" || p.ScopedName != "lama:Echo" || p.Version != "1.2@stable" {
		t.Errorf("plugin = %+v", p)
	}
	if len(p.Flags) != 1 || p.Flags[0] != "no-reload" {
		t.Errorf("flags = %v", p.Flags)
	}
	if p.Source != "/srv/plugins/echo.lua" {
		t.Errorf("source = %q", p.Source)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(nil)

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected prometheus Go runtime metrics in /metrics output")
	}
}

func TestMiddlewareChain_Integration(t *testing.T) {
	srv := newTestServer(nil)

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if v := w.Header().Get("X-Bote-Version"); v == "" {
		t.Error("expected X-Bote-Version header from middleware")
	}
	if v := w.Header().Get("X-Request-ID"); v == "" {
		t.Error("expected X-Request-ID header from middleware")
	}
	if v := w.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
}

func TestRelayUpgrade_through_middleware(t *testing.T) {
	gw := transport.NewGateway(nil, zap.NewNop())
	srv := newTestServer(nil, gw)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + transport.RelayPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for gw.Relays() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Relays() = %d, want 1", gw.Relays())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
