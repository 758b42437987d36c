package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heartline/heartline/config"
	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/handlers"
	"github.com/heartline/heartline/pkg/api/middleware"
	memcache "github.com/heartline/heartline/pkg/cache/memory"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/relationship"
	memstore "github.com/heartline/heartline/pkg/storage/memory"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.HTTP.RequestTimeout = 5 * time.Second
	return cfg
}

func testLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Output: "stdout",
	})
}

// createTestHandlers wires the full handler set over in-memory backends.
func createTestHandlers(t testing.TB, cfg *config.Config) *Handlers {
	t.Helper()
	log := testLogger()
	store := memstore.NewMemoryStorage()
	c := memcache.New()
	b := events.NewBroadcaster()
	rels := relationship.New(store, c)

	orch, err := conversation.New(conversation.Deps{
		Store:         store,
		Cache:         c,
		Relationships: rels,
		Generator:     provider.Echo{Prefix: "echo: "},
		Embedder:      provider.HashingEmbedder{Dim: 32},
		Index:         index.NewVectorIndex(0),
		Logger:        log,
	}, conversation.Options{})
	if err != nil {
		t.Fatalf("conversation.New() error = %v", err)
	}

	h := &Handlers{
		Health: handlers.NewHealthHandler(
			handlers.Check{Name: "storage", Critical: true, Ping: store.Ping},
			handlers.Check{Name: "cache", Ping: c.Ping},
		),
		Conversations: handlers.NewConversationHandler(orch, rels, b, log),
		Relationships: handlers.NewRelationshipHandler(rels, b, log),
		WebSocket: handlers.NewWebSocketHandler(orch, rels, b, log, handlers.WebSocketConfig{
			MaxConnections: cfg.Server.MaxWebSocketConnections,
		}),
		RateLimiter: middleware.NewRateLimiter(cfg.Server.RateLimit),
	}
	t.Cleanup(func() {
		h.WebSocket.Close()
		b.Close()
		_ = orch.Close()
	})
	return h
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testConfig(), testLogger(), &Handlers{})
	if router == nil {
		t.Fatal("NewRouter returned nil")
	}
}

func TestRegisterRoutes_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"health check", "/health", http.StatusOK},
		{"ready check", "/ready", http.StatusOK},
		{"status check", "/status", http.StatusOK},
		{"unknown route", "/nope", http.StatusNotFound},
	}

	cfg := testConfig()
	router := NewRouter(cfg, testLogger(), createTestHandlers(t, cfg))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			if w.Header().Get(middleware.RequestIDHeader) == "" {
				t.Error("every response should carry a request id")
			}
		})
	}
}

func TestRegisterRoutes_RequiresUser(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, testLogger(), createTestHandlers(t, cfg))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %v, want %v", w.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(w.Body.String(), "UNAUTHORIZED") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, testLogger(), createTestHandlers(t, cfg))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/conversations", nil)
	req.Header.Set(cfg.Server.UserHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestRegisterRoutes_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	router := NewRouter(cfg, testLogger(), createTestHandlers(t, cfg))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
		req.Header.Set(cfg.Server.UserHeader, "alice")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 should carry Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Health endpoints are never limited.
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("health status = %d", w.Code)
		}
	}
}

func TestRegisterRoutes_RequestTimeout(t *testing.T) {
	cfg := testConfig()
	h := createTestHandlers(t, cfg)
	router := NewRouter(cfg, testLogger(), h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(`{"character_id":"luna"}`))
	req.Header.Set(cfg.Server.UserHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("invalid body: %v", err)
	}

	expired := testConfig()
	expired.Server.HTTP.RequestTimeout = time.Nanosecond
	slow := NewRouter(expired, testLogger(), h)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", strings.NewReader(`{"content":"hello"}`))
	req.Header.Set(cfg.Server.UserHeader, "alice")
	w = httptest.NewRecorder()
	slow.ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %v, want %v (body %s)", w.Code, http.StatusGatewayTimeout, w.Body.String())
	}
}
