package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/heartline/heartline/config"
)

func corsConfig() *config.CORSConfig {
	return &config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-User-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         600,
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *config.CORSConfig
		method     string
		origin     string
		preflight  bool
		wantOrigin string
		wantStatus int
	}{
		{"allowed origin", corsConfig(), http.MethodGet, "https://app.example.com", false, "https://app.example.com", http.StatusOK},
		{"disallowed origin", corsConfig(), http.MethodGet, "https://evil.example.com", false, "", http.StatusOK},
		{"preflight", corsConfig(), http.MethodOptions, "https://app.example.com", true, "https://app.example.com", http.StatusNoContent},
		{"disabled", &config.CORSConfig{Enabled: false}, http.MethodGet, "https://app.example.com", false, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := CORS(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/v1/conversations", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.preflight == called {
				t.Errorf("next called = %v on preflight = %v", called, tt.preflight)
			}
			if tt.cfg.Enabled && w.Header().Get("Access-Control-Max-Age") != "600" {
				t.Errorf("Max-Age = %q", w.Header().Get("Access-Control-Max-Age"))
			}
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	if !isOriginAllowed("https://a.example", []string{"*"}) {
		t.Error("wildcard should allow any origin")
	}
	if !isOriginAllowed("HTTPS://A.example", []string{"https://a.example"}) {
		t.Error("origin match should be case-insensitive")
	}
	if isOriginAllowed("https://b.example", []string{"https://a.example"}) {
		t.Error("unexpected match")
	}
}
