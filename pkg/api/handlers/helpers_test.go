package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/middleware"
	memcache "github.com/heartline/heartline/pkg/cache/memory"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/relationship"
	memstore "github.com/heartline/heartline/pkg/storage/memory"
)

const userHeader = "X-User-ID"

// unavailableGenerator fails every reply like an unreachable provider.
type unavailableGenerator struct{}

func (unavailableGenerator) Complete(context.Context, provider.Request) (string, error) {
	return "", provider.Classify("test", http.StatusServiceUnavailable, errors.New("upstream down"))
}

type testEnv struct {
	store  *memstore.MemoryStorage
	rels   *relationship.Engine
	orch   *conversation.Orchestrator
	events *events.Broadcaster
	ws     *WebSocketHandler
	router chi.Router
}

func newTestEnv(t *testing.T, gen provider.Generator) *testEnv {
	t.Helper()
	if gen == nil {
		gen = provider.Echo{Prefix: "echo: "}
	}
	log := logger.Nop()
	env := &testEnv{
		store:  memstore.NewMemoryStorage(),
		events: events.NewBroadcaster(),
	}
	c := memcache.New()
	env.rels = relationship.New(env.store, c)
	orch, err := conversation.New(conversation.Deps{
		Store:         env.store,
		Cache:         c,
		Relationships: env.rels,
		Generator:     gen,
		Embedder:      provider.HashingEmbedder{Dim: 32},
		Index:         index.NewVectorIndex(0),
		Logger:        log,
	}, conversation.Options{})
	if err != nil {
		t.Fatalf("conversation.New() error = %v", err)
	}
	env.orch = orch
	env.ws = NewWebSocketHandler(orch, env.rels, env.events, log, WebSocketConfig{MaxConnections: 1})
	t.Cleanup(func() {
		env.ws.Close()
		env.events.Close()
		_ = orch.Close()
	})

	convs := NewConversationHandler(orch, env.rels, env.events, log)
	rels := NewRelationshipHandler(env.rels, env.events, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.UserID(userHeader))
		r.Get("/affinity/tier", Tier)
		r.Route("/relationships/{characterID}", func(r chi.Router) {
			r.Get("/", rels.Get)
			r.Patch("/", rels.Patch)
			r.Post("/affinity", rels.AdjustAffinity)
		})
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", convs.Create)
			r.Get("/", convs.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", convs.Get)
				r.Delete("/", convs.Delete)
				r.Put("/scenario", convs.SetScenario)
				r.Get("/messages", convs.ListMessages)
				r.Post("/messages", convs.PostMessage)
				r.Get("/payload", convs.Payload)
				r.Post("/summarize", convs.Summarize)
				r.Get("/summaries", convs.ListSummaries)
				r.Get("/summaries/latest", convs.LatestSummary)
			})
		})
	})
	r.With(middleware.UserID(userHeader)).Get("/ws/conversations/{id}", env.ws.ServeHTTP)
	env.router = r
	return env
}

// do sends a request as user and returns the recorded response.
func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// createConversation starts a conversation for user and returns its id.
func (e *testEnv) createConversation(t *testing.T, user, character string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/conversations", user, map[string]any{"character_id": character})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create conversation status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var conv struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &conv)
	return conv.ID
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	return body.Error.Code
}
