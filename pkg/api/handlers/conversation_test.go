package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/models"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/storage"
)

func TestConversationHandler_CreateGetDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")

	rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var conv storage.Conversation
	decodeBody(t, rec, &conv)
	if conv.UserID != "alice" || conv.CharacterID != "luna" {
		t.Errorf("unexpected conversation %+v", conv)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id, "mallory", nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign get status = %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/conversations/"+id, "mallory", nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign delete status = %d, want 403", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/conversations/"+id, "alice", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id, "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestConversationHandler_CreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing character", map[string]any{}, "VALIDATION_FAILED"},
		{"colon in character", map[string]any{"character_id": "a:b"}, "VALIDATION_FAILED"},
		{"malformed body", "not json", "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/conversations", "alice", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestConversationHandler_List(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createConversation(t, "alice", "luna")
	env.createConversation(t, "alice", "sol")
	env.createConversation(t, "alice", "luna")
	env.createConversation(t, "bob", "luna")

	tests := []struct {
		query string
		items int
		total int
	}{
		{"", 3, 3},
		{"?character_id=luna", 2, 2},
		{"?limit=1", 1, 3},
		{"?limit=2&offset=2", 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/conversations"+tt.query, "alice", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var page struct {
				Items []storage.Conversation `json:"items"`
				Total int                    `json:"total"`
			}
			decodeBody(t, rec, &page)
			if len(page.Items) != tt.items || page.Total != tt.total {
				t.Errorf("got %d items / total %d, want %d / %d", len(page.Items), page.Total, tt.items, tt.total)
			}
			for _, c := range page.Items {
				if c.UserID != "alice" {
					t.Errorf("listed conversation of %q", c.UserID)
				}
			}
		})
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/conversations?limit=-1", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", rec.Code)
	}
}

func TestConversationHandler_PostMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")
	sub := env.events.Subscribe(8, events.ForUser("alice"))

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{"content": "hello there"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp models.MessageResponse
	decodeBody(t, rec, &resp)
	if resp.Reply == nil || resp.Reply.Fallback || resp.Reply.Assistant == nil {
		t.Fatalf("expected a generated reply, got %+v", resp.Reply)
	}
	if !strings.HasPrefix(resp.Reply.Text, "echo: ") {
		t.Errorf("reply text = %q", resp.Reply.Text)
	}

	want := []string{events.TypeMessage, events.TypeReply}
	for _, typ := range want {
		select {
		case e := <-sub:
			if e.Type != typ || e.ConversationID != id {
				t.Errorf("event = %s/%s, want %s/%s", e.Type, e.ConversationID, typ, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", typ)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages", "alice", nil)
	var page struct {
		Items []storage.Message `json:"items"`
	}
	decodeBody(t, rec, &page)
	if len(page.Items) != 2 || page.Items[0].Sender != storage.SenderUser || page.Items[1].Sender != storage.SenderCharacter {
		t.Fatalf("unexpected stored messages %+v", page.Items)
	}
}

func TestConversationHandler_RecordCharacterMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{
		"sender":  "character",
		"content": "Welcome back!",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp models.MessageResponse
	decodeBody(t, rec, &resp)
	if resp.Turn == nil || resp.Turn.Count != 1 || resp.Turn.Message.Sender != storage.SenderCharacter {
		t.Fatalf("unexpected turn %+v", resp.Turn)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "mallory", map[string]any{
		"sender":  "character",
		"content": "injected",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign record status = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{
		"sender":  "narrator",
		"content": "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown sender status = %d, want 400", rec.Code)
	}
}

func TestConversationHandler_FallbackIsNotPersisted(t *testing.T) {
	env := newTestEnv(t, unavailableGenerator{})
	id := env.createConversation(t, "alice", "luna")

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{"content": "are you there?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp models.MessageResponse
	decodeBody(t, rec, &resp)
	if !resp.Reply.Fallback || resp.Reply.Text != conversation.DefaultFallbackReply || resp.Reply.Assistant != nil {
		t.Fatalf("expected fallback reply, got %+v", resp.Reply)
	}

	msgs, err := env.store.ListMessages(t.Context(), id, nil)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want only the user message", len(msgs))
	}
}

func TestConversationHandler_SummarizeAtCadence(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")
	sub := env.events.Subscribe(64, func(e events.Event) bool { return e.Type == events.TypeSummarized })

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{
			"content": fmt.Sprintf("message number %d", i),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("message %d status = %d", i, rec.Code)
		}
	}

	select {
	case e := <-sub:
		if e.ConversationID != id {
			t.Errorf("summary event for %q", e.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("ten messages should trigger a summary")
	}

	rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/summaries/latest", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest summary status = %d", rec.Code)
	}
	var sum storage.Summary
	decodeBody(t, rec, &sum)
	if sum.UptoSeq != 10 {
		t.Errorf("upto_seq = %d, want 10", sum.UptoSeq)
	}
}

func TestConversationHandler_SummarizeOnDemand(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/summarize", "alice", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty conversation summarize status = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/summaries/latest", "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("latest summary status = %d, want 404", rec.Code)
	}

	env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{"content": "we went hiking"})
	rec = env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/summarize", "alice", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("summarize status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/summaries", "alice", nil)
	var page struct {
		Items []storage.Summary `json:"items"`
		Total int               `json:"total"`
	}
	decodeBody(t, rec, &page)
	if page.Total != 1 {
		t.Errorf("summaries total = %d, want 1", page.Total)
	}
}

func TestConversationHandler_PayloadAndScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")

	if rec := env.do(t, http.MethodPut, "/api/v1/conversations/"+id+"/scenario", "alice", map[string]any{"scenario_id": "beach"}); rec.Code != http.StatusNoContent {
		t.Fatalf("scenario status = %d", rec.Code)
	}
	env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{"content": "nice waves"})

	rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/payload", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var p conversation.Payload
	decodeBody(t, rec, &p)
	if p.Scenario != "beach" {
		t.Errorf("scenario = %q", p.Scenario)
	}
	if len(p.Turns) != 2 {
		t.Errorf("turns = %d, want 2", len(p.Turns))
	}
	if p.Relationship.Tone == "" {
		t.Error("payload should carry the relationship tone")
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/payload", "mallory", nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign payload status = %d, want 403", rec.Code)
	}
}

func TestConversationHandler_ListMessagesWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createConversation(t, "alice", "luna")
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "alice", map[string]any{"content": fmt.Sprintf("m%d", i)})
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 6},
		{"?last=2", 2},
		{"?after_seq=4", 2},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages"+tt.query, "alice", nil)
			var page struct {
				Items []storage.Message `json:"items"`
			}
			decodeBody(t, rec, &page)
			if len(page.Items) != tt.want {
				t.Errorf("got %d messages, want %d", len(page.Items), tt.want)
			}
		})
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages?last=x", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad last status = %d, want 400", rec.Code)
	}
}
