package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/models"
	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/relationship"
	"github.com/heartline/heartline/pkg/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	orchestrator  *conversation.Orchestrator
	relationships *relationship.Engine
	events        *events.Broadcaster
	validate      *validator.Validate
	logger        logger.Logger
}

// NewConversationHandler creates a conversation handler. events may be nil.
func NewConversationHandler(o *conversation.Orchestrator, rels *relationship.Engine, b *events.Broadcaster, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		orchestrator:  o,
		relationships: rels,
		events:        b,
		validate:      newValidator(),
		logger:        logger.Named(log, "api.conversation"),
	}
}

// Create handles POST /api/v1/conversations.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req models.CreateConversationRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	conv, err := h.orchestrator.CreateConversation(r.Context(), userID, req.CharacterID, req.Context)
	if err != nil {
		fail(w, r, h.logger, "create conversation failed", err)
		return
	}
	response.JSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	convs, total, err := h.orchestrator.ListConversations(r.Context(), userID, &storage.ConversationFilter{
		CharacterID: r.URL.Query().Get("character_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		fail(w, r, h.logger, "list conversations failed", err)
		return
	}
	response.JSON(w, http.StatusOK, response.NewPage(convs, total))
}

// Get handles GET /api/v1/conversations/{id}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	conv, err := h.orchestrator.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get conversation failed", err)
		return
	}
	response.JSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.orchestrator.DeleteConversation(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		fail(w, r, h.logger, "delete conversation failed", err)
		return
	}
	response.NoContent(w)
}

// SetScenario handles PUT /api/v1/conversations/{id}/scenario.
func (h *ConversationHandler) SetScenario(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req models.ScenarioRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	if err := h.orchestrator.SetScenario(r.Context(), userID, chi.URLParam(r, "id"), req.ScenarioID); err != nil {
		fail(w, r, h.logger, "set scenario failed", err)
		return
	}
	response.NoContent(w)
}

// ListMessages handles GET /api/v1/conversations/{id}/messages. last keeps
// only the newest messages and after_seq skips older ones.
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	last, err := queryInt(r, "last", 0)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	after, err := queryInt(r, "after_seq", 0)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	msgs, err := h.orchestrator.ListMessages(r.Context(), userID, chi.URLParam(r, "id"), &storage.MessageFilter{
		Last:     last,
		AfterSeq: int64(after),
	})
	if err != nil {
		fail(w, r, h.logger, "list messages failed", err)
		return
	}
	response.JSON(w, http.StatusOK, response.NewPage(msgs, len(msgs)))
}

// PostMessage handles POST /api/v1/conversations/{id}/messages. A user
// message is answered by the character. A character message is recorded
// as is.
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req models.MessageRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	convID := chi.URLParam(r, "id")

	if storage.Sender(req.Sender) == storage.SenderCharacter {
		turn, err := h.record(r.Context(), userID, convID, req.Content)
		if err != nil {
			fail(w, r, h.logger, "record message failed", err)
			return
		}
		response.JSON(w, http.StatusCreated, models.MessageResponse{Turn: turn})
		return
	}

	reply, err := respond(r.Context(), h.orchestrator, h.relationships, h.events, userID, convID, req.Content)
	if err != nil {
		fail(w, r, h.logger, "respond failed", err)
		return
	}
	response.JSON(w, http.StatusOK, models.MessageResponse{Reply: reply})
}

// record stores a character message without generating anything.
func (h *ConversationHandler) record(ctx context.Context, userID, convID, text string) (*conversation.Turn, error) {
	conv, err := h.orchestrator.GetConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	previous := tierOf(ctx, h.relationships, conv)
	turn, err := h.orchestrator.RecordTurn(ctx, conv.ID, storage.SenderCharacter, text)
	if err != nil {
		return nil, err
	}
	h.events.BroadcastMessage(userID, conv, turn.Message)
	if turn.Summary != nil {
		announceSummary(ctx, h.relationships, h.events, conv, turn.Summary, previous)
	}
	return turn, nil
}

// Payload handles GET /api/v1/conversations/{id}/payload. It returns the
// payload the next reply would be generated from.
func (h *ConversationHandler) Payload(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	conv, err := h.orchestrator.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get conversation failed", err)
		return
	}
	p, err := h.orchestrator.BuildGenerationPayload(r.Context(), conv.ID)
	if err != nil {
		fail(w, r, h.logger, "build payload failed", err)
		return
	}
	response.JSON(w, http.StatusOK, p)
}

// Summarize handles POST /api/v1/conversations/{id}/summarize.
func (h *ConversationHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	conv, err := h.orchestrator.GetConversation(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get conversation failed", err)
		return
	}
	previous := tierOf(ctx, h.relationships, conv)
	sum, err := h.orchestrator.Summarize(ctx, userID, conv.ID)
	if err != nil {
		fail(w, r, h.logger, "summarize failed", err)
		return
	}
	announceSummary(ctx, h.relationships, h.events, conv, sum, previous)
	response.JSON(w, http.StatusCreated, sum)
}

// ListSummaries handles GET /api/v1/conversations/{id}/summaries.
func (h *ConversationHandler) ListSummaries(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	sums, err := h.orchestrator.ListSummaries(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "list summaries failed", err)
		return
	}
	response.JSON(w, http.StatusOK, response.NewPage(sums, len(sums)))
}

// LatestSummary handles GET /api/v1/conversations/{id}/summaries/latest.
func (h *ConversationHandler) LatestSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	sum, err := h.orchestrator.LatestSummary(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "latest summary failed", err)
		return
	}
	response.JSON(w, http.StatusOK, sum)
}

// respond runs one chat turn and publishes its events. It is shared by the
// REST and websocket entry points.
func respond(ctx context.Context, o *conversation.Orchestrator, rels *relationship.Engine, b *events.Broadcaster, userID, convID, text string) (*conversation.Reply, error) {
	conv, err := o.GetConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	previous := tierOf(ctx, rels, conv)

	reply, err := o.Respond(ctx, userID, conv.ID, text)
	if err != nil {
		return nil, err
	}
	b.BroadcastMessage(userID, conv, reply.UserMessage)
	if reply.Assistant != nil {
		b.BroadcastMessage(userID, conv, reply.Assistant)
	}
	if reply.Summary != nil {
		announceSummary(ctx, rels, b, conv, reply.Summary, previous)
	}
	return reply, nil
}

// announceSummary publishes a summary and the relationship state it left
// behind.
func announceSummary(ctx context.Context, rels *relationship.Engine, b *events.Broadcaster, conv *storage.Conversation, sum *storage.Summary, previous affinity.Tier) {
	b.BroadcastSummary(conv.UserID, conv, sum)
	if rels == nil {
		return
	}
	rel, err := rels.Get(ctx, conv.UserID, conv.CharacterID)
	if err != nil {
		return
	}
	b.BroadcastRelationship(rel, previous)
}

func tierOf(ctx context.Context, rels *relationship.Engine, conv *storage.Conversation) affinity.Tier {
	if rels == nil {
		return ""
	}
	rel, err := rels.Get(ctx, conv.UserID, conv.CharacterID)
	if err != nil {
		return ""
	}
	return rel.Type
}
