package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/models"
	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/relationship"
)

// RelationshipHandler serves the relationship of the current user with a
// character.
type RelationshipHandler struct {
	engine   *relationship.Engine
	events   *events.Broadcaster
	validate *validator.Validate
	logger   logger.Logger
}

// NewRelationshipHandler creates a relationship handler. events may be nil.
func NewRelationshipHandler(engine *relationship.Engine, b *events.Broadcaster, log logger.Logger) *RelationshipHandler {
	return &RelationshipHandler{
		engine:   engine,
		events:   b,
		validate: newValidator(),
		logger:   logger.Named(log, "api.relationship"),
	}
}

// Get handles GET /api/v1/relationships/{characterID}. The relationship is
// created on first access.
func (h *RelationshipHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	rel, err := h.engine.Get(r.Context(), userID, chi.URLParam(r, "characterID"))
	if err != nil {
		fail(w, r, h.logger, "get relationship failed", err)
		return
	}
	response.JSON(w, http.StatusOK, models.NewRelationshipResponse(rel))
}

// AdjustAffinity handles POST /api/v1/relationships/{characterID}/affinity.
func (h *RelationshipHandler) AdjustAffinity(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req models.AffinityDeltaRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	characterID := chi.URLParam(r, "characterID")

	previous := h.currentTier(r, userID, characterID)
	rel, err := h.engine.ApplyAffinityDelta(r.Context(), userID, characterID, *req.Delta)
	if err != nil {
		fail(w, r, h.logger, "apply affinity delta failed", err)
		return
	}
	h.events.BroadcastRelationship(rel, previous)
	response.JSON(w, http.StatusOK, models.NewRelationshipResponse(rel))
}

// Patch handles PATCH /api/v1/relationships/{characterID}.
func (h *RelationshipHandler) Patch(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req models.RelationshipPatchRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	characterID := chi.URLParam(r, "characterID")

	previous := h.currentTier(r, userID, characterID)
	rel, err := h.engine.Update(r.Context(), userID, characterID, relationship.Patch{
		Nickname:            req.Nickname,
		ClearNickname:       req.ClearNickname,
		Type:                affinity.Tier(req.RelationshipType),
		CustomTraits:        req.CustomTraits,
		ConversationHistory: req.ConversationHistory,
	})
	if err != nil {
		fail(w, r, h.logger, "update relationship failed", err)
		return
	}
	h.events.BroadcastRelationship(rel, previous)
	response.JSON(w, http.StatusOK, models.NewRelationshipResponse(rel))
}

// currentTier returns the tier before a mutation, empty when unknown.
func (h *RelationshipHandler) currentTier(r *http.Request, userID, characterID string) affinity.Tier {
	rel, err := h.engine.Get(r.Context(), userID, characterID)
	if err != nil {
		return ""
	}
	return rel.Type
}

// Tier handles GET /api/v1/affinity/tier?value=. It maps an affinity value
// to its tier and tone without touching any relationship.
func Tier(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("value")
	if raw == "" {
		badRequest(w, r, "value is required")
		return
	}
	a, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		badRequest(w, r, "value must be a number")
		return
	}
	tier, err := affinity.TierFor(a)
	if err != nil {
		fail(w, r, logger.Nop(), "tier lookup failed", err)
		return
	}
	response.JSON(w, http.StatusOK, models.TierResponse{
		Affinity:         a,
		RelationshipType: tier,
		Tone:             affinity.ToneLabel(a),
	})
}
