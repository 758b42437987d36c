// Package models defines the HTTP request and response bodies.
package models

import (
	"encoding/json"
	"time"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/storage"
)

// AffinityDeltaRequest adjusts affinity by Delta. The bound is enforced by
// the relationship engine.
type AffinityDeltaRequest struct {
	Delta *float64 `json:"delta" validate:"required"`
}

// RelationshipPatchRequest partially updates a relationship. Absent fields
// are left untouched.
type RelationshipPatchRequest struct {
	Nickname            *string            `json:"nickname,omitempty" validate:"omitempty,max=64"`
	ClearNickname       bool               `json:"clear_nickname,omitempty"`
	RelationshipType    string             `json:"relationship_type,omitempty" validate:"omitempty,oneof=enemy rival stranger acquaintance friend close_friend lover spouse"`
	CustomTraits        map[string]float64 `json:"custom_traits,omitempty" validate:"omitempty,max=64,dive,keys,required,max=64,endkeys"`
	ConversationHistory json.RawMessage    `json:"conversation_history,omitempty"`
}

// RelationshipResponse is a relationship plus its derived tone label.
type RelationshipResponse struct {
	UserID              string             `json:"user_id"`
	CharacterID         string             `json:"character_id"`
	Affinity            float64            `json:"affinity"`
	RelationshipType    affinity.Tier      `json:"relationship_type"`
	Tone                string             `json:"tone"`
	Nickname            *string            `json:"nickname,omitempty"`
	InteractionCount    int64              `json:"interaction_count"`
	LastInteraction     time.Time          `json:"last_interaction"`
	ConversationMemory  int                `json:"conversation_memory"`
	LearningRate        float64            `json:"learning_rate"`
	CustomTraits        map[string]float64 `json:"custom_traits"`
	ConversationHistory json.RawMessage    `json:"conversation_history,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// NewRelationshipResponse converts a stored relationship.
func NewRelationshipResponse(r *storage.Relationship) RelationshipResponse {
	traits := r.CustomTraits
	if traits == nil {
		traits = map[string]float64{}
	}
	return RelationshipResponse{
		UserID:              r.UserID,
		CharacterID:         r.CharacterID,
		Affinity:            r.Affinity,
		RelationshipType:    r.Type,
		Tone:                affinity.ToneLabel(r.Affinity),
		Nickname:            r.Nickname,
		InteractionCount:    r.InteractionCount,
		LastInteraction:     r.LastInteraction,
		ConversationMemory:  r.ConversationMemory,
		LearningRate:        r.LearningRate,
		CustomTraits:        traits,
		ConversationHistory: r.ConversationHistory,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// TierResponse answers an affinity tier lookup.
type TierResponse struct {
	Affinity         float64       `json:"affinity"`
	RelationshipType affinity.Tier `json:"relationship_type"`
	Tone             string        `json:"tone"`
}
