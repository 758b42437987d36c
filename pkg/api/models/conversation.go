package models

import (
	"encoding/json"

	"github.com/heartline/heartline/pkg/conversation"
)

// CreateConversationRequest starts a conversation with a character.
type CreateConversationRequest struct {
	CharacterID string          `json:"character_id" validate:"required,max=256,excludesall=:"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// ScenarioRequest sets the scenario of a conversation. Empty clears it.
type ScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"max=256"`
}

// MessageRequest posts a message. A user message is answered by the
// character; a character message is only recorded.
type MessageRequest struct {
	Sender  string `json:"sender,omitempty" validate:"omitempty,oneof=user character"`
	Content string `json:"content" validate:"required,max=8000"`
}

// MessageResponse is the result of posting a message. Reply is set for user
// messages, Turn for recorded character messages.
type MessageResponse struct {
	Reply *conversation.Reply `json:"reply,omitempty"`
	Turn  *conversation.Turn  `json:"turn,omitempty"`
}

// ChatFrame is a websocket frame in either direction.
type ChatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	// ID correlates a client frame with the server's answer.
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Chat frame types.
const (
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameEvent   = "event"
	FrameError   = "error"
)
