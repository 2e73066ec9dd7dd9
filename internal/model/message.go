// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// ENVELOPE TYPE
// =============================================================================

// Envelope is the identity and metadata record of a message.
//
// Everything except Done is fixed when the envelope is created. The text of
// the message lives in a separate content map keyed by ID so that streaming
// writes never rewrite the envelope.
type Envelope struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	ParentID  string    `json:"parentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Model     string    `json:"model,omitempty"`
	Done      bool      `json:"done"`
}

// NewEnvelope creates an envelope with a generated ID and the current time.
// An empty parentID makes the message a root.
func NewEnvelope(chatID, parentID string, role Role) Envelope {
	return Envelope{
		ID:        NewID(),
		ChatID:    chatID,
		ParentID:  parentID,
		Timestamp: time.Now().UTC(),
		Role:      role,
	}
}

// HasParent reports whether the envelope links to a parent message.
func (e Envelope) HasParent() bool {
	return e.ParentID != ""
}

// =============================================================================
// PROVIDER MESSAGE TYPES
// =============================================================================

// ChatMessage is a single message as sent to a model provider.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// EstimateTokens gives a rough estimate of token count.
// Uses the approximation of ~4 characters per token plus ~4 tokens of
// per-message overhead.
func (m ChatMessage) EstimateTokens() int {
	return (len(m.Content)+3)/4 + 4
}

// Params holds the model parameters for one completion.
type Params struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	System      string  `json:"system,omitempty"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// NewID returns a new globally unique identifier for chats and messages.
func NewID() string {
	return uuid.NewString()
}

// Usage counts the tokens of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}
