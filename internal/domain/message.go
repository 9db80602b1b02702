// Package domain contains core domain types for the chat core.
package domain

import (
	"maps"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Metadata keys written by the core.
const (
	MetaSessionRestored = "session_restored"
	MetaAcknowledged    = "acknowledged"
	MetaSystemNote      = "system_note"
	MetaInReplyTo       = "in_reply_to"
	MetaFailed          = "failed"
	MetaInterrupted     = "interrupted"
	MetaTaskID          = "task_id"
	MetaErrorKind       = "error_kind"
	MetaError           = "error"
	MetaPhase           = "phase"
	MetaServerID        = "server_message_id"
)

// Intermediate expert-group phases. A message completed in one of these
// phases does not finish the turn.
const (
	PhaseMeetingStart = "meeting_start"
	PhaseExpertTurn   = "expert_turn"
	PhaseSynthesis    = "synthesis"
)

// ChatMessage is one entry of a conversation.
type ChatMessage struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Streaming  bool           `json:"streaming,omitempty"`
	Processing bool           `json:"processing,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m ChatMessage) Clone() ChatMessage {
	if m.Metadata != nil {
		m.Metadata = maps.Clone(m.Metadata)
	}
	return m
}

// SetMeta sets a metadata key, allocating the map if needed.
func (m *ChatMessage) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// MetaBool reads a boolean metadata flag.
func (m ChatMessage) MetaBool(key string) bool {
	v, ok := m.Metadata[key].(bool)
	return ok && v
}
