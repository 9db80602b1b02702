// Package protocol defines the frames exchanged on the chat WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/chatlink/internal/domain"
)

// FrameType is the "type" discriminator of a frame.
type FrameType string

// Inbound frame types.
const (
	FrameConnectionConfirmed FrameType = "connection_confirmed"
	FrameSessionRestoration  FrameType = "session_restoration"
	FrameReadyConfirmed      FrameType = "ready_confirmed"
	FrameMessageReceived     FrameType = "message_received"
	FrameTypingStart         FrameType = "typing_start"
	FrameTypingStop          FrameType = "typing_stop"
	FrameMessageStart        FrameType = "message_start"
	FrameMessageChunk        FrameType = "message_chunk"
	FrameMessageComplete     FrameType = "message_complete"
	FrameChatResponse        FrameType = "chat_response"
	FrameLegacyMessage       FrameType = "message"
	FrameError               FrameType = "error"
)

// Outbound frame types.
const (
	FrameReady       FrameType = "ready"
	FrameChatMessage FrameType = "chat_message"
)

// Known reports whether t is one of the inbound frame types the core understands.
func (t FrameType) Known() bool {
	switch t {
	case FrameConnectionConfirmed, FrameSessionRestoration, FrameReadyConfirmed,
		FrameMessageReceived, FrameTypingStart, FrameTypingStop,
		FrameMessageStart, FrameMessageChunk, FrameMessageComplete,
		FrameChatResponse, FrameLegacyMessage, FrameError:
		return true
	default:
		return false
	}
}

// Frame is an inbound frame. Only the fields relevant to Type are populated.
type Frame struct {
	Type               FrameType      `json:"type"`
	MessageID          string         `json:"message_id,omitempty"`
	Content            string         `json:"content,omitempty"`
	AccumulatedContent *string        `json:"accumulated_content,omitempty"`
	Response           string         `json:"response,omitempty"`
	Message            string         `json:"message,omitempty"`
	Error              string         `json:"error,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Text returns the body carried by a non-streamed reply frame.
func (f Frame) Text() string {
	switch {
	case f.Content != "":
		return f.Content
	case f.Response != "":
		return f.Response
	default:
		return f.Message
	}
}

// ErrorText returns the human-readable message of an error frame.
func (f Frame) ErrorText() string {
	switch {
	case f.Error != "":
		return f.Error
	case f.Message != "":
		return f.Message
	default:
		return f.Content
	}
}

// Decode parses a raw frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// ReadyFrame opens the handshake.
type ReadyFrame struct {
	Type       FrameType `json:"type"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	AuthMethod string    `json:"auth_method"`
}

// NewReady builds the handshake frame.
func NewReady(sessionID, userID, authMethod string) ReadyFrame {
	return ReadyFrame{Type: FrameReady, SessionID: sessionID, UserID: userID, AuthMethod: authMethod}
}

// ChatMessageFrame carries a user turn over the socket. The envelope fields are
// inlined so REST and WebSocket bodies share one shape.
type ChatMessageFrame struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"message_id"`
	domain.RequestEnvelope
}

// NewChatMessage builds an outbound chat frame.
func NewChatMessage(messageID string, env domain.RequestEnvelope) ChatMessageFrame {
	return ChatMessageFrame{Type: FrameChatMessage, MessageID: messageID, RequestEnvelope: env}
}
