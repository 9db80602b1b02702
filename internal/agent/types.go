// Package agent routes user submissions to the socket or the REST fallback
// and feeds everything that comes back into the chat state machine.
package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/shared"
)

// Input is a submission as received from the UI. The structured fields are
// kept raw so an explicit null can be told apart from an absent field.
type Input struct {
	Message           string          `json:"message"`
	Mode              domain.Mode     `json:"mode,omitempty"`
	CurrentGraphState json.RawMessage `json:"current_graph_state,omitempty"`
	MessageHistory    json.RawMessage `json:"message_history,omitempty"`
	UserPreferences   json.RawMessage `json:"user_preferences,omitempty"`
}

// Validate checks the input and returns the trimmed message plus the decoded
// optional fields. Absent fields come back empty, never nil.
func (in Input) Validate() (domain.RequestEnvelope, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return domain.RequestEnvelope{}, shared.InvalidRequest("message must not be empty")
	}
	if n := utf8.RuneCountInString(msg); n > domain.MaxMessageLength {
		return domain.RequestEnvelope{}, shared.InvalidRequest("message is %d characters, limit is %d", n, domain.MaxMessageLength)
	}
	if in.Mode != "" && !in.Mode.Valid() {
		return domain.RequestEnvelope{}, shared.InvalidRequest("unknown mode %q", in.Mode)
	}

	env := domain.RequestEnvelope{
		Message:           msg,
		Mode:              in.Mode,
		CurrentGraphState: map[string]any{},
		MessageHistory:    []any{},
		UserPreferences:   map[string]any{},
	}
	if err := decodeRaw("current_graph_state", in.CurrentGraphState, '{', &env.CurrentGraphState); err != nil {
		return domain.RequestEnvelope{}, err
	}
	if err := decodeRaw("message_history", in.MessageHistory, '[', &env.MessageHistory); err != nil {
		return domain.RequestEnvelope{}, err
	}
	if err := decodeRaw("user_preferences", in.UserPreferences, '{', &env.UserPreferences); err != nil {
		return domain.RequestEnvelope{}, err
	}
	return env, nil
}

// decodeRaw accepts an absent field or a JSON value opening with want.
func decodeRaw(field string, raw json.RawMessage, want byte, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != want {
		kind := "an object"
		if want == '[' {
			kind = "an array"
		}
		return shared.InvalidRequest("%s must be %s", field, kind)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return shared.InvalidRequest("%s: %v", field, err)
	}
	return nil
}

// Traits describes what the router expects from a mode.
type Traits struct {
	// AllowsTask is set when the REST path may answer with a task handle.
	AllowsTask bool
	// MultiPhase is set when one turn streams several messages.
	MultiPhase bool
}

var modeTraits = map[domain.Mode]Traits{
	domain.ModeDirect:            {},
	domain.ModeSmartRouter:       {AllowsTask: true},
	domain.ModeSocraticInterview: {},
	domain.ModeExpertGroup:       {MultiPhase: true},
}

// TraitsOf returns the traits of mode.
func TraitsOf(mode domain.Mode) Traits {
	return modeTraits[mode]
}
