package domain

// MaxMessageLength is the longest accepted user message, counted in characters.
const MaxMessageLength = 10000

// Mode selects the request shape and the expected frame pattern.
type Mode string

const (
	ModeDirect            Mode = "direct"
	ModeSmartRouter       Mode = "smart-router"
	ModeSocraticInterview Mode = "socratic-interview"
	ModeExpertGroup       Mode = "expert-group"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeDirect, ModeSmartRouter, ModeSocraticInterview, ModeExpertGroup}

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// HistoryEntry is one prior turn sent along with a request.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RequestEnvelope is the outbound chat request body, shared by REST and WebSocket.
// Object and array fields are never nil once built.
type RequestEnvelope struct {
	Message           string         `json:"message"`
	Mode              Mode           `json:"mode"`
	SessionID         string         `json:"session_id"`
	CurrentGraphState map[string]any `json:"current_graph_state"`
	MessageHistory    []any          `json:"message_history"`
	UserPreferences   map[string]any `json:"user_preferences"`
}
