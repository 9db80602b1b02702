package domain

// ConnectionStatus mirrors the state of the chat socket as seen by the UI.
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionOpen         ConnectionStatus = "open"
	ConnectionReady        ConnectionStatus = "ready"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
	ConnectionClosed       ConnectionStatus = "closed"
)

// ConversationError is the last error recorded on a conversation.
type ConversationError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ConversationState is the ordered message list plus conversation-level flags.
// Order is insertion order.
type ConversationState struct {
	Messages         []ChatMessage      `json:"messages"`
	Mode             Mode               `json:"mode"`
	ConnectionStatus ConnectionStatus   `json:"connection_status"`
	PendingTask      *Task              `json:"pending_task,omitempty"`
	LastError        *ConversationError `json:"last_error,omitempty"`
	Loading          bool               `json:"loading"`
}

// Clone returns a deep copy suitable for handing to subscribers.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Messages = make([]ChatMessage, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	if s.PendingTask != nil {
		t := *s.PendingTask
		out.PendingTask = &t
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

// StreamingCount returns how many messages are currently streaming.
func (s ConversationState) StreamingCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Streaming {
			n++
		}
	}
	return n
}

// Find returns the index of the message with id, or -1.
func (s ConversationState) Find(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}
