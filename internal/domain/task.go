package domain

// TaskStatus is the lifecycle state of a server-assigned task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskSuccess TaskStatus = "success"
	TaskFailure TaskStatus = "failure"
	TaskTimeout TaskStatus = "timeout"
)

// Terminal reports whether no further polling is needed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskTimeout
}

// Task tracks a REST task handle from creation to its terminal fold.
type Task struct {
	ID        string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Attempt   int        `json:"attempt"`
	Response  string     `json:"response,omitempty"`
	Error     string     `json:"error,omitempty"`
	MessageID string     `json:"message_id"`
}

// TaskStatusResponse is the body of GET /chat/status/{task_id}.
type TaskStatusResponse struct {
	Status       string `json:"status"`
	Response     string `json:"response,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ChatReply is the body of POST /chat.
type ChatReply struct {
	Response  string         `json:"response,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
