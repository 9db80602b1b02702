package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Interim text returned with a task handle.
const Interim = "Working on it..."

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var env domain.RequestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		Error(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	s.mu.Lock()
	s.chatCalls++
	call := s.chatCalls
	s.mu.Unlock()

	if hook := s.ChatHook; hook != nil && hook(w, r, call, env) {
		return
	}

	msg := strings.TrimSpace(env.Message)
	if msg == "" || utf8.RuneCountInString(msg) > domain.MaxMessageLength {
		Error(w, http.StatusUnprocessableEntity, "message must be 1-10000 characters")
		return
	}
	if !env.Mode.Valid() {
		Error(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown mode %q", env.Mode))
		return
	}

	if claims := claimsFrom(r.Context()); claims != nil {
		s.logger.Debug("Chat request", "user_id", claims.UserID, "mode", env.Mode, "call", call)
	}

	if env.Mode == domain.ModeSmartRouter {
		id := s.CreateTask("Routed: " + msg)
		JSON(w, http.StatusOK, domain.ChatReply{TaskID: id, Response: Interim})
		return
	}
	JSON(w, http.StatusOK, domain.ChatReply{
		Response:  ReplyText(env.Mode, msg),
		MessageID: uuid.NewString(),
	})
}

// CreateTask registers a task that succeeds with response after the
// configured number of pending polls.
func (s *Server) CreateTask(response string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &task{response: response}
	s.mu.Unlock()
	return id
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	poll := 0
	if ok {
		t.polls++
		poll = t.polls
	}
	s.mu.Unlock()

	if hook := s.StatusHook; hook != nil && hook(w, r, taskID, poll) {
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "unknown task")
		return
	}
	if poll <= s.opts.TaskPolls {
		JSON(w, http.StatusOK, domain.TaskStatusResponse{Status: string(domain.TaskPending)})
		return
	}
	JSON(w, http.StatusOK, domain.TaskStatusResponse{Status: string(domain.TaskSuccess), Response: t.response})
}

// ReplyText is the canned answer for msg in mode.
func ReplyText(mode domain.Mode, msg string) string {
	switch mode {
	case domain.ModeSocraticInterview:
		return "What makes you ask: " + msg + "?"
	case domain.ModeExpertGroup:
		return "The experts agree on: " + msg
	default:
		return "Echo: " + msg
	}
}
