// Package chat owns the conversation state and applies inbound frames to it.
package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/events"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/google/uuid"
)

// Notices written into assistant messages when a reply cannot be completed.
const (
	NoticeInterrupted = "Connection lost before the reply finished."
	NoticeClosed      = "Connection closed before a reply arrived."
	NoticeTimeout     = "The request is taking longer than expected. Please try again."
	NoticeRestored    = "Session restored."
)

type turn struct {
	id     string
	socket bool
}

// Machine is the single owner of a ConversationState. Every transition runs
// under one lock and its events are published before the next transition
// starts, so subscribers observe transitions in order.
type Machine struct {
	dispatch sync.Mutex
	mu       sync.Mutex

	state  domain.ConversationState
	armed  bool
	typing bool
	turns  []turn

	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDs overrides the id generator used for local and provisional messages.
func WithIDs(next func() string) Option {
	return func(m *Machine) { m.newID = next }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New creates a machine for a conversation in mode. Events go to bus, which may be nil.
func New(mode domain.Mode, bus *events.Bus, opts ...Option) *Machine {
	m := &Machine{
		state: domain.ConversationState{
			Messages:         []domain.ChatMessage{},
			Mode:             mode,
			ConnectionStatus: domain.ConnectionClosed,
		},
		bus:    bus,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tx accumulates the events produced by one transition.
type tx struct {
	m       *Machine
	events  []events.Event
	changed bool
}

func (t *tx) appended(msg domain.ChatMessage) {
	c := msg.Clone()
	t.events = append(t.events, events.Event{Type: events.MessageAppended, Message: &c})
	t.changed = true
}

func (t *tx) updated(i int) {
	c := t.m.state.Messages[i].Clone()
	t.events = append(t.events, events.Event{Type: events.MessageUpdated, Message: &c})
	t.changed = true
}

func (t *tx) fail(kind shared.Kind, message, detail string) {
	t.m.state.LastError = &domain.ConversationError{Kind: string(kind), Message: message}
	t.events = append(t.events, events.Event{
		Type:    events.Error,
		Failure: &events.Failure{Kind: string(kind), Message: message, Detail: detail},
	})
	t.changed = true
}

func (m *Machine) apply(fn func(t *tx)) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	t := &tx{m: m}
	fn(t)
	if t.changed {
		m.recompute()
		snap := m.state.Clone()
		t.events = append(t.events, events.Event{Type: events.StateChanged, State: &snap})
	}
	m.mu.Unlock()

	for _, e := range t.events {
		m.bus.Publish(e)
	}
}

// recompute derives loading: true while a turn awaits its reply or the server
// signals activity.
func (m *Machine) recompute() {
	loading := m.typing || len(m.turns) > 0
	for _, msg := range m.state.Messages {
		if msg.Streaming || msg.Processing {
			loading = true
			break
		}
	}
	m.state.Loading = loading
}

// Snapshot returns a deep copy of the current state.
func (m *Machine) Snapshot() domain.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Mode returns the conversation mode.
func (m *Machine) Mode() domain.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// SetMode switches the mode used for later submissions.
func (m *Machine) SetMode(mode domain.Mode) {
	m.apply(func(t *tx) {
		if m.state.Mode != mode {
			m.state.Mode = mode
			t.changed = true
		}
	})
}

// SubmitUser appends a user message and opens a turn awaiting its reply.
func (m *Machine) SubmitUser(content string) domain.ChatMessage {
	var msg domain.ChatMessage
	m.apply(func(t *tx) {
		msg = domain.ChatMessage{
			ID:        m.newID(),
			Role:      domain.RoleUser,
			Content:   content,
			Timestamp: m.now(),
		}
		m.state.Messages = append(m.state.Messages, msg)
		m.state.LastError = nil
		m.turns = append(m.turns, turn{id: msg.ID})
		t.appended(msg)
	})
	return msg
}

// MarkSocketTurn records that turnID was dispatched over the socket, so its
// reply is abandoned if the connection closes for good.
func (m *Machine) MarkSocketTurn(turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.turns {
		if m.turns[i].id == turnID {
			m.turns[i].socket = true
		}
	}
}

// HandleFrame applies one inbound frame.
func (m *Machine) HandleFrame(f protocol.Frame) {
	m.apply(func(t *tx) { m.handleFrame(t, f) })
}

func (m *Machine) handleFrame(t *tx, f protocol.Frame) {
	switch f.Type {
	case protocol.FrameConnectionConfirmed:
		m.logger.Debug("Connection confirmed", "session_id", f.SessionID)
		return
	case protocol.FrameSessionRestoration:
		text := f.Text()
		if text == "" {
			text = NoticeRestored
		}
		note := m.note(text)
		note.SetMeta(domain.MetaSessionRestored, true)
		m.state.Messages = append(m.state.Messages, note)
		t.appended(note)
		return
	case protocol.FrameReadyConfirmed:
		m.armed = true
		return
	case protocol.FrameError:
		m.onError(t, f)
		return
	}

	if !f.Type.Known() {
		m.logger.Debug("Ignoring unknown frame", "type", f.Type)
		return
	}
	if !m.armed {
		m.logger.Debug("Ignoring frame before handshake", "type", f.Type)
		return
	}

	switch f.Type {
	case protocol.FrameMessageReceived:
		m.onReceived(t, f)
	case protocol.FrameTypingStart:
		if !m.typing {
			m.typing = true
			t.changed = true
		}
	case protocol.FrameTypingStop:
		if m.typing {
			m.typing = false
			t.changed = true
		}
	case protocol.FrameMessageStart:
		m.onStart(t, f)
	case protocol.FrameMessageChunk:
		m.onChunk(t, f)
	case protocol.FrameMessageComplete:
		m.onComplete(t, f)
	case protocol.FrameChatResponse, protocol.FrameLegacyMessage:
		m.typing = false
		msg := m.reply(f.MessageID, f.Text(), f.Metadata, m.headTurn())
		m.state.Messages = append(m.state.Messages, msg)
		t.appended(msg)
		m.completeTurn(msg.Metadata[domain.MetaInReplyTo])
	}
}

func (m *Machine) onReceived(t *tx, f protocol.Frame) {
	idx := -1
	if f.MessageID != "" {
		idx = m.state.Find(f.MessageID)
	}
	if idx < 0 {
		idx = m.lastIndex(domain.RoleUser)
	}
	if idx < 0 || m.state.Messages[idx].Role != domain.RoleUser {
		return
	}
	m.state.Messages[idx].SetMeta(domain.MetaAcknowledged, true)
	t.updated(idx)
}

func (m *Machine) onStart(t *tx, f protocol.Frame) {
	m.typing = false

	if prev := m.streamingIndex(); prev >= 0 {
		// A new start without a complete: close the old one visibly.
		m.logger.Warn("Stream restarted before completion", "message_id", m.state.Messages[prev].ID)
		m.state.Messages[prev].Streaming = false
		m.state.Messages[prev].SetMeta(domain.MetaInterrupted, true)
		t.updated(prev)
	}

	if idx := m.resumableIndex(); idx >= 0 {
		msg := &m.state.Messages[idx]
		msg.Content = ""
		msg.Streaming = true
		delete(msg.Metadata, domain.MetaInterrupted)
		m.mergeMeta(msg, f.Metadata)
		t.updated(idx)
		return
	}

	msg := m.reply("", "", f.Metadata, m.headTurn())
	msg.Streaming = true
	m.state.Messages = append(m.state.Messages, msg)
	t.appended(msg)
}

func (m *Machine) onChunk(t *tx, f protocol.Frame) {
	idx := m.streamingIndex()
	if idx < 0 {
		m.logger.Debug("Ignoring chunk without a streaming message")
		return
	}
	msg := &m.state.Messages[idx]
	if f.AccumulatedContent != nil {
		msg.Content = *f.AccumulatedContent
	} else {
		msg.Content += f.Content
	}
	t.updated(idx)
}

func (m *Machine) onComplete(t *tx, f protocol.Frame) {
	m.typing = false
	final := f.Content
	if final == "" && f.AccumulatedContent != nil {
		final = *f.AccumulatedContent
	}

	idx := m.streamingIndex()
	if idx < 0 {
		if final == "" {
			m.logger.Debug("Ignoring complete without a streaming message")
			return
		}
		msg := m.reply(f.MessageID, final, f.Metadata, m.headTurn())
		m.state.Messages = append(m.state.Messages, msg)
		t.appended(msg)
		if !intermediate(msg) {
			m.completeTurn(msg.Metadata[domain.MetaInReplyTo])
		}
		return
	}

	msg := &m.state.Messages[idx]
	if final != "" {
		msg.Content = final
	}
	msg.Streaming = false
	m.mergeMeta(msg, f.Metadata)
	if f.MessageID != "" {
		msg.SetMeta(domain.MetaServerID, f.MessageID)
	}
	t.updated(idx)
	if !intermediate(*msg) {
		m.completeTurn(msg.Metadata[domain.MetaInReplyTo])
	}
}

func (m *Machine) onError(t *tx, f protocol.Frame) {
	m.typing = false
	text := f.ErrorText()
	if text == "" {
		text = shared.UserMessage(shared.KindServerError)
	}

	replyTo := any(m.headTurn())
	if idx := m.streamingIndex(); idx >= 0 {
		msg := &m.state.Messages[idx]
		msg.Streaming = false
		msg.SetMeta(domain.MetaFailed, true)
		msg.SetMeta(domain.MetaError, text)
		if msg.Content == "" {
			msg.Content = text
		}
		replyTo = msg.Metadata[domain.MetaInReplyTo]
		t.updated(idx)
	}
	t.fail(shared.KindServerError, text, "")
	m.completeTurn(replyTo)
}

// ConnectionChanged records a transport state change. Leaving the ready state
// interrupts a streaming reply; a final close abandons turns sent over the socket.
func (m *Machine) ConnectionChanged(endpoint string, status domain.ConnectionStatus, attempt int) {
	m.apply(func(t *tx) {
		if m.state.ConnectionStatus != status {
			m.state.ConnectionStatus = status
			t.changed = true
		}
		t.events = append(t.events, events.Event{
			Type:       events.ConnectionStatus,
			Connection: &events.Connection{Endpoint: endpoint, Status: status, Attempt: attempt},
		})
		if status == domain.ConnectionReady {
			return
		}
		m.armed = false

		if status != domain.ConnectionReconnecting && status != domain.ConnectionClosed {
			return
		}
		if m.typing {
			m.typing = false
			t.changed = true
		}
		if idx := m.streamingIndex(); idx >= 0 {
			msg := &m.state.Messages[idx]
			msg.Streaming = false
			msg.SetMeta(domain.MetaInterrupted, true)
			msg.Content = appendNotice(msg.Content, NoticeInterrupted)
			t.updated(idx)
		}
		if status == domain.ConnectionClosed {
			m.abandonSocketTurns(t)
		}
	})
}

func (m *Machine) abandonSocketTurns(t *tx) {
	var abandoned []string
	for _, tr := range m.turns {
		if tr.socket {
			abandoned = append(abandoned, tr.id)
		}
	}
	if len(abandoned) == 0 {
		return
	}
	for _, id := range abandoned {
		if idx := m.replyIndex(id); idx >= 0 {
			m.state.Messages[idx].SetMeta(domain.MetaFailed, true)
			t.updated(idx)
		} else {
			msg := m.reply("", NoticeClosed, nil, id)
			msg.SetMeta(domain.MetaFailed, true)
			m.state.Messages = append(m.state.Messages, msg)
			t.appended(msg)
		}
		m.completeTurn(id)
	}
	t.fail(shared.KindNetwork, shared.UserMessage(shared.KindNetwork), NoticeClosed)
}

// AppendAssistant folds a non-streamed REST reply into the conversation.
func (m *Machine) AppendAssistant(turnID string, reply domain.ChatReply) domain.ChatMessage {
	var msg domain.ChatMessage
	m.apply(func(t *tx) {
		msg = m.reply(reply.MessageID, reply.Response, reply.Metadata, turnID)
		m.state.Messages = append(m.state.Messages, msg)
		t.appended(msg)
		m.completeTurn(turnID)
	})
	return msg
}

// BeginTask inserts the provisional message for a task handle and returns its id.
func (m *Machine) BeginTask(turnID, taskID, interim string) string {
	var id string
	m.apply(func(t *tx) {
		msg := m.reply("", interim, nil, turnID)
		msg.Processing = true
		msg.SetMeta(domain.MetaTaskID, taskID)
		m.state.Messages = append(m.state.Messages, msg)
		m.state.PendingTask = &domain.Task{ID: taskID, Status: domain.TaskPending, MessageID: msg.ID}
		id = msg.ID
		t.appended(msg)
	})
	return id
}

// TaskProgress records a non-terminal poll.
func (m *Machine) TaskProgress(taskID string, attempt int) {
	m.apply(func(t *tx) {
		if pt := m.state.PendingTask; pt != nil && pt.ID == taskID {
			pt.Attempt = attempt
			t.changed = true
		}
	})
}

// TaskOutcome is the terminal result of polling a task.
type TaskOutcome struct {
	Status   domain.TaskStatus
	Response string
	Error    string
	Attempts int
}

// ResolveTask folds a terminal outcome into the task's provisional message.
// It returns false if the task was already resolved or is unknown, so each
// task resolves at most once.
func (m *Machine) ResolveTask(taskID string, out TaskOutcome) bool {
	resolved := false
	m.apply(func(t *tx) {
		idx := m.taskIndex(taskID)
		if idx < 0 {
			return
		}
		resolved = true
		msg := &m.state.Messages[idx]
		msg.Processing = false

		switch out.Status {
		case domain.TaskSuccess:
			msg.Content = out.Response
		case domain.TaskTimeout:
			msg.Content = NoticeTimeout
			msg.SetMeta(domain.MetaFailed, true)
			t.fail(shared.KindTimeout, shared.UserMessage(shared.KindTimeout),
				shared.Timeout(taskID, out.Attempts).Error())
		default:
			text := out.Error
			if text == "" {
				text = shared.UserMessage(shared.KindServerError)
			}
			msg.Content = "Error: " + text
			msg.SetMeta(domain.MetaFailed, true)
			msg.SetMeta(domain.MetaError, text)
			t.fail(shared.KindServerError, text, "")
		}
		t.updated(idx)

		if pt := m.state.PendingTask; pt != nil && pt.ID == taskID {
			m.state.PendingTask = nil
		}
		m.completeTurn(msg.Metadata[domain.MetaInReplyTo])
	})
	return resolved
}

// Fail closes turnID after its dispatch failed. Authentication failures only
// close the turn; the session-lost note covers them.
func (m *Machine) Fail(turnID string, err error) {
	m.apply(func(t *tx) {
		m.completeTurn(turnID)
		t.changed = true
		if shared.IsAuth(err) {
			return
		}
		kind := shared.KindOf(err)
		text := shared.UserMessage(kind)
		msg := m.reply("", text, nil, turnID)
		msg.SetMeta(domain.MetaFailed, true)
		msg.SetMeta(domain.MetaErrorKind, string(kind))
		m.state.Messages = append(m.state.Messages, msg)
		t.appended(msg)
		t.fail(kind, text, err.Error())
	})
}

// SessionLost finalises everything in flight and appends an authentication note.
func (m *Machine) SessionLost(reason string) {
	m.apply(func(t *tx) {
		for i := range m.state.Messages {
			msg := &m.state.Messages[i]
			switch {
			case msg.Streaming:
				msg.Streaming = false
				msg.SetMeta(domain.MetaFailed, true)
				t.updated(i)
			case msg.Processing:
				msg.Processing = false
				msg.SetMeta(domain.MetaInterrupted, true)
				msg.SetMeta(domain.MetaFailed, true)
				t.updated(i)
			case msg.MetaBool(domain.MetaInterrupted) && !msg.MetaBool(domain.MetaFailed):
				msg.SetMeta(domain.MetaFailed, true)
				t.updated(i)
			}
		}
		m.turns = nil
		m.typing = false
		m.armed = false
		m.state.PendingTask = nil

		text := shared.UserMessage(shared.KindAuthRequired)
		note := m.note(text)
		m.state.Messages = append(m.state.Messages, note)
		m.state.LastError = &domain.ConversationError{Kind: string(shared.KindAuthRequired), Message: text}
		t.appended(note)
		t.events = append(t.events, events.Event{Type: events.SessionLost, Reason: reason})
	})
}

func (m *Machine) note(text string) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:        m.newID(),
		Role:      domain.RoleAssistant,
		Content:   text,
		Timestamp: m.now(),
	}
	msg.SetMeta(domain.MetaSystemNote, true)
	return msg
}

func (m *Machine) reply(id, content string, meta map[string]any, turnID string) domain.ChatMessage {
	if id == "" {
		id = m.newID()
	}
	msg := domain.ChatMessage{
		ID:        id,
		Role:      domain.RoleAssistant,
		Content:   content,
		Timestamp: m.now(),
	}
	m.mergeMeta(&msg, meta)
	if turnID != "" {
		msg.SetMeta(domain.MetaInReplyTo, turnID)
	}
	return msg
}

func (m *Machine) mergeMeta(msg *domain.ChatMessage, meta map[string]any) {
	for k, v := range meta {
		msg.SetMeta(k, v)
	}
}

func (m *Machine) headTurn() string {
	if len(m.turns) == 0 {
		return ""
	}
	return m.turns[0].id
}

// completeTurn closes the turn with id, or the oldest turn when id is empty.
func (m *Machine) completeTurn(id any) {
	s, _ := id.(string)
	if len(m.turns) == 0 {
		return
	}
	if s == "" {
		m.turns = m.turns[1:]
		return
	}
	for i, tr := range m.turns {
		if tr.id == s {
			m.turns = append(m.turns[:i:i], m.turns[i+1:]...)
			return
		}
	}
}

func (m *Machine) streamingIndex() int {
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		if m.state.Messages[i].Streaming {
			return i
		}
	}
	return -1
}

// resumableIndex finds an interrupted provisional reply that a new stream may
// continue. Only notes may sit between it and the end of the conversation.
func (m *Machine) resumableIndex() int {
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		msg := m.state.Messages[i]
		if msg.MetaBool(domain.MetaSystemNote) {
			continue
		}
		if msg.Role == domain.RoleAssistant && msg.MetaBool(domain.MetaInterrupted) && !msg.MetaBool(domain.MetaFailed) {
			return i
		}
		return -1
	}
	return -1
}

func (m *Machine) taskIndex(taskID string) int {
	for i, msg := range m.state.Messages {
		if msg.Processing && msg.Metadata[domain.MetaTaskID] == taskID {
			return i
		}
	}
	return -1
}

func (m *Machine) replyIndex(turnID string) int {
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		msg := m.state.Messages[i]
		if msg.Role == domain.RoleAssistant && msg.Metadata[domain.MetaInReplyTo] == turnID {
			return i
		}
	}
	return -1
}

func (m *Machine) lastIndex(role domain.Role) int {
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		if m.state.Messages[i].Role == role {
			return i
		}
	}
	return -1
}

func intermediate(msg domain.ChatMessage) bool {
	phase, _ := msg.Metadata[domain.MetaPhase].(string)
	return phase == domain.PhaseMeetingStart || phase == domain.PhaseExpertTurn
}

func appendNotice(content, notice string) string {
	if strings.TrimSpace(content) == "" {
		return notice
	}
	return content + "\n\n" + notice
}
