package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/chatlink/internal/chat"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/metrics"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/ashureev/chatlink/internal/socket"
)

const (
	defaultEndpoint  = "/ws/chat"
	defaultQueueSize = 64
	// defaultHistory bounds the prior turns sent when the caller supplies none.
	defaultHistory = 20
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("agent service closed")

// Config configures a Service.
type Config struct {
	Endpoint     string
	QueueSize    int
	HistoryLimit int
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// Connectivity, when set, goes online on socket ready and offline when a
	// reconnect dial cannot reach the backend.
	Connectivity Connectivity
}

type job struct {
	turnID string
	env    domain.RequestEnvelope
	epoch  uint64
}

// Service is the mode router. Submissions are dispatched one at a time in
// the order they were made; a submission is not sent while the previous one
// is still being dispatched or retried.
type Service struct {
	machine  *chat.Machine
	sockets  Sockets
	api      ChatAPI
	tasks    Tasks
	sessions Sessions
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan job
	wg     sync.WaitGroup

	mu       sync.Mutex
	sub      *socket.Subscription
	epoch    uint64
	closed   bool
	stopLost func()
}

// NewService wires the router to its collaborators and starts the dispatch
// worker. sockets may be nil, in which case every submission goes over REST.
func NewService(machine *chat.Machine, sockets Sockets, chatAPI ChatAPI, tasks Tasks, sessions Sessions, cfg Config) *Service {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		machine:  machine,
		sockets:  sockets,
		api:      chatAPI,
		tasks:    tasks,
		sessions: sessions,
		cfg:      cfg,
		logger:   cfg.Logger.With("endpoint", cfg.Endpoint),
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan job, cfg.QueueSize),
	}
	if sessions != nil {
		s.stopLost = sessions.OnSessionLost(s.onSessionLost)
	}

	s.wg.Add(1)
	go s.worker()
	return s
}

// Machine returns the conversation state machine.
func (s *Service) Machine() *chat.Machine {
	return s.machine
}

// Connect subscribes the state machine to the chat socket and starts the
// connection. It is safe to call again after a session was lost.
func (s *Service) Connect(ctx context.Context) (*socket.Connection, error) {
	if s.sockets == nil {
		return nil, errors.New("no socket manager configured")
	}
	s.mu.Lock()
	if s.sub == nil {
		s.sub = s.sockets.Subscribe(s.cfg.Endpoint, s.onSocketEvent)
	}
	s.mu.Unlock()
	return s.sockets.GetConnection(ctx, s.cfg.Endpoint)
}

// Submit validates in, appends the user message, and queues it for dispatch.
// Validation failures return an InvalidRequest error and leave the
// conversation untouched.
func (s *Service) Submit(ctx context.Context, in Input) (domain.ChatMessage, error) {
	env, err := in.Validate()
	if err != nil {
		return domain.ChatMessage{}, err
	}

	s.mu.Lock()
	closed, epoch := s.closed, s.epoch
	s.mu.Unlock()
	if closed {
		return domain.ChatMessage{}, ErrClosed
	}

	if env.Mode == "" {
		env.Mode = s.machine.Mode()
	} else {
		s.machine.SetMode(env.Mode)
	}
	if len(in.MessageHistory) == 0 {
		env.MessageHistory = s.history()
	}
	if sess, err := s.sessionOf(); err == nil {
		env.SessionID = sess.SessionID
	}

	msg := s.machine.SubmitUser(env.Message)
	select {
	case s.queue <- job{turnID: msg.ID, env: env, epoch: epoch}:
		return msg, nil
	case <-ctx.Done():
		s.machine.Fail(msg.ID, ctx.Err())
		return msg, ctx.Err()
	case <-s.ctx.Done():
		s.machine.Fail(msg.ID, ErrClosed)
		return msg, ErrClosed
	}
}

func (s *Service) sessionOf() (domain.Session, error) {
	if s.sessions == nil {
		return domain.Session{}, errors.New("no session source")
	}
	return s.sessions.Session()
}

// history collects prior user and assistant turns, oldest first.
func (s *Service) history() []any {
	snap := s.machine.Snapshot()
	out := make([]any, 0, s.cfg.HistoryLimit)
	for _, msg := range snap.Messages {
		if msg.Role == domain.RoleSystem || msg.MetaBool(domain.MetaSystemNote) || msg.MetaBool(domain.MetaFailed) {
			continue
		}
		if msg.Streaming || msg.Processing || msg.Content == "" {
			continue
		}
		out = append(out, domain.HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	if len(out) > s.cfg.HistoryLimit {
		out = out[len(out)-s.cfg.HistoryLimit:]
	}
	return out
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			s.mu.Lock()
			stale := j.epoch != s.epoch
			s.mu.Unlock()
			if stale {
				s.logger.Debug("Dropping submission queued before session loss", "message_id", j.turnID)
				s.machine.Fail(j.turnID, shared.SessionExpired())
				continue
			}
			s.Route(s.ctx, j.turnID, j.env)
		}
	}
}

// Route dispatches one user turn: over the socket when it is ready,
// otherwise over REST. REST replies are folded directly or, for task handles,
// handed to the poller.
func (s *Service) Route(ctx context.Context, turnID string, env domain.RequestEnvelope) {
	logger := s.logger.With("message_id", turnID, "mode", env.Mode)

	if s.sockets != nil && s.sockets.Ready(s.cfg.Endpoint) {
		err := s.sockets.Send(ctx, s.cfg.Endpoint, protocol.NewChatMessage(turnID, env))
		if err == nil {
			s.machine.MarkSocketTurn(turnID)
			logger.Debug("Dispatched over socket")
			return
		}
		logger.Warn("Socket send failed, falling back to REST", "error", err)
	}
	if TraitsOf(env.Mode).MultiPhase {
		logger.Info("Sending multi-phase turn over REST, intermediate phases will not be shown")
	}

	reply, err := s.api.PostChat(ctx, env)
	if err != nil {
		logger.Warn("Chat request failed", "error", err)
		s.machine.Fail(turnID, err)
		return
	}

	if reply.TaskID != "" {
		if !TraitsOf(env.Mode).AllowsTask {
			logger.Warn("Unexpected task handle for mode", "task_id", reply.TaskID)
		}
		s.machine.BeginTask(turnID, reply.TaskID, reply.Response)
		s.tasks.Start(reply.TaskID)
		logger.Debug("Polling task", "task_id", reply.TaskID)
		return
	}
	s.machine.AppendAssistant(turnID, reply)
}

func (s *Service) onSocketEvent(ev socket.Event) {
	switch ev.Kind {
	case socket.EventFrame:
		s.machine.HandleFrame(ev.Frame)
	case socket.EventState:
		s.trackConnectivity(ev)
		s.machine.ConnectionChanged(ev.Endpoint, ev.State, ev.Attempt)
	}
}

func (s *Service) trackConnectivity(ev socket.Event) {
	if s.cfg.Connectivity == nil {
		return
	}
	switch {
	case ev.State == domain.ConnectionReady:
		s.cfg.Connectivity.SetOnline(true)
	case ev.State == domain.ConnectionReconnecting && shared.KindOf(ev.Err) == shared.KindNetwork:
		s.logger.Warn("Backend unreachable from socket, going offline", "attempt", ev.Attempt, "error", ev.Err)
		s.cfg.Connectivity.SetOnline(false)
	}
}

func (s *Service) onSessionLost(reason string) {
	s.mu.Lock()
	s.epoch++
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if s.tasks != nil {
		s.tasks.CancelAll()
	}
	s.machine.SessionLost(reason)
	s.machine.ConnectionChanged(s.cfg.Endpoint, domain.ConnectionClosed, 0)
	s.cfg.Metrics.IncSessionLost()
}

// Close stops the dispatch worker and detaches from the socket and session.
// Queued submissions are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	stopLost := s.stopLost
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if sub != nil {
		sub.Unsubscribe()
	}
	if stopLost != nil {
		stopLost()
	}
	if s.tasks != nil {
		s.tasks.CancelAll()
	}
}
