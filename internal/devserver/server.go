// Package devserver is a scriptable mock of the chat backend: login, the REST
// chat endpoints and the chat WebSocket. It backs the CLI's serve command and
// the end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/middleware"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server.
type Options struct {
	SigningKey     []byte
	TokenTTL       time.Duration
	TaskPolls      int // pending polls before a task succeeds
	RequireCSRF    bool
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
}

// ChatHook overrides POST /chat. call is 1-based. Returning false falls
// through to the default behaviour.
type ChatHook func(w http.ResponseWriter, r *http.Request, call int, env domain.RequestEnvelope) bool

// StatusHook overrides GET /chat/status/{task_id}. poll is 1-based per task.
type StatusHook func(w http.ResponseWriter, r *http.Request, taskID string, poll int) bool

// SocketHook takes over a chat socket after the client's ready frame has been
// read. A nil return closes the socket normally.
type SocketHook func(ctx context.Context, p *Peer) error

type task struct {
	response string
	polls    int
}

// Server is the mock backend. Hooks must be set before the server handles traffic.
type Server struct {
	opts   Options
	router chi.Router
	logger *slog.Logger

	ChatHook   ChatHook
	StatusHook StatusHook
	SocketHook SocketHook

	mu        sync.Mutex
	tasks     map[string]*task
	csrf      map[string]string
	chatCalls int
	peers     []protocol.ReadyFrame
}

// New creates a mock backend with its routes mounted.
func New(opts Options) *Server {
	if len(opts.SigningKey) == 0 {
		opts.SigningKey = []byte("dev-signing-key")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.TaskPolls < 0 {
		opts.TaskPolls = 0
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		tasks:  make(map[string]*task),
		csrf:   make(map[string]string),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.opts.AllowedOrigins))

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/chat", s.handleChat)
		r.Get("/chat/status/{task_id}", s.handleStatus)
	})
	r.Get("/ws/chat", s.handleSocket)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ChatCalls returns how many POST /chat requests were received.
func (s *Server) ChatCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCalls
}

// Connections returns how many sockets sent a ready frame.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ReadyFrames returns the ready frames received so far, in order.
func (s *Server) ReadyFrames() []protocol.ReadyFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ReadyFrame, len(s.peers))
	copy(out, s.peers)
	return out
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
