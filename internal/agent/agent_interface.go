package agent

import (
	"context"

	"github.com/ashureev/chatlink/internal/api"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/offline"
	"github.com/ashureev/chatlink/internal/socket"
	"github.com/ashureev/chatlink/internal/task"
)

// Sockets is the part of the WebSocket session manager the router uses.
type Sockets interface {
	GetConnection(ctx context.Context, endpoint string) (*socket.Connection, error)
	Ready(endpoint string) bool
	Send(ctx context.Context, endpoint string, v any) error
	Subscribe(endpoint string, h socket.Handler) *socket.Subscription
}

// ChatAPI is the REST fallback.
type ChatAPI interface {
	PostChat(ctx context.Context, env domain.RequestEnvelope) (domain.ChatReply, error)
}

// Tasks polls task handles returned by the REST path.
type Tasks interface {
	Start(taskID string)
	CancelAll()
}

// Sessions exposes the current session and its loss notifications.
type Sessions interface {
	Session() (domain.Session, error)
	OnSessionLost(h identity.LostHandler) func()
}

// Connectivity receives the online signal derived from the socket.
type Connectivity interface {
	SetOnline(online bool)
}

var (
	_ Sockets      = (*socket.SessionManager)(nil)
	_ ChatAPI      = (*api.Client)(nil)
	_ Tasks        = (*task.Poller)(nil)
	_ Sessions     = (*identity.Accessor)(nil)
	_ Connectivity = (*offline.Connectivity)(nil)
)
