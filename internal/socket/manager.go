// Package socket manages the authenticated chat WebSocket: one live connection
// per endpoint per session, the ready handshake, heartbeats and reconnects.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/config"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/metrics"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Credentials is the part of the token accessor the manager depends on.
type Credentials interface {
	GetToken() (string, error)
	Session() (domain.Session, error)
	AuthMethod() string
	IsSessionValid() bool
	Invalidate(reason string) bool
	OnSessionLost(h identity.LostHandler) func()
}

var _ Credentials = (*identity.Accessor)(nil)

// Options tunes connection behaviour.
type Options struct {
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	Heartbeat        time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	Jitter           float64
	MaxReconnects    int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// OptionsFromConfig maps the client configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Heartbeat:        cfg.HeartbeatInterval,
		ReconnectBase:    cfg.Reconnect.Base,
		ReconnectMax:     cfg.Reconnect.Max,
		Jitter:           cfg.Reconnect.Jitter,
		MaxReconnects:    cfg.Reconnect.MaxAttempts,
	}
}

func (o *Options) applyDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 25 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// EventKind distinguishes frame deliveries from state changes.
type EventKind int

const (
	EventFrame EventKind = iota
	EventState
)

// Event is delivered to subscribers in the order it happened on the connection.
type Event struct {
	Kind     EventKind
	Endpoint string
	Frame    protocol.Frame
	State    domain.ConnectionStatus
	Attempt  int
	Err      error
}

// Handler receives events on the connection's goroutine.
type Handler func(Event)

// Subscription is a registered handler. Unsubscribe may be called any number of times.
type Subscription struct {
	id       uint64
	endpoint string
	fn       Handler
	mgr      *SessionManager
	once     sync.Once
}

// Unsubscribe removes the handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.mgr.remove(s) })
}

// SessionManager owns every Connection. It holds at most one live connection
// per endpoint per session.
type SessionManager struct {
	opts   Options
	base   *url.URL
	creds  Credentials
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	conns   map[string]*Connection
	subs    map[string][]*Subscription
	nextSub uint64

	unsubLost func()
}

// NewSessionManager creates a manager dialing endpoints relative to baseURL.
// http(s) origins are mapped to ws(s).
func NewSessionManager(baseURL string, creds Credentials, opts Options) (*SessionManager, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket base url: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported socket url scheme %q", base.Scheme)
	}
	opts.applyDefaults()

	m := &SessionManager{
		opts:   opts,
		base:   base,
		creds:  creds,
		logger: opts.Logger,
		conns:  make(map[string]*Connection),
		subs:   make(map[string][]*Subscription),
	}
	m.unsubLost = creds.OnSessionLost(func(reason string) {
		m.CloseAll("session lost: " + reason)
	})
	return m, nil
}

// GetConnection returns the live connection for endpoint in the current
// session, starting one if none exists. Concurrent callers share one dial.
func (m *SessionManager) GetConnection(ctx context.Context, endpoint string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.creds.IsSessionValid() {
		m.creds.Invalidate("session expired before connect")
		return nil, shared.SessionExpired()
	}
	sess, err := m.creds.Session()
	if err != nil {
		return nil, err
	}

	key := connKey(endpoint, sess.SessionID)
	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.conns[key]; ok && c.State() != domain.ConnectionClosed {
			return c, nil
		}
		c := newConnection(m, endpoint, key, sess)
		m.conns[key] = c
		c.start()
		m.logger.Info("Socket connection started", "endpoint", endpoint, "session_id", sess.SessionID)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// Lookup returns the connection for endpoint in the current session, if any.
func (m *SessionManager) Lookup(endpoint string) *Connection {
	sess, err := m.creds.Session()
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connKey(endpoint, sess.SessionID)]
}

// Send transmits v on endpoint. It fails with NotReady unless the handshake
// has completed.
func (m *SessionManager) Send(ctx context.Context, endpoint string, v any) error {
	c := m.Lookup(endpoint)
	if c == nil {
		return shared.NotReady(endpoint)
	}
	return c.Send(ctx, v)
}

// Ready reports whether endpoint can accept chat frames right now.
func (m *SessionManager) Ready(endpoint string) bool {
	c := m.Lookup(endpoint)
	return c != nil && c.State() == domain.ConnectionReady
}

// Subscribe registers h for events on endpoint, across reconnects.
func (m *SessionManager) Subscribe(endpoint string, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	s := &Subscription{id: m.nextSub, endpoint: endpoint, fn: h, mgr: m}
	m.subs[endpoint] = append(m.subs[endpoint], s)
	return s
}

// Unsubscribe removes s. Removing twice is a no-op.
func (m *SessionManager) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Unsubscribe()
	}
}

// Subscribers returns the number of handlers registered on endpoint.
func (m *SessionManager) Subscribers(endpoint string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[endpoint])
}

func (m *SessionManager) remove(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[s.endpoint]
	for i, cur := range list {
		if cur.id == s.id {
			m.subs[s.endpoint] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[s.endpoint]) == 0 {
		delete(m.subs, s.endpoint)
	}
}

func (m *SessionManager) deliver(ev Event) {
	m.mu.RLock()
	list := make([]*Subscription, len(m.subs[ev.Endpoint]))
	copy(list, m.subs[ev.Endpoint])
	m.mu.RUnlock()

	for _, s := range list {
		s.fn(ev)
	}
}

// CloseAll closes every connection with a normal code and drops all
// subscribers. Nothing reconnects until GetConnection is called again.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.subs = make(map[string][]*Subscription)
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown(reason)
	}
	if len(conns) > 0 {
		m.logger.Info("Socket connections closed", "count", len(conns), "reason", reason)
	}
}

// Close stops listening for session loss, closes every connection and waits
// for their goroutines to exit or ctx to expire.
func (m *SessionManager) Close(ctx context.Context) error {
	m.unsubLost()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	m.CloseAll("client shutdown")
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *SessionManager) forget(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[c.key]; ok && cur == c {
		delete(m.conns, c.key)
	}
}

func (m *SessionManager) endpointURL(endpoint, token string) string {
	u := *m.base
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (m *SessionManager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectBase
	b.Multiplier = 2
	b.MaxInterval = m.opts.ReconnectMax
	b.RandomizationFactor = m.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(m.opts.MaxReconnects))
}

func connKey(endpoint, sessionID string) string {
	return endpoint + "|" + sessionID
}
