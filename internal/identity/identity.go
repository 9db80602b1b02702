// Package identity exposes the current bearer credential to the transport layer.
// It never performs authentication itself.
package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessCookieName  = "access_token"
	CSRFHeaderName    = "X-CSRF-Token"
	DefaultSkewBuffer = 30 * time.Second

	AuthMethodCookie = "cookie"
	AuthMethodToken  = "token"
)

var errNoExpiry = errors.New("credential has no expiry claim")

// Claims is the subset of the credential payload the core reads.
type Claims struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenStore is the client-accessible fallback location of the credential.
type TokenStore interface {
	Load() string
	Save(token string)
	Clear()
}

// MemoryTokenStore keeps the fallback credential in process memory.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

func (s *MemoryTokenStore) Load() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) Save(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *MemoryTokenStore) Clear() {
	s.Save("")
}

// LostHandler is notified once per session loss.
type LostHandler func(reason string)

// Accessor is the narrow read-only view of the process-wide auth state.
// Writes happen only through Establish (login) and Invalidate/Clear (logout, expiry).
type Accessor struct {
	mu         sync.Mutex
	jar        http.CookieJar
	origin     *url.URL
	fallback   TokenStore
	csrf       string
	skew       time.Duration
	now        func() time.Time
	logger     *slog.Logger
	parser     *jwt.Parser
	handlers   map[uint64]LostHandler
	nextID     uint64
	generation uint64
	lost       bool
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Accessor) { a.now = now }
}

// WithSkew overrides the clock-skew buffer.
func WithSkew(d time.Duration) Option {
	return func(a *Accessor) { a.skew = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accessor) { a.logger = l }
}

// NewAccessor creates an accessor reading the secure transport cookie from jar
// (scoped to origin) and falling back to store. Either may be nil.
func NewAccessor(jar http.CookieJar, origin *url.URL, store TokenStore, opts ...Option) *Accessor {
	if store == nil {
		store = &MemoryTokenStore{}
	}
	a := &Accessor{
		jar:      jar,
		origin:   origin,
		fallback: store,
		skew:     DefaultSkewBuffer,
		now:      time.Now,
		parser:   jwt.NewParser(),
		handlers: make(map[uint64]LostHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

func (a *Accessor) cookieToken() string {
	if a.jar == nil || a.origin == nil {
		return ""
	}
	for _, c := range a.jar.Cookies(a.origin) {
		if c.Name == AccessCookieName && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// GetToken returns the current credential. The transport cookie wins over the fallback store.
func (a *Accessor) GetToken() (string, error) {
	if tok := a.cookieToken(); tok != "" {
		return tok, nil
	}
	if tok := a.fallback.Load(); tok != "" {
		return tok, nil
	}
	return "", shared.NoCredential()
}

// AuthMethod reports where the current credential came from.
func (a *Accessor) AuthMethod() string {
	if a.cookieToken() != "" {
		return AuthMethodCookie
	}
	return AuthMethodToken
}

// Claims parses the current credential without verifying its signature.
func (a *Accessor) Claims() (*Claims, error) {
	tok, err := a.GetToken()
	if err != nil {
		return nil, err
	}
	return a.parse(tok)
}

func (a *Accessor) parse(tok string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := a.parser.ParseUnverified(tok, claims); err != nil {
		return nil, shared.MalformedCredential(err)
	}
	if claims.ExpiresAt == nil {
		return nil, shared.MalformedCredential(errNoExpiry)
	}
	return claims, nil
}

// Session describes the current credential as a domain session.
func (a *Accessor) Session() (domain.Session, error) {
	claims, err := a.Claims()
	if err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
		CSRFToken: a.CSRFToken(),
	}
	if s.UserID == "" {
		s.UserID = claims.Subject
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	return s, nil
}

// IsSessionValid is true iff a token exists, parses, and now < expiry - skew.
func (a *Accessor) IsSessionValid() bool {
	s, err := a.Session()
	if err != nil {
		return false
	}
	return s.ValidAt(a.now(), a.skew)
}

// SessionTTL returns how long the current session stays usable, or zero when
// there is none.
func (a *Accessor) SessionTTL() time.Duration {
	s, err := a.Session()
	if err != nil {
		return 0
	}
	return s.TTL(a.now(), a.skew)
}

// CSRFToken returns the CSRF token issued with the session, if any.
func (a *Accessor) CSRFToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.csrf
}

// Generation changes every time a session is established or lost. Callers
// compare generations to discard results that outlived their session.
func (a *Accessor) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// OnSessionLost registers h and returns an idempotent unsubscribe function.
func (a *Accessor) OnSessionLost(h LostHandler) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = h
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.handlers, id)
	}
}

// Establish installs a new credential. It is called by login flows outside the core.
func (a *Accessor) Establish(token, csrf string) error {
	if _, err := a.parse(token); err != nil {
		return err
	}
	a.fallback.Save(token)

	a.mu.Lock()
	a.csrf = csrf
	a.lost = false
	a.generation++
	a.mu.Unlock()

	a.logger.Info("Session established")
	return nil
}

// Invalidate performs local-only invalidation: credentials are cleared and
// handlers are notified. Repeated calls before the next Establish are no-ops.
// Returns true if this call performed the invalidation.
func (a *Accessor) Invalidate(reason string) bool {
	a.mu.Lock()
	if a.lost {
		a.mu.Unlock()
		return false
	}
	a.lost = true
	a.generation++
	a.csrf = ""
	handlers := make([]LostHandler, 0, len(a.handlers))
	for _, h := range a.handlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	a.fallback.Clear()
	a.expireCookie()

	a.logger.Info("Session lost", "reason", reason)
	for _, h := range handlers {
		h(reason)
	}
	return true
}

// Lost reports whether the session has been invalidated since the last Establish.
func (a *Accessor) Lost() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}

// Clear is the logout path.
func (a *Accessor) Clear() {
	a.Invalidate("logout")
}

func (a *Accessor) expireCookie() {
	if a.jar == nil || a.origin == nil {
		return
	}
	a.jar.SetCookies(a.origin, []*http.Cookie{{
		Name:   AccessCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
}
