package socket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

var (
	errHandshakeTimeout = errors.New("handshake timed out waiting for ready_confirmed")
	errHeartbeatLost    = errors.New("heartbeat lost")
)

// Connection is one logical socket. It survives transport drops by
// reconnecting and is closed for good on a normal or policy close, on
// session loss, or when the reconnect budget is spent.
type Connection struct {
	mgr      *SessionManager
	endpoint string
	key      string
	session  domain.Session

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       domain.ConnectionStatus
	attempt     int
	lastEventAt time.Time
	ws          *websocket.Conn
	stopping    bool
	lostBeat    bool
	changed     chan struct{}

	writeMu sync.Mutex
}

func newConnection(m *SessionManager, endpoint, key string, sess domain.Session) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		mgr:      m,
		endpoint: endpoint,
		key:      key,
		session:  sess,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    domain.ConnectionConnecting,
		changed:  make(chan struct{}),
	}
}

// Endpoint returns the logical endpoint path.
func (c *Connection) Endpoint() string { return c.endpoint }

// State returns the current connection state.
func (c *Connection) State() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive reconnect attempts.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastEventAt is when the connection last saw a frame or state change.
func (c *Connection) LastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventAt
}

// Done is closed once the connection has stopped for good.
func (c *Connection) Done() <-chan struct{} { return c.done }

// WaitReady blocks until the handshake completes, the connection closes, or ctx ends.
func (c *Connection) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch := c.state, c.changed
		c.mu.Unlock()

		switch state {
		case domain.ConnectionReady:
			return nil
		case domain.ConnectionClosed:
			return shared.NotReady(c.endpoint)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes v as one JSON frame. Frames are written in the order Send is called.
func (c *Connection) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != domain.ConnectionReady || ws == nil {
		return shared.NotReady(c.endpoint)
	}
	return c.write(ctx, ws, v)
}

func (c *Connection) write(ctx context.Context, ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, v); err != nil {
		return shared.Network(err)
	}
	return nil
}

func (c *Connection) start() {
	go c.run()
}

func (c *Connection) run() {
	defer close(c.done)
	defer c.mgr.forget(c)

	logger := c.mgr.logger.With("endpoint", c.endpoint, "session_id", c.session.SessionID)
	bo := c.mgr.newBackOff()

	for {
		ready, err := c.serve()
		if ready {
			bo.Reset()
		}
		if c.isStopping() {
			c.setState(domain.ConnectionClosed, nil)
			return
		}

		switch classify(err) {
		case outcomeNormal:
			logger.Info("Socket closed normally", "code", websocket.CloseStatus(err))
			c.setState(domain.ConnectionClosed, err)
			return
		case outcomeAuth:
			logger.Warn("Socket rejected credential", "error", err)
			c.mgr.creds.Invalidate("socket policy violation")
			c.setState(domain.ConnectionClosed, err)
			return
		}

		if !c.mgr.creds.IsSessionValid() {
			c.mgr.creds.Invalidate("session expired while reconnecting")
			c.setState(domain.ConnectionClosed, shared.SessionExpired())
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			logger.Warn("Reconnect budget exhausted", "attempts", c.Attempt())
			c.setState(domain.ConnectionClosed, err)
			return
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		c.mgr.opts.Metrics.IncReconnect(c.endpoint)
		logger.Warn("Socket dropped, reconnecting", "attempt", attempt, "delay", delay, "code", websocket.CloseStatus(err), "error", err)
		c.setState(domain.ConnectionReconnecting, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			c.setState(domain.ConnectionClosed, nil)
			return
		}
	}
}

// serve runs one transport lifetime: dial, handshake, then read until the
// socket drops. ready reports whether the handshake completed. The dial and
// the wait for ready_confirmed share one HandshakeTimeout deadline.
func (c *Connection) serve() (ready bool, err error) {
	c.setState(domain.ConnectionConnecting, nil)

	tok, err := c.mgr.creds.GetToken()
	if err != nil {
		return false, err
	}

	hctx, cancel := context.WithTimeout(c.ctx, c.mgr.opts.HandshakeTimeout)
	defer cancel()
	ws, resp, err := websocket.Dial(hctx, c.mgr.endpointURL(c.endpoint, tok), &websocket.DialOptions{
		HTTPClient: c.mgr.opts.HTTPClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, shared.FromStatus(resp.StatusCode, 0, "websocket upgrade rejected")
		}
		return false, shared.Network(err)
	}
	ws.SetReadLimit(readLimit)

	if !c.attach(ws) {
		ws.CloseNow()
		return false, nil
	}
	defer c.detach()

	c.setState(domain.ConnectionOpen, nil)
	hello := protocol.NewReady(c.session.SessionID, c.session.UserID, c.mgr.creds.AuthMethod())
	if err := c.write(hctx, ws, hello); err != nil {
		ws.CloseNow()
		return false, c.handshakeErr(hctx, err)
	}

	if err := c.awaitReady(hctx, ws); err != nil {
		return false, err
	}
	cancel()
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(domain.ConnectionReady, nil)

	return true, c.readLoop(ws)
}

func (c *Connection) awaitReady(hctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(hctx)
		if err != nil {
			ws.CloseNow()
			return c.handshakeErr(hctx, err)
		}
		f, ok := c.handle(data)
		if ok && f.Type == protocol.FrameReadyConfirmed {
			return nil
		}
	}
}

// handshakeErr maps a failure inside the handshake window to
// errHandshakeTimeout when the shared deadline caused it.
func (c *Connection) handshakeErr(hctx context.Context, err error) error {
	if errors.Is(hctx.Err(), context.DeadlineExceeded) && c.ctx.Err() == nil {
		return errHandshakeTimeout
	}
	return err
}

func (c *Connection) readLoop(ws *websocket.Conn) error {
	hctx, stop := context.WithCancel(c.ctx)
	defer stop()
	go c.heartbeat(hctx, ws)

	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			lost := c.lostBeat
			c.lostBeat = false
			c.mu.Unlock()
			if lost {
				return errHeartbeatLost
			}
			return err
		}
		c.handle(data)
	}
}

// heartbeat pings when no frame has arrived for one interval and drops the
// socket if the pong does not come back within half an interval.
func (c *Connection) heartbeat(ctx context.Context, ws *websocket.Conn) {
	interval := c.mgr.opts.Heartbeat
	tick := interval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(c.LastEventAt()) < interval {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, interval/2)
		err := ws.Ping(pctx)
		cancel()
		if err == nil {
			c.touch()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.mgr.logger.Warn("Heartbeat lost", "endpoint", c.endpoint, "error", err)
		c.mu.Lock()
		c.lostBeat = true
		c.mu.Unlock()
		ws.CloseNow()
		return
	}
}

// handle decodes one inbound frame and delivers it to subscribers.
func (c *Connection) handle(data []byte) (protocol.Frame, bool) {
	c.touch()
	f, err := protocol.Decode(data)
	if err != nil {
		c.mgr.logger.Warn("Dropping undecodable frame", "endpoint", c.endpoint, "error", err)
		return protocol.Frame{}, false
	}
	c.mgr.opts.Metrics.ObserveFrame(string(f.Type))
	c.mgr.deliver(Event{Kind: EventFrame, Endpoint: c.endpoint, Frame: f, State: c.State(), Attempt: c.Attempt()})
	return f, true
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastEventAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) setState(s domain.ConnectionStatus, err error) {
	c.mu.Lock()
	if c.state == domain.ConnectionClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.lastEventAt = time.Now()
	close(c.changed)
	c.changed = make(chan struct{})
	attempt := c.attempt
	c.mu.Unlock()

	c.mgr.opts.Metrics.SetReady(c.endpoint, s == domain.ConnectionReady)
	c.mgr.logger.Debug("Socket state changed", "endpoint", c.endpoint, "state", s, "attempt", attempt)
	c.mgr.deliver(Event{Kind: EventState, Endpoint: c.endpoint, State: s, Attempt: attempt, Err: err})
}

func (c *Connection) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.ws = ws
	return true
}

func (c *Connection) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = nil
}

func (c *Connection) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping || c.ctx.Err() != nil
}

// shutdown closes the socket with a normal code and stops the run loop.
func (c *Connection) shutdown(reason string) {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		c.cancel()
		return
	}
	go func() {
		if err := ws.Close(websocket.StatusNormalClosure, reason); err != nil {
			c.mgr.logger.Debug("Failed to close websocket", "endpoint", c.endpoint, "error", err)
		}
		c.cancel()
	}()
}

type outcome int

const (
	outcomeRetry outcome = iota
	outcomeNormal
	outcomeAuth
)

func classify(err error) outcome {
	if shared.IsAuth(err) {
		return outcomeAuth
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return outcomeNormal
	case websocket.StatusPolicyViolation:
		return outcomeAuth
	default:
		return outcomeRetry
	}
}
