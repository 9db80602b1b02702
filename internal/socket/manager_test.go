package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/chatlink/internal/devserver"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endpoint = "/ws/chat"

type fixture struct {
	srv *devserver.Server
	acc *identity.Accessor
	mgr *SessionManager
}

func newFixture(t *testing.T, hook devserver.SocketHook, tweak func(*Options)) *fixture {
	t.Helper()
	return newWrappedFixture(t, hook, tweak, nil)
}

// newWrappedFixture is newFixture with wrap placed in front of the server.
func newWrappedFixture(t *testing.T, hook devserver.SocketHook, tweak func(*Options), wrap func(http.Handler) http.Handler) *fixture {
	t.Helper()
	srv := devserver.New(devserver.Options{})
	srv.SocketHook = hook
	var h http.Handler = srv
	if wrap != nil {
		h = wrap(srv)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	tok, _, err := devserver.IssueToken([]byte("dev-signing-key"), "u1", time.Hour)
	require.NoError(t, err)
	acc := identity.NewAccessor(nil, nil, &identity.MemoryTokenStore{})
	require.NoError(t, acc.Establish(tok, ""))

	opts := Options{
		HandshakeTimeout: 2 * time.Second,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		MaxReconnects:    5,
	}
	if tweak != nil {
		tweak(&opts)
	}
	mgr, err := NewSessionManager(ts.URL, acc, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return &fixture{srv: srv, acc: acc, mgr: mgr}
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) states() []domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.ConnectionStatus
	for _, e := range c.events {
		if e.Kind == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (c *collector) frames() []protocol.FrameType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.FrameType
	for _, e := range c.events {
		if e.Kind == EventFrame {
			out = append(out, e.Frame.Type)
		}
	}
	return out
}

func countState(states []domain.ConnectionStatus, s domain.ConnectionStatus) int {
	n := 0
	for _, cur := range states {
		if cur == s {
			n++
		}
	}
	return n
}

func waitReady(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop")
	}
}

func TestHandshakeAndSend(t *testing.T) {
	f := newFixture(t, nil, nil)
	col := &collector{}
	f.mgr.Subscribe(endpoint, col.handle)

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitReady(t, c)

	ready := f.srv.ReadyFrames()
	require.Len(t, ready, 1)
	sess, err := f.acc.Session()
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, ready[0].SessionID)
	assert.Equal(t, "u1", ready[0].UserID)
	assert.Equal(t, identity.AuthMethodToken, ready[0].AuthMethod)

	require.NoError(t, f.mgr.Send(context.Background(), endpoint, protocol.NewChatMessage("m1", domain.RequestEnvelope{
		Message: "Hello.", Mode: domain.ModeDirect, SessionID: sess.SessionID,
	})))
	require.Eventually(t, func() bool {
		frames := col.frames()
		return len(frames) > 0 && frames[len(frames)-1] == protocol.FrameMessageComplete
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []protocol.FrameType{
		protocol.FrameConnectionConfirmed,
		protocol.FrameReadyConfirmed,
		protocol.FrameMessageReceived,
		protocol.FrameTypingStart,
		protocol.FrameMessageStart,
		protocol.FrameMessageChunk,
		protocol.FrameMessageChunk,
		protocol.FrameMessageComplete,
	}, col.frames())
	assert.Equal(t, []domain.ConnectionStatus{
		domain.ConnectionConnecting, domain.ConnectionOpen, domain.ConnectionReady,
	}, col.states())
}

func TestGetConnectionReturnsSameConnection(t *testing.T) {
	f := newFixture(t, nil, nil)

	const n = 8
	conns := make([]*Connection, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.mgr.GetConnection(context.Background(), endpoint)
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()

	for _, c := range conns[1:] {
		assert.Same(t, conns[0], c)
	}
	waitReady(t, conns[0])
	assert.Equal(t, 1, f.srv.Connections())
}

func TestSendBeforeReady(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		_, err := p.Next(ctx)
		return err
	}, nil)

	err := f.mgr.Send(context.Background(), endpoint, map[string]string{"type": "chat_message"})
	assert.Equal(t, shared.KindNotReady, shared.KindOf(err))

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	err = c.Send(context.Background(), map[string]string{"type": "chat_message"})
	assert.Equal(t, shared.KindNotReady, shared.KindOf(err))
	assert.False(t, f.mgr.Ready(endpoint))
}

func TestReconnectAfterServerError(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		if err := p.Confirm(ctx); err != nil {
			return err
		}
		if p.Index == 1 {
			return p.Close(websocket.StatusInternalError, "boom")
		}
		return p.Serve(ctx)
	}, nil)
	col := &collector{}
	f.mgr.Subscribe(endpoint, col.handle)

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countState(col.states(), domain.ConnectionReady) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, countState(col.states(), domain.ConnectionReconnecting))
	assert.Equal(t, 2, f.srv.Connections())
	assert.Equal(t, domain.ConnectionReady, c.State())
	assert.Zero(t, c.Attempt())
	assert.False(t, f.acc.Lost())
}

func TestPolicyViolationInvalidatesSession(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		if err := p.Confirm(ctx); err != nil {
			return err
		}
		return p.Close(websocket.StatusPolicyViolation, "credential revoked")
	}, nil)
	var lost []string
	var mu sync.Mutex
	f.acc.OnSessionLost(func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		lost = append(lost, reason)
	})

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitDone(t, c)

	assert.True(t, f.acc.Lost())
	mu.Lock()
	assert.Len(t, lost, 1)
	mu.Unlock()
	assert.Equal(t, 1, f.srv.Connections())
	assert.Equal(t, domain.ConnectionClosed, c.State())

	_, err = f.mgr.GetConnection(context.Background(), endpoint)
	assert.True(t, shared.IsAuth(err))
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		if err := p.Confirm(ctx); err != nil {
			return err
		}
		return p.Close(websocket.StatusNormalClosure, "bye")
	}, nil)

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, domain.ConnectionClosed, c.State())
	assert.Equal(t, 1, f.srv.Connections())
	assert.False(t, f.acc.Lost())
	assert.Nil(t, f.mgr.Lookup(endpoint))
}

func TestSessionLostClosesEverything(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mgr.Subscribe(endpoint, func(Event) {})

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitReady(t, c)

	f.acc.Clear()
	waitDone(t, c)

	assert.Zero(t, f.mgr.Subscribers(endpoint))
	assert.Equal(t, 1, f.srv.Connections())
	_, err = f.mgr.GetConnection(context.Background(), endpoint)
	assert.Equal(t, shared.KindSessionExpired, shared.KindOf(err))
}

func TestHandshakeTimeoutRetries(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		if p.Index == 1 {
			// Never confirm; wait for the client to give up.
			_, err := p.Next(ctx)
			return err
		}
		if err := p.Confirm(ctx); err != nil {
			return err
		}
		return p.Serve(ctx)
	}, func(o *Options) { o.HandshakeTimeout = 100 * time.Millisecond })

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitReady(t, c)
	assert.Equal(t, 2, f.srv.Connections())
}

func TestHandshakeDeadlineCoversDial(t *testing.T) {
	var slowUpgrade atomic.Bool
	slowUpgrade.Store(true)
	f := newWrappedFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		if p.Index == 1 {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
		}
		if err := p.Confirm(ctx); err != nil {
			return err
		}
		return p.Serve(ctx)
	}, func(o *Options) {
		o.HandshakeTimeout = 400 * time.Millisecond
	}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slowUpgrade.CompareAndSwap(true, false) {
				time.Sleep(250 * time.Millisecond)
			}
			next.ServeHTTP(w, r)
		})
	})

	col := &collector{}
	f.mgr.Subscribe(endpoint, col.handle)
	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitReady(t, c)

	// Each step fits the timeout on its own, together they do not.
	assert.Equal(t, 2, f.srv.Connections())
	assert.Equal(t, 1, countState(col.states(), domain.ConnectionReconnecting))
}

func TestHeartbeatLossReconnects(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		if err := p.Confirm(ctx); err != nil {
			return err
		}
		if p.Index == 1 {
			// Stop reading so pings go unanswered.
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			return nil
		}
		return p.Serve(ctx)
	}, func(o *Options) { o.Heartbeat = 200 * time.Millisecond })
	t.Cleanup(func() { close(release) })

	col := &collector{}
	f.mgr.Subscribe(endpoint, col.handle)
	_, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countState(col.states(), domain.ConnectionReady) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, f.srv.Connections(), 2)
}

func TestReconnectBudgetIsBounded(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, p *devserver.Peer) error {
		return p.Close(websocket.StatusInternalError, "always failing")
	}, func(o *Options) { o.MaxReconnects = 2 })

	c, err := f.mgr.GetConnection(context.Background(), endpoint)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, 3, f.srv.Connections())
	assert.Equal(t, domain.ConnectionClosed, c.State())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newFixture(t, nil, nil)
	before := f.mgr.Subscribers(endpoint)

	sub := f.mgr.Subscribe(endpoint, func(Event) {})
	assert.Equal(t, before+1, f.mgr.Subscribers(endpoint))

	sub.Unsubscribe()
	f.mgr.Unsubscribe(sub)
	assert.Equal(t, before, f.mgr.Subscribers(endpoint))
}
