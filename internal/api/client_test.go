package api

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ashureev/chatlink/internal/devserver"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/gate"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/offline"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/ashureev/chatlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv    *devserver.Server
	acc    *identity.Accessor
	conn   *offline.Connectivity
	client *Client
}

func newHarness(t *testing.T, opts devserver.Options) *harness {
	t.Helper()
	srv := devserver.New(opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	origin, err := url.Parse(ts.URL)
	require.NoError(t, err)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	acc := identity.NewAccessor(jar, origin, nil)
	g := gate.New(&http.Client{Jar: jar}, origin, acc, nil, nil)
	conn := offline.NewConnectivity(true)
	oc := offline.New(g, conn, store.NewMemory(), offline.Options{MaxAttempts: 1})
	t.Cleanup(oc.Close)

	return &harness{srv: srv, acc: acc, conn: conn, client: New(oc, acc, nil)}
}

func envelope(msg string, mode domain.Mode) domain.RequestEnvelope {
	return domain.RequestEnvelope{
		Message:           msg,
		Mode:              mode,
		CurrentGraphState: map[string]any{},
		MessageHistory:    []any{},
		UserPreferences:   map[string]any{},
	}
}

func TestLoginEstablishesSession(t *testing.T) {
	h := newHarness(t, devserver.Options{})

	out, err := h.client.Login(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", out.UserID)
	assert.True(t, h.acc.IsSessionValid())
	assert.Equal(t, identity.AuthMethodCookie, h.acc.AuthMethod())
	assert.Equal(t, out.CSRFToken, h.acc.CSRFToken())

	sess, err := h.acc.Session()
	require.NoError(t, err)
	assert.Equal(t, out.SessionID, sess.SessionID)
}

func TestPostChatDirect(t *testing.T) {
	h := newHarness(t, devserver.Options{RequireCSRF: true})
	_, err := h.client.Login(context.Background(), "u1")
	require.NoError(t, err)

	reply, err := h.client.PostChat(context.Background(), envelope("Hello.", domain.ModeDirect))
	require.NoError(t, err)
	assert.Equal(t, "Echo: Hello.", reply.Response)
	assert.NotEmpty(t, reply.MessageID)
	assert.Empty(t, reply.TaskID)
}

func TestTaskHandleAndStatus(t *testing.T) {
	h := newHarness(t, devserver.Options{TaskPolls: 1})
	ctx := context.Background()
	_, err := h.client.Login(ctx, "u1")
	require.NoError(t, err)

	reply, err := h.client.PostChat(ctx, envelope("plan", domain.ModeSmartRouter))
	require.NoError(t, err)
	require.NotEmpty(t, reply.TaskID)
	assert.Equal(t, devserver.Interim, reply.Response)

	st, err := h.client.TaskStatus(ctx, reply.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "pending", st.Status)

	h.conn.SetOnline(false)
	cached, err := h.client.TaskStatus(ctx, reply.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "pending", cached.Status)

	h.conn.SetOnline(true)
	st, err = h.client.TaskStatus(ctx, reply.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "success", st.Status)
	assert.Equal(t, "Routed: plan", st.Response)
}

func TestPostChatWithoutSession(t *testing.T) {
	h := newHarness(t, devserver.Options{})

	_, err := h.client.PostChat(context.Background(), envelope("hi", domain.ModeDirect))
	assert.True(t, shared.IsAuth(err))
	assert.Zero(t, h.srv.ChatCalls())
}

func TestPostChatOffline(t *testing.T) {
	h := newHarness(t, devserver.Options{})
	_, err := h.client.Login(context.Background(), "u1")
	require.NoError(t, err)
	h.conn.SetOnline(false)

	_, err = h.client.PostChat(context.Background(), envelope("hi", domain.ModeDirect))
	assert.Equal(t, shared.KindOffline, shared.KindOf(err))
	assert.Zero(t, h.srv.ChatCalls())
}

func TestLogoutClearsCredentials(t *testing.T) {
	h := newHarness(t, devserver.Options{})
	ctx := context.Background()
	_, err := h.client.Login(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, h.client.Logout(ctx))
	assert.False(t, h.acc.IsSessionValid())
	assert.True(t, h.acc.Lost())

	_, err = h.client.PostChat(ctx, envelope("hi", domain.ModeDirect))
	assert.True(t, shared.IsAuth(err))
}
