package identity

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/chatlink/internal/shared"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, sessionID string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SessionID: sessionID,
		UserID:    "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(epoch),
		},
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func newTestAccessor(t *testing.T, now time.Time) (*Accessor, http.CookieJar, *url.URL) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	origin, err := url.Parse("http://chat.local")
	require.NoError(t, err)
	return NewAccessor(jar, origin, &MemoryTokenStore{}, WithClock(func() time.Time { return now })), jar, origin
}

func TestGetTokenNoCredential(t *testing.T) {
	a, _, _ := newTestAccessor(t, epoch)

	_, err := a.GetToken()
	require.Error(t, err)
	assert.Equal(t, shared.KindNoCredential, shared.KindOf(err))
	assert.False(t, a.IsSessionValid())
}

func TestMalformedCredential(t *testing.T) {
	a, _, _ := newTestAccessor(t, epoch)

	err := a.Establish("not-a-jwt", "")
	require.Error(t, err)
	assert.Equal(t, shared.KindMalformedCredential, shared.KindOf(err))
}

func TestCookieOverridesFallbackStore(t *testing.T) {
	a, jar, origin := newTestAccessor(t, epoch)

	stored := signToken(t, "stored", epoch.Add(time.Hour))
	cookie := signToken(t, "cookie", epoch.Add(time.Hour))
	require.NoError(t, a.Establish(stored, "csrf-1"))
	jar.SetCookies(origin, []*http.Cookie{{Name: AccessCookieName, Value: cookie, Path: "/"}})

	tok, err := a.GetToken()
	require.NoError(t, err)
	assert.Equal(t, cookie, tok)
	assert.Equal(t, AuthMethodCookie, a.AuthMethod())

	s, err := a.Session()
	require.NoError(t, err)
	assert.Equal(t, "cookie", s.SessionID)
	assert.Equal(t, "csrf-1", s.CSRFToken)
}

func TestIsSessionValidSkewBoundary(t *testing.T) {
	exp := epoch.Add(10 * time.Minute)
	tests := []struct {
		name  string
		now   time.Time
		valid bool
	}{
		{"well before", epoch, true},
		{"one second before buffer", exp.Add(-31 * time.Second), true},
		{"exactly at expiry minus buffer", exp.Add(-30 * time.Second), false},
		{"inside buffer", exp.Add(-10 * time.Second), false},
		{"after expiry", exp.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := newTestAccessor(t, tt.now)
			require.NoError(t, a.Establish(signToken(t, "s1", exp), ""))
			assert.Equal(t, tt.valid, a.IsSessionValid())
		})
	}
}

func TestSessionTTL(t *testing.T) {
	a, _, _ := newTestAccessor(t, epoch)
	assert.Zero(t, a.SessionTTL())

	require.NoError(t, a.Establish(signToken(t, "s1", epoch.Add(10*time.Minute)), ""))
	assert.Equal(t, 10*time.Minute-30*time.Second, a.SessionTTL())

	late, _, _ := newTestAccessor(t, epoch.Add(time.Hour))
	require.NoError(t, late.Establish(signToken(t, "s1", epoch.Add(10*time.Minute)), ""))
	assert.Zero(t, late.SessionTTL())
}

func TestInvalidateIsIdempotent(t *testing.T) {
	a, jar, origin := newTestAccessor(t, epoch)
	tok := signToken(t, "s1", epoch.Add(time.Hour))
	require.NoError(t, a.Establish(tok, "csrf"))
	jar.SetCookies(origin, []*http.Cookie{{Name: AccessCookieName, Value: tok, Path: "/"}})

	var fired atomic.Int32
	a.OnSessionLost(func(string) { fired.Add(1) })

	gen := a.Generation()
	assert.True(t, a.Invalidate("expired"))
	assert.False(t, a.Invalidate("expired"))
	assert.False(t, a.Invalidate("401"))

	assert.Equal(t, int32(1), fired.Load())
	assert.NotEqual(t, gen, a.Generation())
	assert.True(t, a.Lost())
	assert.Empty(t, a.CSRFToken())
	_, err := a.GetToken()
	assert.Equal(t, shared.KindNoCredential, shared.KindOf(err))

	// A new session re-arms the notification.
	require.NoError(t, a.Establish(tok, ""))
	assert.False(t, a.Lost())
	assert.True(t, a.Invalidate("logout"))
	assert.Equal(t, int32(2), fired.Load())
}

func TestOnSessionLostUnsubscribe(t *testing.T) {
	a, _, _ := newTestAccessor(t, epoch)
	require.NoError(t, a.Establish(signToken(t, "s1", epoch.Add(time.Hour)), ""))

	var fired atomic.Int32
	unsubscribe := a.OnSessionLost(func(string) { fired.Add(1) })
	unsubscribe()
	unsubscribe()

	a.Clear()
	assert.Zero(t, fired.Load())
}
