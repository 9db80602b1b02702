package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/chatlink/internal/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type claimsKey struct{}

// LoginResponse is the body returned by POST /auth/login.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	CSRFToken   string    `json:"csrf_token"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IssueToken signs an HS256 credential for userID in a new session.
func IssueToken(key []byte, userID string, ttl time.Duration) (string, *identity.Claims, error) {
	now := time.Now()
	claims := &identity.Claims{
		SessionID: uuid.NewString(),
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", nil, err
	}
	return tok, claims, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "guest-" + uuid.NewString()[:8]
	}

	tok, claims, err := IssueToken(s.opts.SigningKey, req.UserID, s.opts.TokenTTL)
	if err != nil {
		s.logger.Error("Failed to sign token", "error", err)
		Error(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	csrf := uuid.NewString()
	s.mu.Lock()
	s.csrf[claims.SessionID] = csrf
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     identity.AccessCookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  claims.ExpiresAt.Time,
	})
	s.logger.Info("User logged in", "user_id", req.UserID, "session_id", claims.SessionID)
	JSON(w, http.StatusOK, LoginResponse{
		AccessToken: tok,
		CSRFToken:   csrf,
		UserID:      req.UserID,
		SessionID:   claims.SessionID,
		ExpiresAt:   claims.ExpiresAt.Time,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   identity.AccessCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// requireAuth verifies the credential and, when configured, the CSRF header.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			Error(w, http.StatusUnauthorized, err.Error())
			return
		}
		if s.opts.RequireCSRF && r.Method != http.MethodGet {
			s.mu.Lock()
			want := s.csrf[claims.SessionID]
			s.mu.Unlock()
			if want == "" || r.Header.Get(identity.CSRFHeaderName) != want {
				Error(w, http.StatusForbidden, "csrf token mismatch")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// authenticate reads the credential from the Authorization header, the
// access cookie, or the token query parameter, in that order.
func (s *Server) authenticate(r *http.Request) (*identity.Claims, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		if c, err := r.Cookie(identity.AccessCookieName); err == nil {
			tok = c.Value
		}
	}
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return nil, errors.New("missing credential")
	}

	claims := &identity.Claims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return s.opts.SigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.New("invalid credential")
	}
	return claims, nil
}

func claimsFrom(ctx context.Context) *identity.Claims {
	c, _ := ctx.Value(claimsKey{}).(*identity.Claims)
	return c
}
