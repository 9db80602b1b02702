package domain

import (
	"time"
)

// Session is an authenticated period tied to a credential.
type Session struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	CSRFToken string    `json:"-"`
}

// ValidAt reports whether the session is still usable at now given a skew buffer.
// A session exactly at ExpiresAt-buffer is treated as expired.
func (s Session) ValidAt(now time.Time, buffer time.Duration) bool {
	return now.Before(s.ExpiresAt.Add(-buffer))
}

// TTL returns the time left before the session stops being valid.
// Returns 0 if it has already expired.
func (s Session) TTL(now time.Time, buffer time.Duration) time.Duration {
	ttl := s.ExpiresAt.Add(-buffer).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
