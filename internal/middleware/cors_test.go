package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantStatus int
		wantOrigin string
		wantCreds  string
	}{
		{"explicit origin", []string{"http://app.local"}, "http://app.local", http.MethodGet, http.StatusTeapot, "http://app.local", "true"},
		{"wildcard has no credentials", []string{"*"}, "http://other.local", http.MethodGet, http.StatusTeapot, "http://other.local", ""},
		{"rejected origin", []string{"http://app.local"}, "http://evil.local", http.MethodGet, http.StatusTeapot, "", ""},
		{"preflight", []string{"*"}, "http://app.local", http.MethodOptions, http.StatusNoContent, "http://app.local", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/chat", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
