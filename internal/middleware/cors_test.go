package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantStatus  int
		wantOrigin  string
		wantCredits string
	}{
		{"wildcard echoes origin without credentials", []string{"*"}, http.MethodGet, "https://shop.example", http.StatusTeapot, "https://shop.example", ""},
		{"explicit origin gets credentials", []string{"https://admin.example"}, http.MethodPost, "https://admin.example", http.StatusTeapot, "https://admin.example", "true"},
		{"unknown origin gets no headers", []string{"https://admin.example"}, http.MethodGet, "https://evil.example", http.StatusTeapot, "", ""},
		{"no origin header", []string{"*"}, http.MethodGet, "", http.StatusTeapot, "", ""},
		{"preflight short-circuits", []string{"*"}, http.MethodOptions, "https://shop.example", http.StatusNoContent, "https://shop.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat/session", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredits, rec.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		})
	}
}
