//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestChatError(t *testing.T) {
	tests := []struct {
		err       error
		status    int
		retryable bool
	}{
		{chat.ErrSessionNotFound, http.StatusNotFound, false},
		{chat.ErrSessionClosed, http.StatusConflict, false},
		{chat.ErrAlreadyTakenOver, http.StatusConflict, false},
		{chat.ErrNotAuthorized, http.StatusForbidden, false},
		{chat.Malformed("bad"), http.StatusBadRequest, false},
		{chat.ErrRateLimited, http.StatusTooManyRequests, true},
		{fmt.Errorf("commit: %w", chat.StoreUnavailable(errors.New("locked"))), http.StatusServiceUnavailable, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		ChatError(w, tt.err)
		assert.Equal(t, tt.status, w.Code, "%v", tt.err)

		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.NotEmpty(t, body["error"])
		if code := chat.CodeOf(tt.err); code != "" {
			assert.Equal(t, string(code), body["code"])
			assert.Equal(t, tt.retryable, body["retryable"])
		}
	}
}
