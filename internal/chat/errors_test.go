package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("handle: %w", StoreUnavailable(cause))

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, CodeStoreUnavailable, CodeOf(err))
	assert.Contains(t, err.Error(), "database is locked")
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{StoreUnavailable(errors.New("x")), true},
		{ErrRateLimited, true},
		{ErrSessionClosed, false},
		{ErrAlreadyTakenOver, false},
		{Malformed("text is required"), false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestMalformed(t *testing.T) {
	err := Malformed("unknown event type %q", "shout")
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.Equal(t, `[MALFORMED_EVENT] unknown event type "shout"`, err.Error())
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
