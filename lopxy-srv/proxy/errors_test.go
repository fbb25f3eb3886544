package proxy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewConnectError(ErrCodeDialFailed, cause)

	assert.Equal(t, "[E2009] Failed to dial target address: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[E4004] Client sent no request", NewParseError(ErrCodeEmptyRequest, nil).Error())
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		err   error
		check func(error) bool
	}{
		{NewBindError("127.0.0.1:7237", errors.New("in use")), IsStartupError},
		{NewStartupError(ErrCodeInstanceFileFailed, nil), IsStartupError},
		{NewConnectError(ErrCodeSOCKS5ConnectFailed, nil), IsConnectError},
		{NewParseError(ErrCodeMalformedRequest, nil), IsParseError},
		{NewTransportError(ErrCodeTunnelFailed, nil), IsTransportError},
		{NewConfigError(ErrCodeInvalidURL, nil), IsConfigError},
		{NewPersistenceError(errors.New("disk full")), IsPersistenceError},
	}

	checks := []func(error) bool{IsStartupError, IsConnectError, IsParseError, IsTransportError, IsConfigError, IsPersistenceError}
	for _, tt := range tests {
		matched := 0
		for _, check := range checks {
			if check(tt.err) {
				matched++
			}
		}
		assert.True(t, tt.check(tt.err), tt.err.Error())
		assert.Equal(t, 1, matched, "%v belongs to exactly one category", tt.err)
	}

	wrapped := fmt.Errorf("outer: %w", NewConnectError(ErrCodeDialFailed, nil))
	assert.True(t, IsConnectError(wrapped))
	assert.False(t, IsConnectError(errors.New("plain")))
}

func TestGetErrorDescription(t *testing.T) {
	for code, desc := range ErrorDescriptions {
		assert.Equal(t, desc, GetErrorDescription(code))
	}
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "dial tcp: refused", outcome(NewConnectError(ErrCodeDialFailed, errors.New("dial tcp: refused"))))
	assert.Equal(t, "[E4004] Client sent no request", outcome(NewParseError(ErrCodeEmptyRequest, nil)))
	assert.Equal(t, "plain", outcome(errors.New("plain")))
}
