package ironerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(CodePolicyDenied, "no matching rule")
	require.NotEmpty(t, err.Stack)
	assert.Equal(t, CodePolicyDenied, err.Code)
	assert.False(t, err.IsRetryable())
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "unreachable"))
}

func TestWrapPreservesUnderlying(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeBackendConnect, "dial failed")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeEscalationTimeout, "approver did not respond").
		WithContext("escalationId", "01HXYZ").
		WithRetryable(true)
	assert.Equal(t, "01HXYZ", err.Context["escalationId"])
	assert.True(t, err.IsRetryable())
}

func TestIsAndGetCode(t *testing.T) {
	err := New(CodeRoleUnknown, "unregistered role")
	assert.True(t, Is(err, CodeRoleUnknown))
	assert.False(t, Is(err, CodeInternal))
	assert.Equal(t, CodeRoleUnknown, GetCode(err))
	assert.Equal(t, Code(""), GetCode(nil))

	plain := errors.New("plain")
	assert.Equal(t, CodeInternal, GetCode(plain))
}
