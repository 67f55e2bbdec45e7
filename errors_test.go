package smb3

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindTransportIo, "TransportIo"},
		{KindProtocolViolation, "ProtocolViolation"},
		{KindSecurityViolation, "SecurityViolation"},
		{KindServerStatus, "ServerStatus"},
		{KindCancelled, "Cancelled"},
		{KindDisconnected, "Disconnected"},
		{KindInsufficientCredits, "InsufficientCredits"},
		{KindUnsupported, "Unsupported"},
		{Kind(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestErrorMessageFormatting(t *testing.T) {
	e1 := newError("op1", KindProtocolViolation, "bad frame")
	assert.Contains(t, e1.Error(), "op1")
	assert.Contains(t, e1.Error(), "bad frame")

	e2 := wrapError("op2", KindTransportIo, errors.New("eof"))
	assert.Contains(t, e2.Error(), "op2")
	assert.Contains(t, e2.Error(), "eof")
	assert.ErrorIs(t, e2, e2.Err)

	e3 := serverStatusError("op3", STATUS_ACCESS_DENIED)
	assert.Contains(t, e3.Error(), "STATUS_ACCESS_DENIED")
	assert.Equal(t, KindServerStatus, e3.Kind)
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	e := wrapError("op", KindTransportIo, inner)
	require.Same(t, inner, errors.Unwrap(e))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.True(t, isRetryable(ErrInsufficientCredits))
	assert.True(t, isRetryable(wrapError("send", KindTransportIo, errors.New("reset"))))
	assert.True(t, isRetryable(wrapError("send", KindInsufficientCredits, errors.New("full"))))
	assert.False(t, isRetryable(wrapError("send", KindSecurityViolation, errors.New("bad sig"))))
	assert.False(t, isRetryable(ErrCancelled))

	// a net.Error marked temporary/timeout should be retryable even
	// when not wrapped in our own Error type.
	assert.True(t, isRetryable(&fakeNetError{timeout: true}))
	assert.True(t, isRetryable(&fakeNetError{temporary: true}))
	assert.False(t, isRetryable(&fakeNetError{}))
}

func TestIsRetryableUnwrapsChain(t *testing.T) {
	wrapped := wrapError("outer", KindTransportIo, wrapError("inner", KindTransportIo, errors.New("boom")))
	assert.True(t, isRetryable(wrapped))
}

type fakeNetError struct {
	timeout   bool
	temporary bool
}

func (f *fakeNetError) Error() string   { return "fake net error" }
func (f *fakeNetError) Timeout() bool   { return f.timeout }
func (f *fakeNetError) Temporary() bool { return f.temporary }
