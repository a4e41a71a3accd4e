package ctierrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Conflict, "ship failed", cause)

	require.True(t, Is(err, Conflict))
	require.False(t, Is(err, Fatal))
	require.ErrorIs(t, err, cause)
}

func TestNewHasNoCause(t *testing.T) {
	err := New(NotFound, "missing.txt")
	require.Equal(t, "NotFound: missing.txt", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestLastErrorRoundTrip(t *testing.T) {
	SetLastError(New(WlmError, "sbcast failed"))
	require.Equal(t, "WlmError: sbcast failed", LastError())

	SetLastError(nil)
	require.Equal(t, "WlmError: sbcast failed", LastError(), "SetLastError(nil) must not clear the slot")
}

func TestKindStringUnknown(t *testing.T) {
	require.Equal(t, "Unknown", Kind(999).String())
}
