package pdserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndIs(t *testing.T) {
	t.Parallel()

	err := New("repo.PutRecord", KindInvalidInput, "bad key")
	require.True(t, Is(err, KindInvalidInput))
	require.False(t, Is(err, KindNotFound))
	require.Contains(t, err.Error(), "repo.PutRecord")
	require.Contains(t, err.Error(), "bad key")
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	wrapped := Wrap("events.Persist", KindTransient, cause)
	require.True(t, Is(wrapped, KindTransient))
	require.True(t, errors.Is(wrapped, cause))
	require.ErrorIs(t, wrapped, cause)
}

func TestWrapNilReturnsNil(t *testing.T) {
	t.Parallel()
	require.Nil(t, Wrap("op", KindTransient, nil))
}

func TestWithCodeCarriesWireCode(t *testing.T) {
	t.Parallel()

	err := WithCode("events.Subscribe", KindCursorOutOfRange, "FutureCursor", "cursor ahead of current seq")
	require.Equal(t, "FutureCursor", CodeOf(err))
	require.True(t, Is(err, KindCursorOutOfRange))
}

func TestCodeOfEmptyForPlainError(t *testing.T) {
	t.Parallel()
	require.Equal(t, "", CodeOf(errors.New("not a pdserr.Error")))
}

func TestIsFalseForPlainError(t *testing.T) {
	t.Parallel()
	require.False(t, Is(errors.New("plain"), KindNotFound))
}

func TestErrorWrapsSentinelsViaFmtErrorf(t *testing.T) {
	t.Parallel()

	// pdserr.Error values are commonly built around fmt.Errorf("%w: %s", ...)
	// wrapping one of this package's sentinels, as internal/blockstore
	// does for a missing block.
	inner := fmt.Errorf("%w: bafy...", ErrKeyNotFound)
	err := Wrap("blockstore.Get", KindNotFound, inner)

	require.True(t, errors.Is(err, ErrKeyNotFound))
	require.True(t, Is(err, KindNotFound))
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := Wrap("op", KindIntegrity, cause)
	require.Equal(t, cause, errors.Unwrap(err))
}
