package errors

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeConnection, "connection refused")

	assert.Equal(t, "connection: connection refused", err.Error())
	assert.True(t, IsType(err, ErrorTypeConnection))
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(io.EOF, ErrorTypeQuery, "scan failed")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "query: scan failed: EOF", err.Error())

	assert.Nil(t, Wrap(nil, ErrorTypeQuery, "ignored"))
}

func TestWrapKeepsOriginalStack(t *testing.T) {
	inner := New(ErrorTypeConnection, "dial failed")
	outer := Wrap(inner, ErrorTypeAcquireTimeout, "acquire failed")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, IsType(outer, ErrorTypeAcquireTimeout))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeStatementTimeout, "query cancelled").
		WithDetail("timeout_ms", 100).
		WithDetail("sql", "SELECT 1")

	assert.Equal(t, 100, err.Details["timeout_ms"])
	assert.Equal(t, "SELECT 1", err.Details["sql"])
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{
		ErrorTypeAcquireTimeout,
		ErrorTypeStatementTimeout,
		ErrorTypeConnection,
	}
	for _, typ := range retryable {
		assert.True(t, IsRetryable(New(typ, "x")), "%s should be retryable", typ)
	}

	terminal := []ErrorType{
		ErrorTypeQuery,
		ErrorTypeCache,
		ErrorTypePoolClosed,
		ErrorTypeConfig,
		ErrorTypeWorker,
		ErrorTypeInternal,
	}
	for _, typ := range terminal {
		assert.False(t, IsRetryable(New(typ, "x")), "%s should not be retryable", typ)
	}

	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeQuery, TypeOf(New(ErrorTypeQuery, "x")))
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))

	// Wrapped errors report the outermost classification.
	wrapped := Wrap(New(ErrorTypeConnection, "dial"), ErrorTypeAcquireTimeout, "acquire")
	assert.Equal(t, ErrorTypeAcquireTimeout, TypeOf(wrapped))
}
