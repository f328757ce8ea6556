package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(ErrorTypeValidation, "bad input")
	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "validation: bad input", err.Error())
	assert.NotEmpty(t, err.Stack)
}

func TestNewf(t *testing.T) {
	err := Newf(ErrorTypeQuery, "row %d rejected", 7)
	assert.Equal(t, "query: row 7 rejected", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrorTypeConnection, "dial failed")

	require.NotNil(t, err)
	assert.Equal(t, "connection: dial failed: connection refused", err.Error())
	assert.True(t, stderrors.Is(err, cause))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestWrapKeepsOriginalStack(t *testing.T) {
	inner := New(ErrorTypeQuery, "syntax error")
	outer := Wrap(inner, ErrorTypeBatch, "chunk failed")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, IsType(outer, ErrorTypeBatch))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline")))
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "reset")))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "bad")))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeData, "scan failed")
	assert.True(t, IsType(err, ErrorTypeData))
	assert.False(t, IsType(err, ErrorTypeQuery))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeData))

	// Matching through wrapping layers.
	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsType(wrapped, ErrorTypeData))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeBatch, "chunk failed").
		WithDetail("chunk_index", 3).
		WithDetail("chunk_size", 500)

	assert.Equal(t, 3, err.Details["chunk_index"])
	assert.Equal(t, 500, err.Details["chunk_size"])
}
