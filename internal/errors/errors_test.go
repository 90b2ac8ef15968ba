package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetServiceErrorUnwrapsChain(t *testing.T) {
	base := Conflict("order moved")
	wrapped := fmt.Errorf("transition: %w", base)

	se := GetServiceError(wrapped)
	require.NotNil(t, se)
	assert.Equal(t, CodeConflict, se.Code)
	assert.Equal(t, http.StatusConflict, HTTPStatus(wrapped))
}

func TestHTTPStatusDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("boom")))
	assert.Nil(t, GetServiceError(stderrors.New("boom")))
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	orig := Validation("title", "title is required")
	extended := orig.WithDetails("max", 200)

	assert.Len(t, orig.Details, 1)
	assert.Len(t, extended.Details, 2)
	assert.Equal(t, "title", extended.Details["field"])
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(CodeIllegalTransition, "nope", http.StatusConflict))
	assert.True(t, stderrors.Is(err, &ServiceError{Code: CodeIllegalTransition}))
	assert.False(t, stderrors.Is(err, &ServiceError{Code: CodeConflict}))
	assert.True(t, IsCode(err, CodeIllegalTransition))
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := stderrors.New("dial tcp: timeout")
	err := Upstream("supabase", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)
	assert.Equal(t, "supabase", err.Details["service"])
}
