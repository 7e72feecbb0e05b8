package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"tabularis.dev/core/internal/apperr"
)

func TestAs_ExtractsWrappedError(t *testing.T) {
	base := apperr.NotFoundf("dataset %s not found", "d1")
	wrapped := fmt.Errorf("loading dataset: %w", base)

	got, ok := apperr.As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, apperr.NotFound, got.Kind)
}

func TestAs_FalseForPlainError(t *testing.T) {
	_, ok := apperr.As(errors.New("boom"))
	assert.False(t, ok)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, apperr.IsNotFound(apperr.NotFoundf("x")))
	assert.False(t, apperr.IsNotFound(apperr.Conflictf("x")))
	assert.False(t, apperr.IsNotFound(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.NotFound, http.StatusNotFound},
		{apperr.ValidationError, http.StatusUnprocessableEntity},
		{apperr.PermissionDenied, http.StatusForbidden},
		{apperr.Conflict, http.StatusConflict},
		{apperr.BusinessRuleViolation, http.StatusBadRequest},
		{apperr.ResourceExhausted, http.StatusTooManyRequests},
		{apperr.ExternalServiceError, http.StatusBadGateway},
		{apperr.Internal, http.StatusInternalServerError},
		{apperr.Kind("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, apperr.HTTPStatus(tt.kind))
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := apperr.ExternalServicef(cause, "call upstream")
	assert.ErrorIs(t, e, cause)
}

func TestPermissionDeniedErr(t *testing.T) {
	e := apperr.PermissionDeniedErr("dataset", "d1", "write")
	assert.Equal(t, apperr.PermissionDenied, e.Kind)
	assert.Equal(t, "write", e.Details["required"])
}
