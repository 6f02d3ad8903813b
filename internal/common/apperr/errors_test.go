package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFound(t *testing.T) {
	err := NotFound("session", "abc123")
	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.Contains(t, err.Error(), "abc123")
}

func TestAtCapacity(t *testing.T) {
	err := AtCapacity("max_bots reached")
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus)
	assert.Equal(t, ErrCodeAtCapacity, err.Code)
}

func TestRateLimited(t *testing.T) {
	err := RateLimited("1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
}

func TestStoreUnavailable_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := StoreUnavailable(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeStoreUnavailable, err.Code)
}

func TestWrap_PreservesCode(t *testing.T) {
	inner := NotFound("session", "xyz")
	wrapped := Wrap(inner, "during cleanup")
	assert.Equal(t, ErrCodeNotFound, wrapped.Code)
	assert.Equal(t, inner.HTTPStatus, wrapped.HTTPStatus)
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "whatever"))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("session", "id")))
	assert.False(t, IsNotFound(BadRequest("bad")))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestGetHTTPStatus_NonAppError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
}
