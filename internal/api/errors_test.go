package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tphakala/birdframe/internal/errors"
)

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", errors.ErrInvalidInput, http.StatusBadRequest},
		{"unauthorized", errors.ErrUnauthorized, http.StatusUnauthorized},
		{"forbidden", errors.ErrForbidden, http.StatusForbidden},
		{"not found", errors.ErrNotFound, http.StatusNotFound},
		{"conflict", errors.ErrConflict, http.StatusConflict},
		{"range", errors.ErrUnsatisfiableRange, http.StatusRequestedRangeNotSatisfiable},
		{"rate limited", errors.ErrRateLimited, http.StatusTooManyRequests},
		{"upstream", errors.ErrUpstream, http.StatusBadGateway},
		{"not ready", errors.ErrNotReady, http.StatusServiceUnavailable},
		{"timeout sentinel", errors.ErrTimeout, http.StatusGatewayTimeout},
		{"context deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unclassified", errors.Newf("boom").Component("api").Build(), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, httpStatus(tc.err))
		})
	}
}

// Wrapped sentinels must map the same as the bare ones; inference timeouts
// reach handlers wrapped in builder metadata.
func TestHTTPStatusUnwrapsBuilderErrors(t *testing.T) {
	t.Parallel()

	err := errors.Newf("inference timeout: %w", errors.ErrTimeout).
		Component("classifier").
		Category(errors.CategoryTimeout).
		Build()
	assert.Equal(t, http.StatusGatewayTimeout, httpStatus(err))
}
