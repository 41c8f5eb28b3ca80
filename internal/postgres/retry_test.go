// internal/postgres/retry_test.go
package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"bookswap/internal/swap"
	"bookswap/pkg/eventstore"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: codeSerializationFailure}, true},
		{"deadlock", fmt.Errorf("update: %w", &pq.Error{Code: codeDeadlockDetected}), true},
		{"stream moved", fmt.Errorf("append: %w", eventstore.ErrConcurrencyConflict), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"domain error", &swap.OwnershipChangedError{}, false},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryable(tc.err))
		})
	}
}
