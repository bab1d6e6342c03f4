package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"sentinel", ErrTransactionConflict, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"not found", ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConflict(tt.err))
		})
	}
}

func TestWithConflictRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		err := withConflictRetry(ctx, fastRetry(), nil, func() error {
			calls++
			return ErrNotFound
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("pg conflict exhausts into sentinel", func(t *testing.T) {
		var seen []int
		err := withConflictRetry(ctx, fastRetry(), func(attempt int, _ error) {
			seen = append(seen, attempt)
		}, func() error {
			return &pgconn.PgError{Code: "40001"}
		})
		assert.ErrorIs(t, err, ErrTransactionConflict)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		err := withConflictRetry(ctx, fastRetry(), nil, func() error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: "40P01"}
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})
}
