package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes that mean "another transaction won, run it again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// RetryConfig bounds how often a conflicting transaction is re-run.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry bound used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// IsConflict reports whether err is a transient write-write or
// serialization conflict.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransactionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return true
		}
	}
	return false
}

// withConflictRetry re-runs attempt while it fails with a conflict. Other
// errors are returned as-is on first occurrence. Exhausting the bound yields
// an error wrapping ErrTransactionConflict.
func withConflictRetry(ctx context.Context, cfg RetryConfig, onConflict func(attempt int, err error), attempt func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := attempt()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsConflict(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if onConflict != nil {
			onConflict(tries, err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxAttempts)))

	if err != nil && IsConflict(err) && !errors.Is(err, ErrTransactionConflict) {
		return fmt.Errorf("%w after %d attempts: %v", ErrTransactionConflict, tries, err)
	}
	return err
}
