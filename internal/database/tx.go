package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	MaxRetries     int
	// LockTimeout caps how long any statement in the transaction waits for a
	// row lock. It is further reduced to whatever is left of the context
	// deadline.
	LockTimeout time.Duration
}

const defaultLockTimeout = 3 * time.Second

func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		MaxRetries:     3,
		LockTimeout:    defaultLockTimeout,
	}
}

// WithTransaction runs fn as one unit of work. Any error or panic from fn
// rolls the transaction back; the transaction is committed only when fn
// returns nil.
func WithTransaction(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	return TranslateError(runOnce(ctx, db, opts, fn))
}

// WithRetry is WithTransaction with retries on deadlocks, serialization
// failures and lock timeouts. fn must be safe to run more than once.
func WithRetry(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	var lastErr error
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return TranslateError(lastErr)
			}
			return TranslateError(ctx.Err())
		default:
		}

		err := runOnce(ctx, db, opts, fn)
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			return TranslateError(err)
		}

		lastErr = err
		if attempt == opts.MaxRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		sleepDuration := backoff + jitter

		select {
		case <-time.After(sleepDuration):
		case <-ctx.Done():
			return TranslateError(lastErr)
		}

		backoff *= 2
	}

	return TranslateError(fmt.Errorf("max retries (%d) exceeded: %w", opts.MaxRetries, lastErr))
}

func runOnce(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) (err error) {
	lockTimeout, err := effectiveLockTimeout(ctx, opts.LockTimeout)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone && err != nil {
			err = fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
	}()

	// SET does not accept bind parameters; the value is an integer we format.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true

	return nil
}

func effectiveLockTimeout(ctx context.Context, limit time.Duration) (time.Duration, error) {
	if limit <= 0 {
		limit = defaultLockTimeout
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	if remaining < limit {
		limit = remaining
	}
	if limit < time.Millisecond {
		limit = time.Millisecond
	}
	return limit, nil
}
