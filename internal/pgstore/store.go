// Package pgstore implements matrix.Store on PostgreSQL. Each unit of work
// runs in a serializable transaction and is retried as a whole on
// serialization failures, deadlocks and lost slot races.
package pgstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stagematrix/internal/matrix"
	"stagematrix/internal/metrics"
)

const (
	maxAttempts    = 8
	firstRetry     = 75 * time.Millisecond
	retryCeiling   = 1200 * time.Millisecond
	codeSerialize  = "40001"
	codeDeadlock   = "40P01"
	codeUniqueViol = "23505"
)

type Store struct {
	db      *pgxpool.Pool
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(db *pgxpool.Pool, logger *slog.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger, metrics: m}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, l matrix.Ledger) error) error {
	retryDelay := firstRetry
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(ctx, &ledger{tx: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return matrix.ErrTxConflict
		}
		s.metrics.TxRetry()
		s.log.Debug("retrying ledger transaction", "attempt", attempt+1, "delay", retryDelay, "err", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		retryDelay = nextDelay(retryDelay)
	}
	return matrix.ErrTxConflict
}

func isRetryable(err error) bool {
	if errors.Is(err, matrix.ErrSlotTaken) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerialize || pgErr.Code == codeDeadlock
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViol
}

func nextDelay(d time.Duration) time.Duration {
	if d < retryCeiling {
		d *= 2
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
