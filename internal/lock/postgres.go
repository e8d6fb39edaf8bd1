package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

const tryXactLock = `select pg_try_advisory_xact_lock(hashtext($1))`

// TxBeginner is the part of a pgx pool the Postgres locker needs.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresLocker holds keys as transaction-scoped advisory locks, so every
// process sharing the database excludes the others without Redis. Each held
// key pins one pooled connection until unlock; a crashed holder's lock goes
// with its connection. Keys whose hashes collide only serialize each other.
type PostgresLocker struct {
	db     TxBeginner
	prefix string
	retry  time.Duration
}

func NewPostgresLocker(db TxBeginner, prefix string) *PostgresLocker {
	return &PostgresLocker{db: db, prefix: prefix, retry: 50 * time.Millisecond}
}

func (l *PostgresLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.db == nil {
		return nil, errors.New("lock postgres: database not configured")
	}
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	rollback := func() {
		// The caller's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tx.Rollback(releaseCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.WithError(err).WithField("key", key).Warn("lock postgres: release failed")
		}
	}
	for {
		var ok bool
		if err := tx.QueryRow(ctx, tryXactLock, l.prefix+key).Scan(&ok); err != nil {
			rollback()
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			rollback()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	var once sync.Once
	return func() { once.Do(rollback) }, nil
}
