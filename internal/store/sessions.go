package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wavenet/access-control-plane/internal/model"
)

const sessionColumns = `s.id, s.reference, s.router_id, s.plan_id, s.client_key, s.source, s.payer_phone, s.status,
       s.provision_state, s.provision_attempts, s.provision_error, s.next_attempt_at, s.failure_reason, s.queue_name,
       s.confirmed_at, s.started_at, s.ends_at, s.stopped_at, s.last_seen_at, s.created_at, s.updated_at`

type CreateSessionInput struct {
	Reference  string
	RouterID   string
	PlanID     string
	Key        string
	Source     model.SessionSource
	PayerPhone string
}

type ActivateSessionInput struct {
	SessionID string
	QueueName string
	StartedAt time.Time
	EndsAt    time.Time
}

type ProvisionFailureInput struct {
	SessionID     string
	Error         string
	NextAttemptAt time.Time
	// Exhausted flags the session for operator intervention.
	Exhausted bool
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	if err := row.Scan(
		&out.ID, &out.Reference, &out.RouterID, &out.PlanID, &out.Key, &out.Source, &out.PayerPhone, &out.Status,
		&out.ProvisionState, &out.ProvisionAttempts, &out.ProvisionError, &out.NextAttemptAt, &out.FailureReason, &out.QueueName,
		&out.ConfirmedAt, &out.StartedAt, &out.EndsAt, &out.StoppedAt, &out.LastSeenAt, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()
	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func insertSession(ctx context.Context, q querier, in CreateSessionInput, state model.ProvisionState, confirmedAt *time.Time) (*model.Session, error) {
	id := "ses_" + uuid.NewString()
	const insert = `
insert into sessions as s
  (id, reference, router_id, plan_id, client_key, source, payer_phone, status, provision_state, confirmed_at, next_attempt_at, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, 'pending_payment', $8, $9, $9, now(), now())
returning ` + sessionColumns
	return scanSession(q.QueryRow(ctx, insert, id, in.Reference, in.RouterID, in.PlanID, in.Key, in.Source, in.PayerPhone, state, confirmedAt))
}

func getActiveSession(ctx context.Context, q querier, routerID, key string) (*model.Session, error) {
	const active = `
select ` + sessionColumns + `
from sessions s
where s.router_id = $1 and s.client_key = $2 and s.status = 'active'
limit 1`
	sess, err := scanSession(q.QueryRow(ctx, active, routerID, key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// CreatePendingSession opens a PendingPayment session unless key already
// holds an Active session on the router.
func (s *Store) CreatePendingSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sess, err := createPendingSessionTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func createPendingSessionTx(ctx context.Context, tx pgx.Tx, in CreateSessionInput) (*model.Session, error) {
	existing, err := getActiveSession(ctx, tx, in.RouterID, in.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: session %s ends %v", model.ErrAlreadyActive, existing.Reference, existing.EndsAt)
	}
	return insertSession(ctx, tx, in, model.ProvisionNone, nil)
}

func (s *Store) GetSessionByReference(ctx context.Context, reference string) (*model.Session, error) {
	return scanSession(s.db.QueryRow(ctx, `select `+sessionColumns+` from sessions s where s.reference = $1`, reference))
}

func (s *Store) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	return scanSession(s.db.QueryRow(ctx, `select `+sessionColumns+` from sessions s where s.id = $1`, id))
}

// GetActiveSession returns nil when key has no Active session on the router.
func (s *Store) GetActiveSession(ctx context.Context, routerID, key string) (*model.Session, error) {
	return getActiveSession(ctx, s.db, routerID, key)
}

func (s *Store) HasActiveSession(ctx context.Context, routerID, key string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `select exists(select 1 from sessions where router_id = $1 and client_key = $2 and status = 'active')`, routerID, key).Scan(&ok)
	return ok, err
}

// MarkConfirmed records that the charge succeeded and queues the session for
// provisioning. It reports false when the session was already confirmed or
// is no longer pending.
func (s *Store) MarkConfirmed(ctx context.Context, reference string) (bool, error) {
	const q = `
update sessions
set provision_state = 'pending', confirmed_at = now(), next_attempt_at = now(), failure_reason = '', updated_at = now()
where reference = $1 and status = 'pending_payment' and provision_state = 'none'`
	tag, err := s.db.Exec(ctx, q, reference)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailureReason keeps the session pending and notes why the charge did
// not complete.
func (s *Store) RecordFailureReason(ctx context.Context, reference, reason string) error {
	const q = `
update sessions
set failure_reason = $2, updated_at = now()
where reference = $1 and status = 'pending_payment'`
	_, err := s.db.Exec(ctx, q, reference, reason)
	return err
}

// ActivateSession is the ledger half of activation. Any other Active session
// for the same key on the router becomes Disconnected in the same
// transaction, then this one becomes Active.
func (s *Store) ActivateSession(ctx context.Context, in ActivateSessionInput) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const supersede = `
update sessions p
set status = 'disconnected', stopped_at = $2, updated_at = now()
from sessions s
where s.id = $1 and p.router_id = s.router_id and p.client_key = s.client_key and p.status = 'active' and p.id <> s.id`
	if _, err := tx.Exec(ctx, supersede, in.SessionID, in.StartedAt); err != nil {
		return nil, err
	}

	const activate = `
update sessions as s
set status = 'active', provision_state = 'done', provision_error = '', next_attempt_at = null,
    queue_name = $2, started_at = $3, ends_at = $4, updated_at = now()
where s.id = $1 and s.status = 'pending_payment'
returning ` + sessionColumns
	sess, err := scanSession(tx.QueryRow(ctx, activate, in.SessionID, in.QueueName, in.StartedAt, in.EndsAt))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// RecordProvisionFailure bumps the attempt counter and schedules the next try.
func (s *Store) RecordProvisionFailure(ctx context.Context, in ProvisionFailureInput) (*model.Session, error) {
	state := model.ProvisionPending
	if in.Exhausted {
		state = model.ProvisionFailed
	}
	const q = `
update sessions as s
set provision_attempts = s.provision_attempts + 1, provision_error = $2, next_attempt_at = $3,
    provision_state = $4, updated_at = now()
where s.id = $1 and s.status = 'pending_payment'
returning ` + sessionColumns
	return scanSession(s.db.QueryRow(ctx, q, in.SessionID, in.Error, in.NextAttemptAt, state))
}

// ListProvisionDue returns confirmed sessions whose next provisioning attempt
// is due, oldest first.
func (s *Store) ListProvisionDue(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.status = 'pending_payment' and s.provision_state = 'pending'
  and (s.next_attempt_at is null or s.next_attempt_at <= $1)
order by s.next_attempt_at asc nulls first
limit $2`
	rows, err := s.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (s *Store) ListProvisionFailed(ctx context.Context) ([]model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.status = 'pending_payment' and s.provision_state = 'failed'
order by s.updated_at desc`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ResetProvisioning puts a failed session back in the retry queue.
func (s *Store) ResetProvisioning(ctx context.Context, reference string) (*model.Session, error) {
	const q = `
update sessions as s
set provision_state = 'pending', provision_attempts = 0, next_attempt_at = now(), updated_at = now()
where s.reference = $1 and s.status = 'pending_payment' and s.provision_state in ('pending', 'failed')
returning ` + sessionColumns
	return scanSession(s.db.QueryRow(ctx, q, reference))
}

// ListExpiredActive returns Active sessions whose end time is before now.
func (s *Store) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.status = 'active' and s.ends_at < $1
order by s.ends_at asc
limit $2`
	rows, err := s.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (s *Store) ListActiveSessions(ctx context.Context, routerID string) ([]model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.router_id = $1 and s.status = 'active'
order by s.ends_at asc`
	rows, err := s.db.Query(ctx, q, routerID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// MarkExpired reports false when the session was no longer Active.
func (s *Store) MarkExpired(ctx context.Context, id string) (bool, error) {
	return s.endSession(ctx, id, model.SessionExpired)
}

func (s *Store) MarkDisconnected(ctx context.Context, id string) (bool, error) {
	return s.endSession(ctx, id, model.SessionDisconnected)
}

func (s *Store) endSession(ctx context.Context, id string, status model.SessionStatus) (bool, error) {
	const q = `
update sessions
set status = $2, stopped_at = now(), updated_at = now()
where id = $1 and status = 'active'`
	tag, err := s.db.Exec(ctx, q, id, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSeen stamps last_seen_at on Active sessions whose key is online.
func (s *Store) MarkSeen(ctx context.Context, routerID string, keys []string, at time.Time) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	const q = `
update sessions
set last_seen_at = $3
where router_id = $1 and status = 'active' and client_key = any($2)`
	tag, err := s.db.Exec(ctx, q, routerID, keys, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
