package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wavenet/access-control-plane/internal/model"
)

type RedeemVoucherInput struct {
	RouterID string
	Code     string
	Password string
	Key      string
}

// InsertVoucher reports false when the code already exists on the router.
func (s *Store) InsertVoucher(ctx context.Context, v model.Voucher) (bool, error) {
	const q = `
insert into vouchers (router_id, code, password, plan_id, consumed, consumed_by, created_at)
values ($1, $2, $3, $4, false, '', now())
on conflict (router_id, code) do nothing`
	tag, err := s.db.Exec(ctx, q, v.RouterID, v.Code, v.Password, v.PlanID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListVouchers(ctx context.Context, routerID string, includeConsumed bool) ([]model.Voucher, error) {
	const q = `
select router_id, code, password, plan_id, consumed, consumed_by, consumed_at, created_at
from vouchers
where router_id = $1 and ($2 or not consumed)
order by created_at desc, code asc`
	rows, err := s.db.Query(ctx, q, routerID, includeConsumed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Voucher, 0)
	for rows.Next() {
		var v model.Voucher
		if err := rows.Scan(&v.RouterID, &v.Code, &v.Password, &v.PlanID, &v.Consumed, &v.ConsumedBy, &v.ConsumedAt, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RedeemVoucher consumes the voucher and opens a confirmed session for key in
// one transaction. The voucher row is locked so concurrent redemptions of the
// same code serialize and only the first succeeds.
func (s *Store) RedeemVoucher(ctx context.Context, in RedeemVoucherInput) (*model.Voucher, *model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	const lookup = `
select router_id, code, password, plan_id, consumed, consumed_by, consumed_at, created_at
from vouchers
where router_id = $1 and code = $2
for update`
	var v model.Voucher
	err = tx.QueryRow(ctx, lookup, in.RouterID, in.Code).Scan(
		&v.RouterID, &v.Code, &v.Password, &v.PlanID, &v.Consumed, &v.ConsumedBy, &v.ConsumedAt, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		var elsewhere bool
		if err := tx.QueryRow(ctx, `select exists(select 1 from vouchers where code = $1 and router_id <> $2)`, in.Code, in.RouterID).Scan(&elsewhere); err != nil {
			return nil, nil, err
		}
		if elsewhere {
			return nil, nil, model.ErrVoucherRouterMismatch
		}
		return nil, nil, model.ErrVoucherNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if v.Consumed {
		return nil, nil, fmt.Errorf("%w: by %s", model.ErrVoucherAlreadyConsumed, v.ConsumedBy)
	}
	// A wrong password is indistinguishable from an unknown code.
	if v.Password != "" && v.Password != in.Password {
		return nil, nil, model.ErrVoucherNotFound
	}

	now := utcNow()
	const consume = `
update vouchers
set consumed = true, consumed_by = $3, consumed_at = $4
where router_id = $1 and code = $2 and not consumed`
	tag, err := tx.Exec(ctx, consume, in.RouterID, in.Code, in.Key, now)
	if err != nil {
		return nil, nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, model.ErrVoucherAlreadyConsumed
	}
	v.Consumed, v.ConsumedBy, v.ConsumedAt = true, in.Key, &now

	sess, err := insertSession(ctx, tx, CreateSessionInput{
		Reference: v.Reference(),
		RouterID:  v.RouterID,
		PlanID:    v.PlanID,
		Key:       in.Key,
		Source:    model.SourceVoucher,
	}, model.ProvisionPending, &now)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return &v, sess, nil
}
