package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wavenet/access-control-plane/internal/model"
)

const paymentColumns = `reference, tenant, session_id, amount, phone, coalesce(checkout_request_id, ''), status,
       result_code, result_desc, receipt, created_at, updated_at`

type PaymentResultInput struct {
	Reference  string
	Status     model.PaymentStatus
	ResultCode string
	ResultDesc string
	Receipt    string
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	if err := row.Scan(
		&p.Reference, &p.Tenant, &p.SessionID, &p.Amount, &p.Phone, &p.CheckoutRequestID, &p.Status,
		&p.ResultCode, &p.ResultDesc, &p.Receipt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// InsertPayment records a charge for a PendingPayment session. The session
// reference doubles as the payment reference.
func (s *Store) InsertPayment(ctx context.Context, p model.Payment) (*model.Payment, error) {
	const q = `
insert into payments (reference, tenant, session_id, amount, phone, status, created_at, updated_at)
values ($1, $2, $3, $4, $5, 'pending', now(), now())
returning ` + paymentColumns
	return scanPayment(s.db.QueryRow(ctx, q, p.Reference, p.Tenant, p.SessionID, p.Amount, p.Phone))
}

func (s *Store) SetCheckoutRequestID(ctx context.Context, reference, checkoutID string) error {
	tag, err := s.db.Exec(ctx, `update payments set checkout_request_id = $2, updated_at = now() where reference = $1`, reference, checkoutID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, reference string) (*model.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, `select `+paymentColumns+` from payments where reference = $1`, reference))
}

func (s *Store) GetPaymentByCheckoutID(ctx context.Context, checkoutID string) (*model.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, `select `+paymentColumns+` from payments where checkout_request_id = $1`, checkoutID))
}

// GetPendingPaymentByAccountRef finds a tenant's newest unsettled charge
// whose reference starts with the account reference the payer entered.
func (s *Store) GetPendingPaymentByAccountRef(ctx context.Context, tenant, accountRef string) (*model.Payment, error) {
	const q = `
select ` + paymentColumns + `
from payments
where tenant = $1 and status = 'pending' and lower(left(reference, $3)) = lower($2)
order by created_at desc
limit 1`
	return scanPayment(s.db.QueryRow(ctx, q, tenant, accountRef, len(accountRef)))
}

// SetPaymentResult settles a pending payment. It reports false when the
// payment was already settled, so duplicate outcomes are no-ops.
func (s *Store) SetPaymentResult(ctx context.Context, in PaymentResultInput) (bool, error) {
	const q = `
update payments
set status = $2, result_code = $3, result_desc = $4, receipt = $5, updated_at = now()
where reference = $1 and status = 'pending'`
	tag, err := s.db.Exec(ctx, q, in.Reference, in.Status, in.ResultCode, in.ResultDesc, in.Receipt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPendingPayments returns charges still unsettled that were created
// before olderThan and have a gateway checkout id to query.
func (s *Store) ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error) {
	const q = `
select ` + paymentColumns + `
from payments
where status = 'pending' and checkout_request_id is not null and created_at < $1
order by created_at asc
limit $2`
	rows, err := s.db.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
