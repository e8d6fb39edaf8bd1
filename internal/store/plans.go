package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wavenet/access-control-plane/internal/model"
)

const planColumns = `p.id, p.router_id, p.name, p.price, p.time_limit, p.time_unit, p.data_limit, p.data_unit,
       p.shared_users, p.rate_limit, p.profile, p.service, p.enabled, p.created_at, p.updated_at`

func scanPlan(row pgx.Row) (*model.Plan, error) {
	var p model.Plan
	if err := row.Scan(
		&p.ID, &p.RouterID, &p.Name, &p.Price, &p.TimeLimit, &p.TimeUnit, &p.DataLimit, &p.DataUnit,
		&p.SharedUsers, &p.RateLimit, &p.Profile, &p.Service, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func collectPlans(rows pgx.Rows) ([]model.Plan, error) {
	defer rows.Close()
	out := make([]model.Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
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

// CreatePlan stores an already validated plan.
func (s *Store) CreatePlan(ctx context.Context, p model.Plan) (*model.Plan, error) {
	id := "pln_" + uuid.NewString()
	const q = `
insert into plans as p
  (id, router_id, name, price, time_limit, time_unit, data_limit, data_unit, shared_users, rate_limit, profile, service, enabled, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
returning ` + planColumns
	return scanPlan(s.db.QueryRow(ctx, q,
		id, p.RouterID, p.Name, p.Price, p.TimeLimit, p.TimeUnit, p.DataLimit, p.DataUnit,
		p.SharedUsers, p.RateLimit, p.Profile, p.Service, p.Enabled,
	))
}

// UpdatePlan rewrites a plan in place. Sessions already Active keep the
// window and queue they were provisioned with.
func (s *Store) UpdatePlan(ctx context.Context, p model.Plan) (*model.Plan, error) {
	const q = `
update plans as p
set name = $2, price = $3, time_limit = $4, time_unit = $5, data_limit = $6, data_unit = $7,
    shared_users = $8, rate_limit = $9, profile = $10, service = $11, enabled = $12, updated_at = now()
where p.id = $1
returning ` + planColumns
	return scanPlan(s.db.QueryRow(ctx, q,
		p.ID, p.Name, p.Price, p.TimeLimit, p.TimeUnit, p.DataLimit, p.DataUnit,
		p.SharedUsers, p.RateLimit, p.Profile, p.Service, p.Enabled,
	))
}

func (s *Store) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	return scanPlan(s.db.QueryRow(ctx, `select `+planColumns+` from plans p where p.id = $1`, id))
}

func (s *Store) ListPlans(ctx context.Context, routerID string) ([]model.Plan, error) {
	rows, err := s.db.Query(ctx, `select `+planColumns+` from plans p where p.router_id = $1 order by p.price asc, p.name asc`, routerID)
	if err != nil {
		return nil, err
	}
	return collectPlans(rows)
}

// ListPlansForRouterAddress returns the enabled plans offered on the router
// reachable at address, cheapest first.
func (s *Store) ListPlansForRouterAddress(ctx context.Context, address string) ([]model.Plan, error) {
	const q = `
select ` + planColumns + `
from plans p
join routers r on r.id = p.router_id
where r.address = $1 and p.enabled
order by p.price asc, p.name asc`
	rows, err := s.db.Query(ctx, q, address)
	if err != nil {
		return nil, err
	}
	return collectPlans(rows)
}
