package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wavenet/access-control-plane/internal/model"
)

const routerColumns = `id, name, address, api_port, tenant, username, password_sealed, created_at, updated_at`

type CreateRouterInput struct {
	Name           string
	Address        string
	APIPort        int
	Tenant         string
	Username       string
	PasswordSealed string
}

func scanRouter(row pgx.Row) (*model.ManagedRouter, error) {
	var r model.ManagedRouter
	if err := row.Scan(&r.ID, &r.Name, &r.Address, &r.APIPort, &r.Tenant, &r.Username, &r.PasswordSealed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) CreateRouter(ctx context.Context, in CreateRouterInput) (*model.ManagedRouter, error) {
	if in.APIPort == 0 {
		in.APIPort = 8728
	}
	id := "rtr_" + uuid.NewString()
	const q = `
insert into routers (id, name, address, api_port, tenant, username, password_sealed, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, now(), now())
returning ` + routerColumns
	r, err := scanRouter(s.db.QueryRow(ctx, q, id, in.Name, in.Address, in.APIPort, in.Tenant, in.Username, in.PasswordSealed))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &model.ValidationError{Field: "address", Reason: fmt.Sprintf("router %s already registered", in.Address)}
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) GetRouter(ctx context.Context, id string) (*model.ManagedRouter, error) {
	return scanRouter(s.db.QueryRow(ctx, `select `+routerColumns+` from routers where id = $1`, id))
}

func (s *Store) GetRouterByAddress(ctx context.Context, address string) (*model.ManagedRouter, error) {
	return scanRouter(s.db.QueryRow(ctx, `select `+routerColumns+` from routers where address = $1`, address))
}

func (s *Store) ListRouters(ctx context.Context) ([]model.ManagedRouter, error) {
	rows, err := s.db.Query(ctx, `select `+routerColumns+` from routers order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ManagedRouter, 0)
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRouterCredentials rotates the management login. Callers must
// invalidate any cached client for the router.
func (s *Store) UpdateRouterCredentials(ctx context.Context, id, username, passwordSealed string) (*model.ManagedRouter, error) {
	const q = `
update routers
set username = $2, password_sealed = $3, updated_at = now()
where id = $1
returning ` + routerColumns
	return scanRouter(s.db.QueryRow(ctx, q, id, username, passwordSealed))
}

// DeleteRouter refuses while any Active session references the router.
func (s *Store) DeleteRouter(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var active int
	if err := tx.QueryRow(ctx, `select count(*) from sessions where router_id = $1 and status = 'active'`, id).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("%w: %d active", model.ErrRouterInUse, active)
	}
	tag, err := tx.Exec(ctx, `delete from routers where id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
