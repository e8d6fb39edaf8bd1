package store

import (
	"context"
	"time"

	"github.com/wavenet/access-control-plane/internal/model"
)

// SealedCredentials is the stored form of a tenant's gateway credentials.
// Sealed holds the vault ciphertext of the whole credential set.
type SealedCredentials struct {
	Tenant               string
	Kind                 model.CredentialKind
	ShortcodeHint        string
	Sealed               string
	CallbackURL          string
	CallbackRegisteredAt *time.Time
	UpdatedAt            time.Time
}

func (s *Store) UpsertCredentials(ctx context.Context, in SealedCredentials) error {
	const q = `
insert into gateway_credentials (tenant, kind, shortcode_hint, sealed, created_at, updated_at)
values ($1, $2, $3, $4, now(), now())
on conflict (tenant)
do update set
  kind = excluded.kind,
  shortcode_hint = excluded.shortcode_hint,
  sealed = excluded.sealed,
  updated_at = now()`
	_, err := s.db.Exec(ctx, q, in.Tenant, in.Kind, in.ShortcodeHint, in.Sealed)
	return err
}

func (s *Store) GetCredentials(ctx context.Context, tenant string) (*SealedCredentials, error) {
	const q = `
select tenant, kind, shortcode_hint, sealed, callback_url, callback_registered_at, updated_at
from gateway_credentials
where tenant = $1`
	var out SealedCredentials
	if err := s.db.QueryRow(ctx, q, tenant).Scan(
		&out.Tenant, &out.Kind, &out.ShortcodeHint, &out.Sealed, &out.CallbackURL, &out.CallbackRegisteredAt, &out.UpdatedAt,
	); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// SetCallbackURL overwrites the registered callback.
func (s *Store) SetCallbackURL(ctx context.Context, tenant, url string, at time.Time) error {
	const q = `
update gateway_credentials
set callback_url = $2, callback_registered_at = $3, updated_at = now()
where tenant = $1`
	tag, err := s.db.Exec(ctx, q, tenant, url, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
