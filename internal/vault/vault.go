package vault

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/store"
)

type CredentialStore interface {
	UpsertCredentials(ctx context.Context, in store.SealedCredentials) error
	GetCredentials(ctx context.Context, tenant string) (*store.SealedCredentials, error)
	SetCallbackURL(ctx context.Context, tenant, url string, at time.Time) error
}

// Registrar tells the payment gateway where to deliver a shortcode's
// direct-payment confirmations and validation requests.
type Registrar interface {
	RegisterURLs(ctx context.Context, creds model.GatewayCredentials, confirmationURL, validationURL string) error
}

// Vault keeps tenants' gateway credentials sealed. Secret fields never leave
// it except through DecryptForUse.
type Vault struct {
	store        CredentialStore
	sealer       Sealer
	registrar    Registrar
	callbackBase string
	callbackKey  []byte
	now          func() time.Time
}

// New builds a vault. callbackSecret keys the per-tenant tokens embedded in
// callback URLs.
func New(st CredentialStore, sealer Sealer, registrar Registrar, callbackBase, callbackSecret string) *Vault {
	return &Vault{
		store:        st,
		sealer:       sealer,
		registrar:    registrar,
		callbackBase: strings.TrimRight(callbackBase, "/"),
		callbackKey:  []byte(callbackSecret),
		now:          time.Now,
	}
}

type sealedPayload struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	Passkey        string `json:"passkey"`
	Shortcode      string `json:"shortcode,omitempty"`
	TillNumber     string `json:"till_number,omitempty"`
	StoreNumber    string `json:"store_number,omitempty"`
}

// Store validates, seals and persists a tenant's credentials, replacing any
// previous set.
func (v *Vault) Store(ctx context.Context, tenant string, in model.CredentialsInput) (model.CredentialSummary, error) {
	creds, err := in.Credentials(tenant)
	if err != nil {
		return model.CredentialSummary{}, err
	}
	payload := sealedPayload{
		ConsumerKey:    creds.ConsumerKey,
		ConsumerSecret: creds.ConsumerSecret,
		Passkey:        creds.Passkey,
	}
	if creds.Paybill != nil {
		payload.Shortcode = creds.Paybill.Shortcode
	}
	if creds.Till != nil {
		payload.TillNumber = creds.Till.TillNumber
		payload.StoreNumber = creds.Till.StoreNumber
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.CredentialSummary{}, err
	}
	sealed, err := v.sealer.Seal(ctx, CredentialScope(creds.Tenant), raw)
	clear(raw)
	if err != nil {
		return model.CredentialSummary{}, fmt.Errorf("seal credentials: %w", err)
	}
	if err := v.store.UpsertCredentials(ctx, store.SealedCredentials{
		Tenant:        creds.Tenant,
		Kind:          creds.Kind(),
		ShortcodeHint: hint(creds.PartyB()),
		Sealed:        sealed,
	}); err != nil {
		return model.CredentialSummary{}, err
	}
	log.WithFields(log.Fields{"event": "credentials_stored", "tenant": creds.Tenant, "kind": creds.Kind()}).Info("gateway credentials stored")
	return v.Describe(ctx, creds.Tenant)
}

// Describe returns the non-secret view of a tenant's credentials.
func (v *Vault) Describe(ctx context.Context, tenant string) (model.CredentialSummary, error) {
	row, err := v.load(ctx, tenant)
	if err != nil {
		return model.CredentialSummary{}, err
	}
	return model.CredentialSummary{
		Tenant:               row.Tenant,
		Kind:                 row.Kind,
		ShortcodeHint:        row.ShortcodeHint,
		CallbackURL:          row.CallbackURL,
		CallbackRegisteredAt: row.CallbackRegisteredAt,
		UpdatedAt:            row.UpdatedAt,
	}, nil
}

// DecryptForUse opens the credentials for an outbound gateway call. The
// result must not be logged or serialized.
func (v *Vault) DecryptForUse(ctx context.Context, tenant string) (model.GatewayCredentials, error) {
	row, err := v.load(ctx, tenant)
	if err != nil {
		return model.GatewayCredentials{}, err
	}
	raw, err := v.sealer.Open(ctx, CredentialScope(row.Tenant), row.Sealed)
	if err != nil {
		return model.GatewayCredentials{}, fmt.Errorf("open credentials for %s: %w", tenant, err)
	}
	defer clear(raw)
	var p sealedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.GatewayCredentials{}, fmt.Errorf("decode credentials for %s: %w", tenant, err)
	}
	out := model.GatewayCredentials{
		Tenant:         row.Tenant,
		ConsumerKey:    p.ConsumerKey,
		ConsumerSecret: p.ConsumerSecret,
		Passkey:        p.Passkey,
	}
	if row.Kind == model.KindTill {
		out.Till = &model.TillAccount{TillNumber: p.TillNumber, StoreNumber: p.StoreNumber}
	} else {
		out.Paybill = &model.PaybillAccount{Shortcode: p.Shortcode}
	}
	return out, nil
}

// CallbackURL is where the gateway posts a tenant's payment results. The
// last path segment is the tenant's callback token.
func (v *Vault) CallbackURL(tenant string) string {
	return v.callbackBase + "/api/v1/payments/callback/" + tenant + "/" + v.callbackToken(tenant)
}

// VerifyCallback reports whether token is the one issued in tenant's
// callback URL.
func (v *Vault) VerifyCallback(tenant, token string) bool {
	if tenant == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(v.callbackToken(tenant)))
}

// C2BURL is where the gateway posts a tenant's direct-payment requests;
// kind is "confirmation" or "validation".
func (v *Vault) C2BURL(tenant, kind string) string {
	return v.callbackBase + "/api/v1/payments/c2b/" + tenant + "/" + v.callbackToken(tenant) + "/" + kind
}

func (v *Vault) callbackToken(tenant string) string {
	mac := hmac.New(sha256.New, v.callbackKey)
	mac.Write([]byte("callback:" + tenant))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:32]
}

// RegisterCallback registers the tenant's direct-payment endpoints with the
// gateway and records the confirmation URL. Registering again overwrites
// the stored URL. STK pushes carry CallbackURL themselves.
func (v *Vault) RegisterCallback(ctx context.Context, tenant string) (model.CredentialSummary, error) {
	creds, err := v.DecryptForUse(ctx, tenant)
	if err != nil {
		return model.CredentialSummary{}, err
	}
	url := v.C2BURL(creds.Tenant, "confirmation")
	if err := v.registrar.RegisterURLs(ctx, creds, url, v.C2BURL(creds.Tenant, "validation")); err != nil {
		return model.CredentialSummary{}, fmt.Errorf("register callback for %s: %w", tenant, err)
	}
	if err := v.store.SetCallbackURL(ctx, creds.Tenant, url, v.now().UTC()); err != nil {
		return model.CredentialSummary{}, err
	}
	log.WithFields(log.Fields{"event": "callback_registered", "tenant": creds.Tenant, "url": url}).Info("payment callback registered")
	return v.Describe(ctx, creds.Tenant)
}

// SealRouterPassword seals a router management password for storage.
func (v *Vault) SealRouterPassword(ctx context.Context, password string) (string, error) {
	return v.sealer.Seal(ctx, ScopeRouter, []byte(password))
}

// Open lets the router pool unseal management passwords.
func (v *Vault) Open(ctx context.Context, scope, sealed string) ([]byte, error) {
	return v.sealer.Open(ctx, scope, sealed)
}

func (v *Vault) load(ctx context.Context, tenant string) (*store.SealedCredentials, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, &model.ValidationError{Field: "tenant", Reason: "is required"}
	}
	row, err := v.store.GetCredentials(ctx, tenant)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", model.ErrCredentialsNotFound, tenant)
		}
		return nil, err
	}
	return row, nil
}

// hint keeps the last three digits of the receiving account.
func hint(account string) string {
	if len(account) <= 3 {
		return strings.Repeat("*", len(account))
	}
	return strings.Repeat("*", len(account)-3) + account[len(account)-3:]
}
