package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/smithy-go"

	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/store"
)

func testSealer(t *testing.T) *LocalSealer {
	t.Helper()
	s, err := NewLocalSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewLocalSealer: %v", err)
	}
	return s
}

type memCredStore struct {
	rows map[string]store.SealedCredentials
}

func (m *memCredStore) UpsertCredentials(_ context.Context, in store.SealedCredentials) error {
	prev := m.rows[in.Tenant]
	in.CallbackURL = prev.CallbackURL
	in.CallbackRegisteredAt = prev.CallbackRegisteredAt
	in.UpdatedAt = time.Now()
	m.rows[in.Tenant] = in
	return nil
}

func (m *memCredStore) GetCredentials(_ context.Context, tenant string) (*store.SealedCredentials, error) {
	row, ok := m.rows[tenant]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memCredStore) SetCallbackURL(_ context.Context, tenant, url string, at time.Time) error {
	row, ok := m.rows[tenant]
	if !ok {
		return store.ErrNotFound
	}
	row.CallbackURL = url
	row.CallbackRegisteredAt = &at
	m.rows[tenant] = row
	return nil
}

type mockRegistrar struct {
	registerFn func(ctx context.Context, creds model.GatewayCredentials, confirmationURL, validationURL string) error
}

func (m *mockRegistrar) RegisterURLs(ctx context.Context, creds model.GatewayCredentials, confirmationURL, validationURL string) error {
	return m.registerFn(ctx, creds, confirmationURL, validationURL)
}

func TestLocalSealer_RoundTripAndScopeBinding(t *testing.T) {
	s := testSealer(t)
	ctx := context.Background()
	sealed, err := s.Seal(ctx, CredentialScope("acme"), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:") || strings.Contains(sealed, "secret") {
		t.Fatalf("unexpected sealed form %q", sealed)
	}
	got, err := s.Open(ctx, CredentialScope("acme"), sealed)
	if err != nil || string(got) != "secret" {
		t.Fatalf("Open: %q %v", got, err)
	}
	if _, err := s.Open(ctx, CredentialScope("other"), sealed); err == nil {
		t.Fatal("expected open under another scope to fail")
	}
	if _, err := s.Open(ctx, CredentialScope("acme"), "v1:!!"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	again, _ := s.Seal(ctx, CredentialScope("acme"), []byte("secret"))
	if again == sealed {
		t.Fatal("expected a fresh nonce per seal")
	}
}

func TestParseMasterKey(t *testing.T) {
	if _, err := ParseMasterKey(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Fatal("expected short key to be rejected")
	}
	key, err := ParseMasterKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil || len(key) != 32 {
		t.Fatalf("ParseMasterKey: %d %v", len(key), err)
	}
}

func TestVault_StoreNeverExposesSecrets(t *testing.T) {
	st := &memCredStore{rows: map[string]store.SealedCredentials{}}
	v := New(st, testSealer(t), nil, "https://portal.example/", "cb-secret")
	ctx := context.Background()

	sum, err := v.Store(ctx, "acme", model.CredentialsInput{
		Type:           "paybill",
		ConsumerKey:    "ck-123",
		ConsumerSecret: "cs-456",
		Passkey:        "pk-789",
		Shortcode:      "174379",
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if sum.Kind != model.KindPaybill || sum.ShortcodeHint != "***379" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	row := st.rows["acme"]
	for _, secret := range []string{"ck-123", "cs-456", "pk-789"} {
		if strings.Contains(row.Sealed, secret) {
			t.Fatalf("secret %q stored in clear", secret)
		}
	}

	creds, err := v.DecryptForUse(ctx, "acme")
	if err != nil {
		t.Fatalf("DecryptForUse: %v", err)
	}
	if creds.ConsumerSecret != "cs-456" || creds.Passkey != "pk-789" || creds.Paybill == nil || creds.Paybill.Shortcode != "174379" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestVault_TillRoundTrip(t *testing.T) {
	st := &memCredStore{rows: map[string]store.SealedCredentials{}}
	v := New(st, testSealer(t), nil, "https://portal.example", "cb-secret")
	ctx := context.Background()
	if _, err := v.Store(ctx, "acme", model.CredentialsInput{
		Type: "till", ConsumerKey: "ck", ConsumerSecret: "cs", Passkey: "pk",
		TillNumber: "5551234", StoreNumber: "600100",
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	creds, err := v.DecryptForUse(ctx, "acme")
	if err != nil {
		t.Fatalf("DecryptForUse: %v", err)
	}
	if creds.Kind() != model.KindTill || creds.PartyB() != "5551234" || creds.BusinessShortcode() != "600100" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestVault_StoreRejectsCrossTagFields(t *testing.T) {
	v := New(&memCredStore{rows: map[string]store.SealedCredentials{}}, testSealer(t), nil, "", "cb-secret")
	_, err := v.Store(context.Background(), "acme", model.CredentialsInput{
		Type: "paybill", ConsumerKey: "ck", ConsumerSecret: "cs", Passkey: "pk",
		Shortcode: "174379", TillNumber: "1",
	})
	if !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVault_MissingTenant(t *testing.T) {
	v := New(&memCredStore{rows: map[string]store.SealedCredentials{}}, testSealer(t), nil, "", "cb-secret")
	if _, err := v.Describe(context.Background(), "nobody"); !errors.Is(err, model.ErrCredentialsNotFound) {
		t.Fatalf("expected credentials not found, got %v", err)
	}
	if _, err := v.DecryptForUse(context.Background(), "nobody"); !errors.Is(err, model.ErrCredentialsNotFound) {
		t.Fatalf("expected credentials not found, got %v", err)
	}
}

func TestVault_RegisterCallbackOverwrites(t *testing.T) {
	st := &memCredStore{rows: map[string]store.SealedCredentials{}}
	var urls []string
	reg := &mockRegistrar{registerFn: func(_ context.Context, creds model.GatewayCredentials, confirm, validate string) error {
		if creds.Passkey != "pk" {
			t.Errorf("registrar got wrong credentials")
		}
		if !strings.HasSuffix(confirm, "/confirmation") || !strings.HasSuffix(validate, "/validation") {
			t.Errorf("unexpected c2b urls %q %q", confirm, validate)
		}
		if strings.Contains(confirm, "/payments/callback/") {
			t.Errorf("c2b confirmations must not go to the stk callback: %q", confirm)
		}
		urls = append(urls, confirm)
		return nil
	}}
	v := New(st, testSealer(t), reg, "https://portal.example/", "cb-secret")
	ctx := context.Background()
	if _, err := v.Store(ctx, "acme", model.CredentialsInput{
		Type: "paybill", ConsumerKey: "ck", ConsumerSecret: "cs", Passkey: "pk", Shortcode: "174379",
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	for i := 0; i < 2; i++ {
		sum, err := v.RegisterCallback(ctx, "acme")
		if err != nil {
			t.Fatalf("RegisterCallback: %v", err)
		}
		if sum.CallbackURL != v.C2BURL("acme", "confirmation") || sum.CallbackRegisteredAt == nil {
			t.Fatalf("unexpected summary %+v", sum)
		}
	}
	if len(urls) != 2 || urls[0] != urls[1] {
		t.Fatalf("expected the same URL registered twice, got %v", urls)
	}
}

func TestVault_CallbackTokenIsPerTenant(t *testing.T) {
	v := New(&memCredStore{rows: map[string]store.SealedCredentials{}}, testSealer(t), nil, "https://portal.example/", "cb-secret")
	url := v.CallbackURL("acme")
	prefix := "https://portal.example/api/v1/payments/callback/acme/"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("unexpected callback url %q", url)
	}
	token := strings.TrimPrefix(url, prefix)
	if len(token) != 32 {
		t.Fatalf("expected 32 character token, got %q", token)
	}

	tests := []struct {
		name   string
		tenant string
		token  string
		want   bool
	}{
		{"issued token", "acme", token, true},
		{"other tenant", "globex", token, false},
		{"empty token", "acme", "", false},
		{"truncated token", "acme", token[:31], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.VerifyCallback(tt.tenant, tt.token); got != tt.want {
				t.Fatalf("VerifyCallback(%q) = %v, want %v", tt.tenant, got, tt.want)
			}
		})
	}

	other := New(&memCredStore{rows: map[string]store.SealedCredentials{}}, testSealer(t), nil, "https://portal.example/", "rotated")
	if other.VerifyCallback("acme", token) {
		t.Fatal("token must not verify under another secret")
	}
}

func TestVault_RegisterCallbackGatewayError(t *testing.T) {
	st := &memCredStore{rows: map[string]store.SealedCredentials{}}
	reg := &mockRegistrar{registerFn: func(context.Context, model.GatewayCredentials, string, string) error {
		return model.ErrGatewayRejected
	}}
	v := New(st, testSealer(t), reg, "https://portal.example", "cb-secret")
	ctx := context.Background()
	_, _ = v.Store(ctx, "acme", model.CredentialsInput{
		Type: "paybill", ConsumerKey: "ck", ConsumerSecret: "cs", Passkey: "pk", Shortcode: "174379",
	})
	if _, err := v.RegisterCallback(ctx, "acme"); !errors.Is(err, model.ErrGatewayRejected) {
		t.Fatalf("expected gateway rejection, got %v", err)
	}
	if st.rows["acme"].CallbackURL != "" {
		t.Fatal("callback URL must not be recorded on failure")
	}
}

type fakeKMS struct {
	failures int
	calls    int
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	}
	key := bytes.Repeat([]byte{9}, 32)
	return &kms.GenerateDataKeyOutput{
		Plaintext:      key,
		CiphertextBlob: []byte("wrapped:" + in.EncryptionContext["scope"]),
	}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.calls++
	if string(in.CiphertextBlob) != "wrapped:"+in.EncryptionContext["scope"] {
		return nil, &smithy.GenericAPIError{Code: "InvalidCiphertextException", Message: "bad context"}
	}
	return &kms.DecryptOutput{Plaintext: bytes.Repeat([]byte{9}, 32)}, nil
}

func TestKMSSealer_EnvelopeRoundTrip(t *testing.T) {
	metrics.ResetDefaultForTest()
	api := &fakeKMS{failures: 1}
	s := &KMSSealer{client: api, keyID: "alias/acp", region: "af-south-1"}
	ctx := context.Background()

	sealed, err := s.Seal(ctx, ScopeRouter, []byte("router-pass"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "kms1:") {
		t.Fatalf("unexpected sealed form %q", sealed)
	}
	if got := metrics.Default().CounterValue("access_kms_retries_total", map[string]string{"op": "generate_data_key", "reason": "ThrottlingException"}); got != 1 {
		t.Fatalf("expected one retry, got %d", got)
	}
	got, err := s.Open(ctx, ScopeRouter, sealed)
	if err != nil || string(got) != "router-pass" {
		t.Fatalf("Open: %q %v", got, err)
	}
	if _, err := s.Open(ctx, CredentialScope("acme"), sealed); err == nil {
		t.Fatal("expected open under another scope to fail")
	}
}

func TestIsTransientKMSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, true},
		{"internal", &smithy.GenericAPIError{Code: "KMSInternalException"}, true},
		{"bad ciphertext", &smithy.GenericAPIError{Code: "InvalidCiphertextException"}, false},
		{"non aws error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientKMSError(tt.err); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryKMS_NonTransientDoesNotRetry(t *testing.T) {
	attempts := 0
	err := retryKMS(context.Background(), "decrypt", "af-south-1", func(context.Context) error {
		attempts++
		return &smithy.GenericAPIError{Code: "AccessDeniedException"}
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected one failed attempt, got %d err=%v", attempts, err)
	}
}
