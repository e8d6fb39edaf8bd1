package app

import (
	"context"
	"testing"

	"github.com/wavenet/access-control-plane/internal/config"
	"github.com/wavenet/access-control-plane/internal/daraja"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/vault"
)

func TestNewSealer_Local(t *testing.T) {
	cfg := config.Config{VaultProvider: "local", VaultMasterKey: "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="}
	s, err := NewSealer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := s.Seal(context.Background(), vault.ScopeRouter, []byte("pw"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	out, err := s.Open(context.Background(), vault.ScopeRouter, sealed)
	if err != nil || string(out) != "pw" {
		t.Fatalf("round trip failed: %q %v", out, err)
	}

	cfg.VaultMasterKey = "c2hvcnQ="
	if _, err := NewSealer(context.Background(), cfg); err == nil {
		t.Fatal("expected short master key to be rejected")
	}
}

func TestNewPaymentGateway(t *testing.T) {
	if _, ok := NewPaymentGateway(config.Config{PaymentProvider: "fake"}).(*daraja.Fake); !ok {
		t.Fatal("fake provider must use the in-memory gateway")
	}
	if _, ok := NewPaymentGateway(config.Config{PaymentProvider: "daraja", DarajaBaseURL: daraja.SandboxBaseURL}).(*daraja.Client); !ok {
		t.Fatal("daraja provider must use the HTTP client")
	}
}

func TestRouterPoolOptions_FakeFactoryReusesGatewayPerRouter(t *testing.T) {
	cfg := config.Config{RouterProvider: "fake", Tunables: config.DefaultTunables()}
	opts := routerPoolOptions(cfg)
	if opts.Factory == nil {
		t.Fatal("expected fake factory")
	}
	a := opts.Factory(model.ManagedRouter{ID: "rtr_1"}, "pw")
	b := opts.Factory(model.ManagedRouter{ID: "rtr_1"}, "pw")
	if a != b {
		t.Fatal("expected the same fake gateway for one router")
	}
	if opts.Retry.MaxAttempts != cfg.Tunables.RouterRetryAttempts {
		t.Fatalf("unexpected retry policy: %+v", opts.Retry)
	}

	if routerPoolOptions(config.Config{RouterProvider: "routeros"}).Factory != nil {
		t.Fatal("routeros provider should use the pool's default client factory")
	}
}
