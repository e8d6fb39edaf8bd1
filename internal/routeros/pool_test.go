package routeros

import (
	"context"
	"errors"
	"testing"

	"github.com/wavenet/access-control-plane/internal/model"
)

type mockUnsealer struct {
	openFn func(ctx context.Context, scope, sealed string) ([]byte, error)
	calls  int
}

func (m *mockUnsealer) Open(ctx context.Context, scope, sealed string) ([]byte, error) {
	m.calls++
	return m.openFn(ctx, scope, sealed)
}

func TestPoolCachesByFingerprint(t *testing.T) {
	unsealer := &mockUnsealer{openFn: func(_ context.Context, scope, sealed string) ([]byte, error) {
		if scope != "router" {
			t.Fatalf("unexpected scope %q", scope)
		}
		return []byte("plain-" + sealed), nil
	}}
	var passwords []string
	pool := NewPool(unsealer, PoolOptions{Factory: func(_ model.ManagedRouter, password string) Gateway {
		passwords = append(passwords, password)
		return NewFakeGateway()
	}})
	router := model.ManagedRouter{ID: "r1", Address: "10.0.0.1", APIPort: 8728, Username: "api", PasswordSealed: "v1:abc"}

	first, err := pool.Gateway(context.Background(), router)
	if err != nil {
		t.Fatalf("Gateway: %v", err)
	}
	second, _ := pool.Gateway(context.Background(), router)
	if first != second {
		t.Fatal("expected cached gateway for unchanged router")
	}
	if unsealer.calls != 1 || passwords[0] != "plain-v1:abc" {
		t.Fatalf("expected one unseal with opened password, got calls=%d passwords=%v", unsealer.calls, passwords)
	}

	router.PasswordSealed = "v1:def"
	third, _ := pool.Gateway(context.Background(), router)
	if third == first {
		t.Fatal("expected rebuilt gateway after credential change")
	}

	pool.Invalidate("r1")
	fourth, _ := pool.Gateway(context.Background(), router)
	if fourth == third {
		t.Fatal("expected rebuilt gateway after invalidate")
	}
}

func TestPoolUnsealFailure(t *testing.T) {
	pool := NewPool(&mockUnsealer{openFn: func(context.Context, string, string) ([]byte, error) {
		return nil, errors.New("bad key")
	}}, PoolOptions{})
	if _, err := pool.Gateway(context.Background(), model.ManagedRouter{ID: "r1"}); err == nil {
		t.Fatal("expected unseal error")
	}
}

func TestFakeFactoryReturnsSameFakePerRouter(t *testing.T) {
	ff := NewFakeFactory()
	pool := NewPool(nil, PoolOptions{Factory: ff.New})
	gw, err := pool.Retrying(context.Background(), model.ManagedRouter{ID: "r1", PasswordSealed: "pw"})
	if err != nil {
		t.Fatalf("Retrying: %v", err)
	}
	if _, err := gw.UpsertAccount(context.Background(), model.Account{Username: "alice"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if _, ok := ff.Get("r1").Account("alice"); !ok {
		t.Fatal("expected account on router r1 fake")
	}
	if _, ok := ff.Get("r2").Account("alice"); ok {
		t.Fatal("router r2 must be isolated")
	}
}
