package routeros

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wavenet/access-control-plane/internal/model"
)

// Unsealer opens vault ciphertext. Router management passwords are stored
// sealed under the "router" scope.
type Unsealer interface {
	Open(ctx context.Context, scope, sealed string) ([]byte, error)
}

// Factory builds a single-attempt gateway for a router once its password is
// known.
type Factory func(router model.ManagedRouter, password string) Gateway

type PoolOptions struct {
	Timeout time.Duration
	Retry   RetryPolicy
	Factory Factory
}

// Pool caches one gateway per router. An entry is rebuilt when the router's
// address or credentials change, or after Invalidate.
type Pool struct {
	unsealer Unsealer
	opts     PoolOptions

	mu      sync.Mutex
	entries map[string]poolEntry
}

type poolEntry struct {
	fingerprint string
	gw          Gateway
}

func NewPool(unsealer Unsealer, opts PoolOptions) *Pool {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Factory == nil {
		timeout := opts.Timeout
		opts.Factory = func(router model.ManagedRouter, password string) Gateway {
			return NewClient(router.ID, ClientOptions{
				Address:  router.Address,
				Port:     router.APIPort,
				Username: router.Username,
				Password: password,
				Timeout:  timeout,
			})
		}
	}
	return &Pool{unsealer: unsealer, opts: opts, entries: make(map[string]poolEntry)}
}

// Gateway returns the cached single-attempt gateway for router.
func (p *Pool) Gateway(ctx context.Context, router model.ManagedRouter) (Gateway, error) {
	fp := fingerprint(router)

	p.mu.Lock()
	if e, ok := p.entries[router.ID]; ok && e.fingerprint == fp {
		p.mu.Unlock()
		return e.gw, nil
	}
	p.mu.Unlock()

	password := router.PasswordSealed
	if p.unsealer != nil {
		raw, err := p.unsealer.Open(ctx, "router", router.PasswordSealed)
		if err != nil {
			return nil, fmt.Errorf("open router %s password: %w", router.ID, err)
		}
		password = string(raw)
	}
	gw := p.opts.Factory(router, password)

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[router.ID]; ok {
		if e.fingerprint == fp {
			closeGateway(gw)
			return e.gw, nil
		}
		closeGateway(e.gw)
	}
	p.entries[router.ID] = poolEntry{fingerprint: fp, gw: gw}
	return gw, nil
}

// Retrying returns the router's gateway wrapped with the pool retry policy.
func (p *Pool) Retrying(ctx context.Context, router model.ManagedRouter) (Gateway, error) {
	gw, err := p.Gateway(ctx, router)
	if err != nil {
		return nil, err
	}
	return Retrying(gw, p.opts.Retry), nil
}

func (p *Pool) Invalidate(routerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[routerID]; ok {
		closeGateway(e.gw)
		delete(p.entries, routerID)
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		closeGateway(e.gw)
		delete(p.entries, id)
	}
}

func closeGateway(gw Gateway) {
	if c, ok := gw.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func fingerprint(r model.ManagedRouter) string {
	h := sha256.New()
	for _, part := range []string{r.Address, strconv.Itoa(r.APIPort), r.Username, r.PasswordSealed} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FakeFactory hands out one FakeGateway per router id.
type FakeFactory struct {
	mu    sync.Mutex
	fakes map[string]*FakeGateway
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{fakes: make(map[string]*FakeGateway)}
}

func (f *FakeFactory) New(router model.ManagedRouter, _ string) Gateway {
	return f.Get(router.ID)
}

// Get returns the fake for routerID, creating it on first use.
func (f *FakeFactory) Get(routerID string) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.fakes[routerID]
	if !ok {
		g = NewFakeGateway()
		f.fakes[routerID] = g
	}
	return g
}
