package daraja

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/wavenet/access-control-plane/internal/model"
)

// Fake accepts every charge and remembers it so tests and local runs can
// settle charges by hand.
type Fake struct {
	mu         sync.Mutex
	charges    map[string]ChargeRequest
	results    map[string]QueryResult
	registered map[string]string

	// PushErr, when set, is returned by STKPush.
	PushErr error
}

func NewFake() *Fake {
	return &Fake{
		charges:    make(map[string]ChargeRequest),
		results:    make(map[string]QueryResult),
		registered: make(map[string]string),
	}
}

func (f *Fake) STKPush(_ context.Context, _ model.GatewayCredentials, in ChargeRequest) (ChargeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushErr != nil {
		return ChargeResponse{}, f.PushErr
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	id := "ws_CO_" + hex.EncodeToString(b[:])
	f.charges[id] = in
	return ChargeResponse{
		MerchantRequestID:   "fake-" + in.Reference,
		CheckoutRequestID:   id,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (f *Fake) STKQuery(_ context.Context, _ model.GatewayCredentials, checkoutRequestID string) (QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[checkoutRequestID]; ok {
		return r, nil
	}
	return QueryResult{CheckoutRequestID: checkoutRequestID, Pending: true}, nil
}

func (f *Fake) RegisterURLs(_ context.Context, creds model.GatewayCredentials, confirmationURL, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[creds.BusinessShortcode()] = confirmationURL
	return nil
}

// Settle fixes the query outcome for a charge.
func (f *Fake) Settle(checkoutRequestID, resultCode, resultDesc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[checkoutRequestID] = QueryResult{CheckoutRequestID: checkoutRequestID, ResultCode: resultCode, ResultDesc: resultDesc}
}

// Charges returns the checkout ids of every accepted charge by reference.
func (f *Fake) Charges() map[string]ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]ChargeRequest, len(f.charges))
	for k, v := range f.charges {
		out[k] = v
	}
	return out
}

func (f *Fake) Registered(shortcode string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[shortcode]
}
