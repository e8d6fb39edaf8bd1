// Package voucher issues single-use access codes and redeems them into
// sessions without going through the payment gateway.
package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/store"
)

const (
	// Ambiguous glyphs (0/O, 1/I) are left out so codes survive being read aloud.
	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	passwordAlphabet = "23456789"
	passwordLength   = 6

	MinCodeLength = 3
	MaxCodeLength = 16
	MaxBatch      = 1000

	// attemptsPerCode bounds collision retries for one code.
	attemptsPerCode = 20
)

var ErrCodeSpaceExhausted = errors.New("could not find a free voucher code; use a longer code length")

type Ledger interface {
	InsertVoucher(ctx context.Context, v model.Voucher) (bool, error)
	RedeemVoucher(ctx context.Context, in store.RedeemVoucherInput) (*model.Voucher, *model.Session, error)
}

type Activator interface {
	ResolvePlan(ctx context.Context, routerID, planID string) (*model.ManagedRouter, *model.Plan, error)
	Activate(ctx context.Context, reference string) (*model.Session, error)
}

type Allocator struct {
	ledger Ledger
	engine Activator
}

type BatchInput struct {
	RouterID     string
	PlanID       string
	Count        int
	CodeLength   int
	WithPassword bool
}

func NewAllocator(ledger Ledger, engine Activator) *Allocator {
	return &Allocator{ledger: ledger, engine: engine}
}

// GenerateBatch creates Count vouchers for the plan. Codes are unique per
// router; a colliding code is redrawn rather than reserved up front.
func (a *Allocator) GenerateBatch(ctx context.Context, in BatchInput) ([]model.Voucher, error) {
	if in.Count < 1 || in.Count > MaxBatch {
		return nil, &model.ValidationError{Field: "count", Reason: fmt.Sprintf("must be between 1 and %d", MaxBatch)}
	}
	if in.CodeLength < MinCodeLength || in.CodeLength > MaxCodeLength {
		return nil, &model.ValidationError{Field: "code_length", Reason: fmt.Sprintf("must be between %d and %d", MinCodeLength, MaxCodeLength)}
	}
	router, plan, err := a.engine.ResolvePlan(ctx, in.RouterID, in.PlanID)
	if err != nil {
		return nil, err
	}

	out := make([]model.Voucher, 0, in.Count)
	collisions := 0
	for len(out) < in.Count {
		v := model.Voucher{RouterID: router.ID, PlanID: plan.ID}
		inserted := false
		for attempt := 0; attempt < attemptsPerCode; attempt++ {
			if v.Code, err = randomString(codeAlphabet, in.CodeLength); err != nil {
				return out, err
			}
			if in.WithPassword {
				if v.Password, err = randomString(passwordAlphabet, passwordLength); err != nil {
					return out, err
				}
			}
			inserted, err = a.ledger.InsertVoucher(ctx, v)
			if err != nil {
				return out, fmt.Errorf("insert voucher: %w", err)
			}
			if inserted {
				break
			}
			collisions++
		}
		if !inserted {
			return out, ErrCodeSpaceExhausted
		}
		out = append(out, v)
	}
	log.WithFields(log.Fields{
		"event":      "voucher_batch",
		"router_id":  router.ID,
		"plan_id":    plan.ID,
		"count":      len(out),
		"collisions": collisions,
	}).Info("voucher batch generated")
	return out, nil
}

// Redeem consumes the code for key and activates the session it opens.
// When the router is unreachable the voucher stays consumed, the session is
// retried in the background, and ErrProvisioningDelayed is returned with it.
func (a *Allocator) Redeem(ctx context.Context, routerID, code, password, key string) (*model.Session, error) {
	key = model.NormalizeKey(key)
	code = strings.ToUpper(strings.TrimSpace(code))
	if key == "" {
		return nil, &model.ValidationError{Field: "key", Reason: "is required"}
	}
	if code == "" {
		return nil, &model.ValidationError{Field: "code", Reason: "is required"}
	}
	_, sess, err := a.ledger.RedeemVoucher(ctx, store.RedeemVoucherInput{
		RouterID: routerID,
		Code:     code,
		Password: strings.TrimSpace(password),
		Key:      key,
	})
	if err != nil {
		metrics.Default().IncCounter("access_voucher_redemptions_total", map[string]string{"status": redeemStatus(err)})
		return nil, err
	}
	metrics.Default().IncCounter("access_voucher_redemptions_total", map[string]string{"status": "ok"})
	log.WithFields(log.Fields{
		"event":     "voucher_redeemed",
		"router_id": routerID,
		"reference": sess.Reference,
	}).Info("voucher redeemed")

	activated, err := a.engine.Activate(ctx, sess.Reference)
	if err != nil {
		if activated != nil {
			return activated, err
		}
		return sess, err
	}
	return activated, nil
}

func redeemStatus(err error) string {
	switch {
	case errors.Is(err, model.ErrVoucherNotFound):
		return "not_found"
	case errors.Is(err, model.ErrVoucherAlreadyConsumed):
		return "consumed"
	case errors.Is(err, model.ErrVoucherRouterMismatch):
		return "router_mismatch"
	default:
		return "error"
	}
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
