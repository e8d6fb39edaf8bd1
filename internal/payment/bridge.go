// Package payment starts mobile-money charges for plans and turns the
// gateway's answers into activations. The gateway callback, the reconcile
// job and client polling all lead to the same idempotent ConfirmPayment;
// whichever arrives first activates the session.
package payment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/daraja"
	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/provision"
	"github.com/wavenet/access-control-plane/internal/store"
)

var phonePattern = regexp.MustCompile(`^254\d{9}$`)

// ErrCallbackToken is returned for callbacks whose URL token does not match
// the tenant's.
var ErrCallbackToken = errors.New("callback token mismatch")

type Ledger interface {
	InsertPayment(ctx context.Context, p model.Payment) (*model.Payment, error)
	SetCheckoutRequestID(ctx context.Context, reference, checkoutID string) error
	GetPayment(ctx context.Context, reference string) (*model.Payment, error)
	GetPaymentByCheckoutID(ctx context.Context, checkoutID string) (*model.Payment, error)
	GetPendingPaymentByAccountRef(ctx context.Context, tenant, accountRef string) (*model.Payment, error)
	SetPaymentResult(ctx context.Context, in store.PaymentResultInput) (bool, error)
	ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error)
	RecordFailureReason(ctx context.Context, reference, reason string) error
	GetSessionByReference(ctx context.Context, reference string) (*model.Session, error)
	HasActiveSession(ctx context.Context, routerID, key string) (bool, error)
}

type Provisioner interface {
	ResolvePlan(ctx context.Context, routerID, planID string) (*model.ManagedRouter, *model.Plan, error)
	RequestPlan(ctx context.Context, in provision.RequestInput) (*model.Session, error)
	ConfirmPayment(ctx context.Context, reference string) (*model.Session, error)
}

type Credentials interface {
	DecryptForUse(ctx context.Context, tenant string) (model.GatewayCredentials, error)
	CallbackURL(tenant string) string
	VerifyCallback(tenant, token string) bool
}

type Gateway interface {
	STKPush(ctx context.Context, creds model.GatewayCredentials, in daraja.ChargeRequest) (daraja.ChargeResponse, error)
	STKQuery(ctx context.Context, creds model.GatewayCredentials, checkoutRequestID string) (daraja.QueryResult, error)
}

type Options struct {
	PollInterval time.Duration
	PollAttempts int
	// ReconcileGrace is how long a charge may wait for its callback before
	// the reconcile job queries the gateway.
	ReconcileGrace time.Duration
	ReconcileBatch int
	Now            func() time.Time
}

type Bridge struct {
	ledger  Ledger
	engine  Provisioner
	creds   Credentials
	gateway Gateway
	opts    Options
}

type InitiateInput struct {
	RouterID string
	PlanID   string
	Phone    string
	Key      string
}

type Initiated struct {
	Reference string
	SessionID string
	Amount    int64
}

// Status is the read-only view a client polls. Active is true only when the
// session opened by this reference is the one that is active.
type Status struct {
	Reference      string
	Payment        model.PaymentStatus
	Session        model.SessionStatus
	ProvisionState model.ProvisionState
	Active         bool
	FailureReason  string
	EndsAt         *time.Time
}

// Settled reports whether polling can stop.
func (s Status) Settled() bool {
	return s.Active ||
		s.Payment == model.PaymentFailed ||
		s.ProvisionState == model.ProvisionFailed ||
		s.Session == model.SessionExpired ||
		s.Session == model.SessionDisconnected
}

func NewBridge(ledger Ledger, engine Provisioner, creds Credentials, gateway Gateway, opts Options) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 40
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = time.Minute
	}
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{ledger: ledger, engine: engine, creds: creds, gateway: gateway, opts: opts}
}

// NormalizePhone strips formatting a payer may type around an MSISDN.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	return strings.NewReplacer(" ", "", "-", "").Replace(phone)
}

// Initiate opens a PendingPayment session and pushes the charge to the
// payer's phone. Plan and phone problems fail before the gateway is contacted.
func (b *Bridge) Initiate(ctx context.Context, in InitiateInput) (*Initiated, error) {
	phone := NormalizePhone(in.Phone)
	if !phonePattern.MatchString(phone) {
		return nil, fmt.Errorf("%w: expected 254 followed by 9 digits", model.ErrInvalidPhone)
	}
	router, plan, err := b.engine.ResolvePlan(ctx, in.RouterID, in.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Price <= 0 {
		return nil, fmt.Errorf("%w: plan %s is free and can only be redeemed with a voucher", model.ErrInvalidPlan, plan.ID)
	}
	if router.Tenant == "" {
		return nil, fmt.Errorf("%w: router %s has no tenant", model.ErrCredentialsNotFound, router.ID)
	}
	creds, err := b.creds.DecryptForUse(ctx, router.Tenant)
	if err != nil {
		return nil, err
	}

	reference := "pay_" + uuid.NewString()
	sess, err := b.engine.RequestPlan(ctx, provision.RequestInput{
		Reference:  reference,
		RouterID:   router.ID,
		PlanID:     plan.ID,
		Key:        in.Key,
		Source:     model.SourcePayment,
		PayerPhone: phone,
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.ledger.InsertPayment(ctx, model.Payment{
		Reference: reference,
		Tenant:    router.Tenant,
		SessionID: sess.ID,
		Amount:    plan.Price,
		Phone:     phone,
	}); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	resp, err := b.gateway.STKPush(ctx, creds, daraja.ChargeRequest{
		Amount:      plan.Price,
		Phone:       phone,
		Reference:   reference,
		Description: plan.Name,
		CallbackURL: b.creds.CallbackURL(router.Tenant),
	})
	if err != nil {
		b.recordOutcome(ctx, reference, store.PaymentResultInput{
			Reference:  reference,
			Status:     model.PaymentFailed,
			ResultDesc: err.Error(),
		})
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "initiate", "status": "rejected"})
		log.WithFields(log.Fields{
			"event":     "charge_rejected",
			"reference": reference,
			"router_id": router.ID,
		}).WithError(err).Warn("payment gateway refused charge")
		if errors.Is(err, model.ErrGatewayRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrGatewayRejected, err)
	}
	if err := b.ledger.SetCheckoutRequestID(ctx, reference, resp.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("record checkout id: %w", err)
	}
	metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "initiate", "status": "ok"})
	log.WithFields(log.Fields{
		"event":     "charge_started",
		"reference": reference,
		"router_id": router.ID,
		"plan_id":   plan.ID,
		"amount":    plan.Price,
	}).Info("charge pushed to payer")
	return &Initiated{
		Reference: reference,
		SessionID: sess.ID,
		Amount:    plan.Price,
	}, nil
}

// OnCallback applies a gateway callback posted to tenant's callback URL.
// Unknown or foreign charges are ignored; the caller acknowledges the
// gateway regardless. A success is only recorded once the amount matches
// the charge and the gateway's status query agrees.
func (b *Bridge) OnCallback(ctx context.Context, tenant, token string, body []byte) error {
	if !b.creds.VerifyCallback(tenant, token) {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "callback", "status": "bad_token"})
		log.WithFields(log.Fields{"event": "callback_bad_token", "tenant": tenant}).Warn("callback with wrong token dropped")
		return ErrCallbackToken
	}
	cb, err := daraja.ParseCallback(body)
	if err != nil {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "callback", "status": "malformed"})
		return err
	}
	p, err := b.ledger.GetPaymentByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "callback", "status": "unknown"})
			log.WithFields(log.Fields{"event": "callback_unknown", "checkout_request_id": cb.CheckoutRequestID}).Warn("callback for unknown charge")
			return nil
		}
		return err
	}
	if p.Tenant != tenant {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "callback", "status": "tenant_mismatch"})
		log.WithFields(log.Fields{"event": "callback_tenant_mismatch", "reference": p.Reference, "tenant": tenant}).Warn("callback arrived on another tenant's endpoint")
		return nil
	}
	if cb.Succeeded() {
		return b.confirmCallback(ctx, p, cb)
	}
	return b.settle(ctx, "callback", p, store.PaymentResultInput{
		Reference:  p.Reference,
		Status:     model.PaymentFailed,
		ResultCode: fmt.Sprint(cb.ResultCode),
		ResultDesc: cb.ResultDesc,
	})
}

// confirmCallback settles a success callback after checking it against the
// charge and the gateway. Anything it cannot confirm stays pending for the
// reconcile job.
func (b *Bridge) confirmCallback(ctx context.Context, p *model.Payment, cb daraja.CallbackResult) error {
	logger := log.WithFields(log.Fields{"event": "callback_unverified", "reference": p.Reference})
	if cb.Amount != p.Amount || cb.Receipt == "" {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "callback", "status": "mismatch"})
		logger.WithFields(log.Fields{"amount": cb.Amount, "expected": p.Amount}).Warn("success callback does not match the charge")
		return nil
	}
	creds, err := b.creds.DecryptForUse(ctx, p.Tenant)
	if err != nil {
		logger.WithError(err).Warn("no usable credentials to confirm callback")
		return nil
	}
	res, err := b.gateway.STKQuery(ctx, creds, p.CheckoutRequestID)
	if err != nil {
		logger.WithError(err).Warn("stk query failed, leaving charge for reconcile")
		return nil
	}
	if res.Pending {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "callback", "status": "unconfirmed"})
		logger.Warn("gateway has not confirmed the charge")
		return nil
	}
	if !res.Succeeded() {
		return b.settle(ctx, "callback", p, store.PaymentResultInput{
			Reference:  p.Reference,
			Status:     model.PaymentFailed,
			ResultCode: res.ResultCode,
			ResultDesc: res.ResultDesc,
		})
	}
	return b.settle(ctx, "callback", p, store.PaymentResultInput{
		Reference:  p.Reference,
		Status:     model.PaymentSucceeded,
		ResultCode: "0",
		ResultDesc: cb.ResultDesc,
		Receipt:    cb.Receipt,
	})
}

// ValidateC2B answers the gateway's validation request for a payment made
// straight to tenant's shortcode. It returns the result code to send back:
// the payment is accepted only when the account reference names a pending
// charge of exactly that amount.
func (b *Bridge) ValidateC2B(ctx context.Context, tenant, token string, body []byte) (string, error) {
	_, _, code, err := b.matchC2B(ctx, tenant, token, body)
	if err != nil {
		return daraja.C2BInvalidAccount, err
	}
	return code, nil
}

// OnC2BConfirmation settles the pending charge a direct shortcode payment
// was made for. Payments that match no charge are logged for an operator;
// the money has already moved.
func (b *Bridge) OnC2BConfirmation(ctx context.Context, tenant, token string, body []byte) error {
	p, c2b, code, err := b.matchC2B(ctx, tenant, token, body)
	if err != nil {
		return err
	}
	if code != daraja.C2BAccepted {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "c2b", "status": "unmatched"})
		log.WithFields(log.Fields{
			"event":    "c2b_unmatched",
			"tenant":   tenant,
			"trans_id": c2b.TransID,
			"bill_ref": c2b.BillRef,
			"amount":   c2b.Amount,
			"code":     code,
		}).Warn("direct payment matches no pending charge")
		return nil
	}
	return b.settle(ctx, "c2b", p, store.PaymentResultInput{
		Reference:  p.Reference,
		Status:     model.PaymentSucceeded,
		ResultCode: "0",
		ResultDesc: c2b.TransactionType,
		Receipt:    c2b.TransID,
	})
}

func (b *Bridge) matchC2B(ctx context.Context, tenant, token string, body []byte) (*model.Payment, daraja.C2BPayment, string, error) {
	if !b.creds.VerifyCallback(tenant, token) {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "c2b", "status": "bad_token"})
		log.WithFields(log.Fields{"event": "c2b_bad_token", "tenant": tenant}).Warn("c2b request with wrong token dropped")
		return nil, daraja.C2BPayment{}, "", ErrCallbackToken
	}
	c2b, err := daraja.ParseC2B(body)
	if err != nil {
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": "c2b", "status": "malformed"})
		return nil, daraja.C2BPayment{}, "", err
	}
	if len(c2b.BillRef) != daraja.AccountRefLen {
		return nil, c2b, daraja.C2BInvalidAccount, nil
	}
	p, err := b.ledger.GetPendingPaymentByAccountRef(ctx, tenant, c2b.BillRef)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, c2b, daraja.C2BInvalidAccount, nil
		}
		return nil, c2b, "", err
	}
	if c2b.Amount != p.Amount {
		return p, c2b, daraja.C2BInvalidAmount, nil
	}
	return p, c2b, daraja.C2BAccepted, nil
}

// Reconcile queries the gateway for charges whose callback is overdue.
// It returns how many were settled.
func (b *Bridge) Reconcile(ctx context.Context) (int, error) {
	pending, err := b.ledger.ListPendingPayments(ctx, b.opts.Now().Add(-b.opts.ReconcileGrace), b.opts.ReconcileBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	creds := make(map[string]model.GatewayCredentials)
	for i := range pending {
		p := &pending[i]
		c, ok := creds[p.Tenant]
		if !ok {
			c, err = b.creds.DecryptForUse(ctx, p.Tenant)
			if err != nil {
				log.WithFields(log.Fields{"event": "reconcile_skipped", "tenant": p.Tenant}).WithError(err).Warn("no usable credentials")
				continue
			}
			creds[p.Tenant] = c
		}
		res, err := b.gateway.STKQuery(ctx, c, p.CheckoutRequestID)
		if err != nil {
			log.WithFields(log.Fields{"event": "reconcile_query_failed", "reference": p.Reference}).WithError(err).Warn("stk query failed")
			continue
		}
		if res.Pending {
			continue
		}
		status := model.PaymentFailed
		if res.Succeeded() {
			status = model.PaymentSucceeded
		}
		if err := b.settle(ctx, "reconcile", p, store.PaymentResultInput{
			Reference:  p.Reference,
			Status:     status,
			ResultCode: res.ResultCode,
			ResultDesc: res.ResultDesc,
		}); err != nil {
			log.WithFields(log.Fields{"event": "reconcile_settle_failed", "reference": p.Reference}).WithError(err).Error("could not settle payment")
			continue
		}
		settled++
	}
	return settled, nil
}

// settle records the outcome and, for a success, activates. A success that
// was already recorded still calls ConfirmPayment so a delayed activation
// gets another chance; the engine makes the repeat a no-op.
func (b *Bridge) settle(ctx context.Context, via string, p *model.Payment, in store.PaymentResultInput) error {
	changed, err := b.ledger.SetPaymentResult(ctx, in)
	if err != nil {
		return err
	}
	fields := log.Fields{"event": "payment_settled", "via": via, "reference": p.Reference, "status": in.Status, "changed": changed}
	if in.Status != model.PaymentSucceeded {
		if changed {
			if err := b.ledger.RecordFailureReason(ctx, p.Reference, failureReason(in)); err != nil {
				return err
			}
		}
		metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": via, "status": "failed"})
		log.WithFields(fields).Info("payment failed")
		return nil
	}
	if !changed {
		current, err := b.ledger.GetPayment(ctx, p.Reference)
		if err != nil {
			return err
		}
		if current.Status != model.PaymentSucceeded {
			// A failure was recorded first; the session stays unpaid.
			return nil
		}
	}
	metrics.Default().IncCounter("access_payment_events_total", map[string]string{"kind": via, "status": "succeeded"})
	log.WithFields(fields).Info("payment succeeded")
	if _, err := b.engine.ConfirmPayment(ctx, p.Reference); err != nil {
		if errors.Is(err, model.ErrProvisioningDelayed) {
			log.WithFields(log.Fields{"event": "activation_delayed", "reference": p.Reference}).WithError(err).Warn("paid session waiting for router")
			return nil
		}
		return err
	}
	return nil
}

func (b *Bridge) recordOutcome(ctx context.Context, reference string, in store.PaymentResultInput) {
	if _, err := b.ledger.SetPaymentResult(ctx, in); err != nil {
		log.WithFields(log.Fields{"event": "payment_result_write_failed", "reference": reference}).WithError(err).Error("could not record payment result")
		return
	}
	if err := b.ledger.RecordFailureReason(ctx, reference, failureReason(in)); err != nil {
		log.WithFields(log.Fields{"event": "failure_reason_write_failed", "reference": reference}).WithError(err).Error("could not record failure reason")
	}
}

func failureReason(in store.PaymentResultInput) string {
	if in.ResultCode == "" {
		return in.ResultDesc
	}
	return in.ResultCode + ": " + in.ResultDesc
}

// HasActiveSession reports whether key holds any Active session on the
// router. PaymentStatus is the reference-scoped check.
func (b *Bridge) HasActiveSession(ctx context.Context, routerID, key string) (bool, error) {
	key = model.NormalizeKey(key)
	if key == "" {
		return false, &model.ValidationError{Field: "key", Reason: "is required"}
	}
	return b.ledger.HasActiveSession(ctx, routerID, key)
}

// PaymentStatus reports whether the session opened by reference is active.
// It never changes state.
func (b *Bridge) PaymentStatus(ctx context.Context, reference string) (Status, error) {
	sess, err := b.ledger.GetSessionByReference(ctx, reference)
	if err != nil {
		return Status{}, err
	}
	out := Status{
		Reference:      reference,
		Session:        sess.Status,
		ProvisionState: sess.ProvisionState,
		Active:         sess.Status == model.SessionActive,
		FailureReason:  sess.FailureReason,
		EndsAt:         sess.EndsAt,
	}
	p, err := b.ledger.GetPayment(ctx, reference)
	switch {
	case err == nil:
		out.Payment = p.Status
	case errors.Is(err, model.ErrNotFound):
		// Voucher sessions have no payment row.
	default:
		return Status{}, err
	}
	return out, nil
}

// AwaitActivation polls PaymentStatus until it settles or the attempts run
// out, and returns the last status seen.
func (b *Bridge) AwaitActivation(ctx context.Context, reference string) (Status, error) {
	var last Status
	for attempt := 1; attempt <= b.opts.PollAttempts; attempt++ {
		st, err := b.PaymentStatus(ctx, reference)
		if err != nil {
			return Status{}, err
		}
		last = st
		if st.Settled() || attempt == b.opts.PollAttempts {
			break
		}
		timer := time.NewTimer(b.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
	return last, nil
}
