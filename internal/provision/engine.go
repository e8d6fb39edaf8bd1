// Package provision ties confirmed payments and redeemed vouchers to router
// accounts, bandwidth queues and the session ledger.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/lock"
	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/routeros"
	"github.com/wavenet/access-control-plane/internal/store"
)

var errLedgerWrite = errors.New("ledger write failed")

type Ledger interface {
	GetRouter(ctx context.Context, id string) (*model.ManagedRouter, error)
	ListRouters(ctx context.Context) ([]model.ManagedRouter, error)
	GetPlan(ctx context.Context, id string) (*model.Plan, error)

	CreatePendingSession(ctx context.Context, in store.CreateSessionInput) (*model.Session, error)
	GetSessionByReference(ctx context.Context, reference string) (*model.Session, error)
	GetActiveSession(ctx context.Context, routerID, key string) (*model.Session, error)
	ListActiveSessions(ctx context.Context, routerID string) ([]model.Session, error)
	MarkConfirmed(ctx context.Context, reference string) (bool, error)
	ActivateSession(ctx context.Context, in store.ActivateSessionInput) (*model.Session, error)
	RecordProvisionFailure(ctx context.Context, in store.ProvisionFailureInput) (*model.Session, error)
	ListProvisionDue(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
	ResetProvisioning(ctx context.Context, reference string) (*model.Session, error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
	MarkExpired(ctx context.Context, id string) (bool, error)
	MarkDisconnected(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, routerID string, keys []string, at time.Time) (int64, error)
}

// Gateways resolves the router client for a managed router. Gateway returns a
// single-attempt client; Retrying wraps it with the bounded retry policy.
type Gateways interface {
	Gateway(ctx context.Context, router model.ManagedRouter) (routeros.Gateway, error)
	Retrying(ctx context.Context, router model.ManagedRouter) (routeros.Gateway, error)
}

type Options struct {
	// MaxAttempts bounds provisioning attempts for a confirmed session before
	// it is flagged for an operator.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	BatchSize   int
	Now         func() time.Time
}

type Engine struct {
	ledger   Ledger
	gateways Gateways
	locker   lock.Locker
	opts     Options
}

type RequestInput struct {
	Reference  string
	RouterID   string
	PlanID     string
	Key        string
	Source     model.SessionSource
	PayerPhone string
}

func NewEngine(ledger Ledger, gateways Gateways, locker lock.Locker, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 15 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Engine{ledger: ledger, gateways: gateways, locker: locker, opts: opts}
}

// QueueName is the router-side queue for a session. Every activation gets a
// fresh queue; a superseded session's queue is never reused.
func QueueName(sessionID string) string {
	return "acp-" + sessionID
}

// ResolvePlan loads a plan and checks it is offered on the router.
func (e *Engine) ResolvePlan(ctx context.Context, routerID, planID string) (*model.ManagedRouter, *model.Plan, error) {
	router, err := e.ledger.GetRouter(ctx, routerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, &model.ValidationError{Field: "router_id", Reason: "unknown router"}
		}
		return nil, nil, err
	}
	plan, err := e.ledger.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown plan %s", model.ErrInvalidPlan, planID)
		}
		return nil, nil, err
	}
	if plan.RouterID != router.ID {
		return nil, nil, fmt.Errorf("%w: plan %s is not offered on router %s", model.ErrInvalidPlan, plan.ID, router.ID)
	}
	if !plan.Enabled {
		return nil, nil, fmt.Errorf("%w: plan %s is disabled", model.ErrInvalidPlan, plan.ID)
	}
	if err := plan.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrInvalidPlan, err)
	}
	return router, plan, nil
}

// RequestPlan opens a PendingPayment session for key. It fails with
// ErrAlreadyActive while key holds an Active session on the router.
func (e *Engine) RequestPlan(ctx context.Context, in RequestInput) (*model.Session, error) {
	key := model.NormalizeKey(in.Key)
	if key == "" {
		return nil, &model.ValidationError{Field: "key", Reason: "is required"}
	}
	if in.Reference == "" {
		return nil, &model.ValidationError{Field: "reference", Reason: "is required"}
	}
	if _, _, err := e.ResolvePlan(ctx, in.RouterID, in.PlanID); err != nil {
		return nil, err
	}
	return e.ledger.CreatePendingSession(ctx, store.CreateSessionInput{
		Reference:  in.Reference,
		RouterID:   in.RouterID,
		PlanID:     in.PlanID,
		Key:        key,
		Source:     in.Source,
		PayerPhone: in.PayerPhone,
	})
}

// ConfirmPayment marks the charge behind reference as paid and activates it.
// Duplicate confirmations are no-ops that return the current session.
func (e *Engine) ConfirmPayment(ctx context.Context, reference string) (*model.Session, error) {
	if _, err := e.ledger.MarkConfirmed(ctx, reference); err != nil {
		return nil, err
	}
	return e.Activate(ctx, reference)
}

// Activate provisions the router account and queue for a confirmed session
// and marks it Active. Calls are serialized per reference, and a session
// that is no longer pending is returned unchanged, so activation happens at
// most once per payment or voucher.
//
// Router calls are single attempts. On RouterUnavailable the session stays
// pending with a scheduled retry and ErrProvisioningDelayed is returned.
func (e *Engine) Activate(ctx context.Context, reference string) (*model.Session, error) {
	unlock, err := e.locker.Lock(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", reference, err)
	}
	defer unlock()

	sess, err := e.ledger.GetSessionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionPendingPayment {
		return sess, nil
	}
	switch sess.ProvisionState {
	case model.ProvisionNone:
		return sess, &model.ValidationError{Field: "reference", Reason: "payment not confirmed"}
	case model.ProvisionFailed:
		return sess, fmt.Errorf("%w: retries exhausted, operator action required", model.ErrProvisioningDelayed)
	}

	start := time.Now()
	labels := map[string]string{"source": string(sess.Source)}
	out, err := e.activateLocked(ctx, sess)
	labels["status"] = activationStatus(err)
	metrics.Default().ObserveCall("access_activation_total", "access_activation_latency_ms", start, labels)
	return out, err
}

func (e *Engine) activateLocked(ctx context.Context, sess *model.Session) (*model.Session, error) {
	router, err := e.ledger.GetRouter(ctx, sess.RouterID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, e.fail(ctx, sess, fmt.Errorf("load router %s: %w", sess.RouterID, err))
		}
		return nil, err
	}
	plan, err := e.ledger.GetPlan(ctx, sess.PlanID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, e.fail(ctx, sess, fmt.Errorf("load plan %s: %w", sess.PlanID, err))
		}
		return nil, err
	}
	gw, err := e.gateways.Gateway(ctx, *router)
	if err != nil {
		return nil, e.fail(ctx, sess, err)
	}
	prior, err := e.ledger.GetActiveSession(ctx, sess.RouterID, sess.Key)
	if err != nil {
		return nil, err
	}

	queueName := QueueName(sess.ID)
	if err := e.provision(ctx, gw, sess, plan, queueName); err != nil {
		return nil, e.fail(ctx, sess, err)
	}

	now := e.opts.Now()
	out, err := e.ledger.ActivateSession(ctx, store.ActivateSessionInput{
		SessionID: sess.ID,
		QueueName: queueName,
		StartedAt: now,
		EndsAt:    now.Add(plan.Validity()),
	})
	if err != nil {
		// The router side is in place; the retry job replays the idempotent
		// upserts and completes the ledger write.
		return nil, e.fail(ctx, sess, fmt.Errorf("%w: %v", errLedgerWrite, err))
	}
	if prior != nil && prior.QueueName != "" && prior.QueueName != queueName {
		e.removeSupersededQueue(ctx, *router, prior)
	}
	fields := log.Fields{
		"event":     "session_activated",
		"reference": out.Reference,
		"router_id": out.RouterID,
		"plan_id":   out.PlanID,
		"queue":     queueName,
		"ends_at":   now.Add(plan.Validity()).Format(time.RFC3339),
	}
	if prior != nil {
		fields["superseded"] = prior.Reference
	}
	log.WithFields(fields).Info("session activated")
	return out, nil
}

// provision writes the router side of an activation: the account and a
// fresh queue on the subscriber's session interface. A superseded session's
// queue is left alone here; it goes only once the new session is recorded.
func (e *Engine) provision(ctx context.Context, gw routeros.Gateway, sess *model.Session, plan *model.Plan, queueName string) error {
	// MAC-keyed logins authenticate with the key as both name and secret.
	if _, err := gw.UpsertAccount(ctx, model.Account{
		Username:      sess.Key,
		Password:      sess.Key,
		Service:       plan.Service,
		Profile:       plan.Profile,
		Comment:       "acp " + sess.Reference,
		LimitBytesOut: plan.DataLimitBytes(),
	}); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	if _, err := gw.UpsertQueue(ctx, model.Queue{
		Name:     queueName,
		Target:   routeros.SessionTarget(plan.Service, sess.Key),
		MaxLimit: plan.RateLimit,
		Comment:  "acp " + sess.Reference,
	}); err != nil {
		return fmt.Errorf("upsert queue: %w", err)
	}
	return nil
}

// removeSupersededQueue drops the queue of a session the ledger has just
// disconnected. The new session is already shaped, so a failure here is
// logged for an operator rather than undoing the activation.
func (e *Engine) removeSupersededQueue(ctx context.Context, router model.ManagedRouter, prior *model.Session) {
	logger := log.WithFields(log.Fields{
		"event":     "superseded_queue",
		"reference": prior.Reference,
		"router_id": router.ID,
		"queue":     prior.QueueName,
	})
	gw, err := e.gateways.Retrying(ctx, router)
	if err == nil {
		err = deleteQueueByName(ctx, gw, prior.QueueName)
	}
	if err != nil {
		logger.WithError(err).Error("superseded queue left on router")
	}
}

func deleteQueueByName(ctx context.Context, gw routeros.Gateway, name string) error {
	queues, err := gw.ListQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if q.Name == name {
			if err := gw.DeleteQueue(ctx, q.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// fail records a provisioning failure. RouterUnavailable is scheduled for a
// retry with capped exponential backoff; anything else, or running out of
// attempts, flags the session for an operator.
func (e *Engine) fail(ctx context.Context, sess *model.Session, cause error) error {
	attempt := sess.ProvisionAttempts + 1
	transient := errors.Is(cause, model.ErrRouterUnavailable) || errors.Is(cause, errLedgerWrite)
	exhausted := !transient || attempt >= e.opts.MaxAttempts
	next := e.opts.Now().Add(e.backoff(attempt))

	if _, err := e.ledger.RecordProvisionFailure(ctx, store.ProvisionFailureInput{
		SessionID:     sess.ID,
		Error:         cause.Error(),
		NextAttemptAt: next,
		Exhausted:     exhausted,
	}); err != nil {
		log.WithFields(log.Fields{"event": "provision_failure_record", "reference": sess.Reference}).WithError(err).Error("failed to record provisioning failure")
	}

	fields := log.Fields{
		"event":     "provision_failed",
		"reference": sess.Reference,
		"router_id": sess.RouterID,
		"attempt":   attempt,
	}
	if exhausted {
		metrics.Default().IncCounter("access_provision_failed_total", map[string]string{"router_id": sess.RouterID})
		log.WithFields(fields).WithError(cause).Error("provisioning needs operator action")
		if transient {
			return fmt.Errorf("%w: %v", model.ErrProvisioningDelayed, cause)
		}
		return cause
	}
	fields["next_attempt_at"] = next.Format(time.RFC3339)
	log.WithFields(fields).WithError(cause).Warn("provisioning delayed")
	return fmt.Errorf("%w: %v", model.ErrProvisioningDelayed, cause)
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.RetryMax {
			return e.opts.RetryMax
		}
	}
	return d
}

func activationStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrProvisioningDelayed):
		return "delayed"
	default:
		return "error"
	}
}

// RetryPending replays activation for confirmed sessions whose next attempt
// is due. It returns how many sessions became Active.
func (e *Engine) RetryPending(ctx context.Context) (int, error) {
	due, err := e.ledger.ListProvisionDue(ctx, e.opts.Now(), e.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, sess := range due {
		if ctx.Err() != nil {
			return activated, ctx.Err()
		}
		out, err := e.Activate(ctx, sess.Reference)
		if err != nil {
			continue
		}
		if out.Status == model.SessionActive {
			activated++
		}
	}
	return activated, nil
}

// ResetProvisioning re-queues a session that exhausted its attempts.
func (e *Engine) ResetProvisioning(ctx context.Context, reference string) (*model.Session, error) {
	sess, err := e.ledger.ResetProvisioning(ctx, reference)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"event": "provision_reset", "reference": reference}).Info("provisioning reset by operator")
	return sess, nil
}
