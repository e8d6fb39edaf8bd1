package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wavenet/access-control-plane/internal/lock"
	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/routeros"
	"github.com/wavenet/access-control-plane/internal/store"
)

const testKey = "aa:bb:cc:dd:ee:ff"

type harness struct {
	engine *Engine
	ledger *memLedger
	fakes  *routeros.FakeFactory
	clock  *clock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	metrics.ResetDefaultForTest()
	ledger := newMemLedger()
	ledger.addRouter(model.ManagedRouter{ID: "rtr_1", Address: "10.0.0.1", Tenant: "acme", PasswordSealed: "pw"})
	ledger.addRouter(model.ManagedRouter{ID: "rtr_2", Address: "10.0.0.2", Tenant: "acme", PasswordSealed: "pw"})
	ledger.addPlan(model.Plan{
		ID: "pln_day", RouterID: "rtr_1", Name: "Daily", Price: 50, TimeLimit: 24, TimeUnit: model.UnitHours,
		SharedUsers: 1, RateLimit: "5M/5M", Profile: "default", Service: "pppoe", Enabled: true,
	})
	ledger.addPlan(model.Plan{
		ID: "pln_other", RouterID: "rtr_2", Name: "Other", Price: 10, TimeLimit: 1, TimeUnit: model.UnitHours,
		SharedUsers: 1, RateLimit: "1M", Enabled: true,
	})

	fakes := routeros.NewFakeFactory()
	pool := routeros.NewPool(nil, routeros.PoolOptions{
		Factory: fakes.New,
		Retry:   routeros.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	return &harness{
		engine: NewEngine(ledger, pool, lock.NewMemoryLocker(), opts),
		ledger: ledger,
		fakes:  fakes,
		clock:  c,
	}
}

func (h *harness) activePaid(t *testing.T, ref, key string) model.Session {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.RequestPlan(ctx, RequestInput{Reference: ref, RouterID: "rtr_1", PlanID: "pln_day", Key: key, Source: model.SourcePayment}); err != nil {
		t.Fatalf("RequestPlan %s: %v", ref, err)
	}
	sess, err := h.engine.ConfirmPayment(ctx, ref)
	if err != nil {
		t.Fatalf("ConfirmPayment %s: %v", ref, err)
	}
	return *sess
}

func TestConfirmPayment_ProvisionsQueueAndWindow(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.activePaid(t, "pay_1", testKey)

	if sess.Status != model.SessionActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}
	if sess.EndsAt == nil || sess.StartedAt == nil || sess.EndsAt.Sub(*sess.StartedAt) != 24*time.Hour {
		t.Fatalf("expected 24h window, got start=%v end=%v", sess.StartedAt, sess.EndsAt)
	}
	fake := h.fakes.Get("rtr_1")
	q, ok := fake.Queue(QueueName(sess.ID))
	if !ok {
		t.Fatal("expected queue for session")
	}
	if q.MaxLimit != "5M/5M" || q.Target != routeros.SessionTarget("pppoe", testKey) {
		t.Fatalf("unexpected queue: %+v", q)
	}
	acct, ok := fake.Account(testKey)
	if !ok || acct.Profile != "default" || acct.Service != "pppoe" {
		t.Fatalf("unexpected account: %+v ok=%v", acct, ok)
	}
	if got := metrics.Default().CounterValue("access_activation_total", map[string]string{"source": "payment", "status": "ok"}); got != 1 {
		t.Fatalf("expected one activation recorded, got %d", got)
	}
}

func TestConfirmPayment_DuplicateIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.activePaid(t, "pay_1", testKey)

	h.clock.Advance(time.Second)
	second, err := h.engine.ConfirmPayment(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("second ConfirmPayment: %v", err)
	}
	if second.ID != first.ID || !second.EndsAt.Equal(*first.EndsAt) {
		t.Fatalf("expected unchanged session, got %+v", second)
	}
	fake := h.fakes.Get("rtr_1")
	if got := fake.CallCount("queue_upsert"); got != 1 {
		t.Fatalf("expected exactly one queue upsert, got %d", got)
	}
	queues, _ := fake.ListQueues(context.Background())
	if len(queues) != 1 {
		t.Fatalf("expected one queue, got %d", len(queues))
	}
}

func TestConfirmPayment_ConcurrentConfirmationsActivateOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.engine.RequestPlan(ctx, RequestInput{Reference: "pay_1", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey}); err != nil {
		t.Fatalf("RequestPlan: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.ConfirmPayment(ctx, "pay_1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	if got := h.fakes.Get("rtr_1").CallCount("queue_upsert"); got != 1 {
		t.Fatalf("expected one queue upsert, got %d", got)
	}
	if got := h.ledger.countActive("rtr_1", testKey); got != 1 {
		t.Fatalf("expected one active session, got %d", got)
	}
}

func TestActivate_DifferentKeysDoNotShareLock(t *testing.T) {
	h := newHarness(t, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("pay_%d", i)
			key := fmt.Sprintf("user%d", i)
			if _, err := h.engine.RequestPlan(context.Background(), RequestInput{Reference: ref, RouterID: "rtr_1", PlanID: "pln_day", Key: key}); err != nil {
				t.Errorf("RequestPlan: %v", err)
				return
			}
			if _, err := h.engine.ConfirmPayment(context.Background(), ref); err != nil {
				t.Errorf("ConfirmPayment: %v", err)
			}
		}(i)
	}
	wg.Wait()
	queues, _ := h.fakes.Get("rtr_1").ListQueues(context.Background())
	if len(queues) != 5 {
		t.Fatalf("expected five queues, got %d", len(queues))
	}
}

func TestRequestPlan_RejectsWhileActive(t *testing.T) {
	h := newHarness(t, Options{})
	h.activePaid(t, "pay_1", testKey)

	_, err := h.engine.RequestPlan(context.Background(), RequestInput{Reference: "pay_2", RouterID: "rtr_1", PlanID: "pln_day", Key: "AA-BB-CC-DD-EE-FF"})
	if !errors.Is(err, model.ErrAlreadyActive) {
		t.Fatalf("expected already active for normalized key, got %v", err)
	}
}

func TestRequestPlan_InvalidPlan(t *testing.T) {
	h := newHarness(t, Options{})
	tests := []struct {
		name   string
		planID string
	}{
		{name: "unknown plan", planID: "pln_missing"},
		{name: "plan on another router", planID: "pln_other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.RequestPlan(context.Background(), RequestInput{Reference: "pay_x", RouterID: "rtr_1", PlanID: tt.planID, Key: testKey})
			if !errors.Is(err, model.ErrInvalidPlan) {
				t.Fatalf("expected invalid plan, got %v", err)
			}
		})
	}
}

func TestActivate_SupersedesPriorSessionAndQueue(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.activePaid(t, "pay_1", testKey)

	// A voucher for the same key lands while the paid session is Active.
	voucher := h.ledger.insertConfirmed(store.CreateSessionInput{
		Reference: "vch_rtr_1_ABC", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey, Source: model.SourceVoucher,
	})
	h.clock.Advance(time.Minute)
	second, err := h.engine.Activate(context.Background(), voucher.Reference)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if got := h.ledger.session("pay_1").Status; got != model.SessionDisconnected {
		t.Fatalf("expected prior session disconnected, got %s", got)
	}
	if second.Status != model.SessionActive {
		t.Fatalf("expected new session active, got %s", second.Status)
	}
	fake := h.fakes.Get("rtr_1")
	if _, ok := fake.Queue(QueueName(first.ID)); ok {
		t.Fatal("expected superseded queue to be removed")
	}
	if _, ok := fake.Queue(QueueName(second.ID)); !ok {
		t.Fatal("expected fresh queue for new session")
	}
	if got := h.ledger.countActive("rtr_1", testKey); got != 1 {
		t.Fatalf("expected one active session, got %d", got)
	}
}

func TestActivate_FailedSupersedeKeepsPriorQueue(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 1})
	first := h.activePaid(t, "pay_1", testKey)

	voucher := h.ledger.insertConfirmed(store.CreateSessionInput{
		Reference: "vch_rtr_1_ABC", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey, Source: model.SourceVoucher,
	})
	fake := h.fakes.Get("rtr_1")
	fake.FailNextOn("queue_upsert", 1, fmt.Errorf("%w: failure: queue limit reached", model.ErrRouterRejected))

	if _, err := h.engine.Activate(context.Background(), voucher.Reference); err == nil {
		t.Fatal("expected activation to fail")
	}
	if got := h.ledger.session("pay_1").Status; got != model.SessionActive {
		t.Fatalf("expected prior session to stay active, got %s", got)
	}
	q, ok := fake.Queue(QueueName(first.ID))
	if !ok {
		t.Fatal("expected prior queue to stay on the router")
	}
	if q.MaxLimit != "5M/5M" {
		t.Fatalf("unexpected prior queue: %+v", q)
	}
	if got := fake.CallCount("queue_delete"); got != 0 {
		t.Fatalf("expected no queue deletes, got %d", got)
	}
}

func TestActivate_LedgerFailureKeepsPriorQueue(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.activePaid(t, "pay_1", testKey)

	voucher := h.ledger.insertConfirmed(store.CreateSessionInput{
		Reference: "vch_rtr_1_ABC", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey, Source: model.SourceVoucher,
	})
	h.ledger.failActivate = errors.New("connection reset")

	if _, err := h.engine.Activate(context.Background(), voucher.Reference); !errors.Is(err, model.ErrProvisioningDelayed) {
		t.Fatalf("expected delayed activation, got %v", err)
	}
	if got := h.ledger.session("pay_1").Status; got != model.SessionActive {
		t.Fatalf("expected prior session to stay active, got %s", got)
	}
	if _, ok := h.fakes.Get("rtr_1").Queue(QueueName(first.ID)); !ok {
		t.Fatal("expected prior queue to stay until the ledger commits")
	}
}

func TestActivate_ShapesSessionInterfaceWithDataCap(t *testing.T) {
	h := newHarness(t, Options{})
	h.ledger.addPlan(model.Plan{
		ID: "pln_capped", RouterID: "rtr_1", Name: "Capped", Price: 20, TimeLimit: 1, TimeUnit: model.UnitDays,
		DataLimit: 2, DataUnit: model.UnitGB, SharedUsers: 1, RateLimit: "2M/2M", Service: "l2tp", Enabled: true,
	})
	ctx := context.Background()
	if _, err := h.engine.RequestPlan(ctx, RequestInput{Reference: "pay_cap", RouterID: "rtr_1", PlanID: "pln_capped", Key: "user42"}); err != nil {
		t.Fatalf("RequestPlan: %v", err)
	}
	sess, err := h.engine.ConfirmPayment(ctx, "pay_cap")
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	fake := h.fakes.Get("rtr_1")
	q, _ := fake.Queue(QueueName(sess.ID))
	if q.Target != "<l2tp-user42>" {
		t.Fatalf("expected session interface target, got %q", q.Target)
	}
	acct, _ := fake.Account("user42")
	if acct.LimitBytesOut != 2<<30 {
		t.Fatalf("expected 2GiB cap on account, got %d", acct.LimitBytesOut)
	}
}

func TestActivate_RouterUnavailableDelaysThenRetries(t *testing.T) {
	h := newHarness(t, Options{RetryBase: time.Minute})
	ctx := context.Background()
	fake := h.fakes.Get("rtr_1")
	if _, err := h.engine.RequestPlan(ctx, RequestInput{Reference: "pay_1", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey}); err != nil {
		t.Fatalf("RequestPlan: %v", err)
	}

	fake.FailNext(1, fmt.Errorf("%w: i/o timeout", model.ErrRouterUnavailable))
	_, err := h.engine.ConfirmPayment(ctx, "pay_1")
	if !errors.Is(err, model.ErrProvisioningDelayed) {
		t.Fatalf("expected provisioning delayed, got %v", err)
	}
	sess := h.ledger.session("pay_1")
	if sess.Status != model.SessionPendingPayment || sess.ProvisionAttempts != 1 || sess.ProvisionState != model.ProvisionPending {
		t.Fatalf("expected pending session with one attempt, got %+v", sess)
	}

	if n, err := h.engine.RetryPending(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing due yet, got %d err=%v", n, err)
	}
	h.clock.Advance(2 * time.Minute)
	n, err := h.engine.RetryPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one activation on retry, got %d err=%v", n, err)
	}
	if got := h.ledger.session("pay_1").Status; got != model.SessionActive {
		t.Fatalf("expected active after retry, got %s", got)
	}
}

func TestActivate_ExhaustedAttemptsFlagSession(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	if _, err := h.engine.RequestPlan(ctx, RequestInput{Reference: "pay_1", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey}); err != nil {
		t.Fatalf("RequestPlan: %v", err)
	}
	h.fakes.Get("rtr_1").FailNext(1, model.ErrRouterUnavailable)

	if _, err := h.engine.ConfirmPayment(ctx, "pay_1"); !errors.Is(err, model.ErrProvisioningDelayed) {
		t.Fatalf("expected provisioning delayed, got %v", err)
	}
	if got := h.ledger.session("pay_1").ProvisionState; got != model.ProvisionFailed {
		t.Fatalf("expected failed provisioning, got %s", got)
	}
	if got := metrics.Default().CounterValue("access_provision_failed_total", map[string]string{"router_id": "rtr_1"}); got != 1 {
		t.Fatalf("expected failure counted, got %d", got)
	}

	if _, err := h.engine.ResetProvisioning(ctx, "pay_1"); err != nil {
		t.Fatalf("ResetProvisioning: %v", err)
	}
	if n, err := h.engine.RetryPending(ctx); err != nil || n != 1 {
		t.Fatalf("expected activation after reset, got %d err=%v", n, err)
	}
}

func TestActivate_UnconfirmedSessionIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.engine.RequestPlan(ctx, RequestInput{Reference: "pay_1", RouterID: "rtr_1", PlanID: "pln_day", Key: testKey}); err != nil {
		t.Fatalf("RequestPlan: %v", err)
	}
	if _, err := h.engine.Activate(ctx, "pay_1"); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := h.fakes.Get("rtr_1").CallCount("account_upsert"); got != 0 {
		t.Fatalf("expected no router calls, got %d", got)
	}
}

func TestAtMostOneActivePerKey(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		ref := fmt.Sprintf("vch_rtr_1_%d", i)
		h.ledger.insertConfirmed(store.CreateSessionInput{Reference: ref, RouterID: "rtr_1", PlanID: "pln_day", Key: testKey, Source: model.SourceVoucher})
		if _, err := h.engine.Activate(ctx, ref); err != nil {
			t.Fatalf("Activate %s: %v", ref, err)
		}
		if i%2 == 1 {
			h.clock.Advance(25 * time.Hour)
			h.fakes.Get("rtr_1").Connect(testKey, testKey)
			if _, err := h.engine.SweepExpired(ctx); err != nil {
				t.Fatalf("SweepExpired: %v", err)
			}
		}
		if got := h.ledger.countActive("rtr_1", testKey); got > 1 {
			t.Fatalf("step %d: %d active sessions", i, got)
		}
	}
}
