package routeros

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
)

// Gateway issues account, active-session and queue operations against one
// managed router. Upserts are keyed by the router-side name and deletes of
// missing objects succeed, so every call is safe to retry.
type Gateway interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpsertAccount(ctx context.Context, acct model.Account) (model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	ListActiveSessions(ctx context.Context) ([]model.ActiveSession, error)
	DisconnectActiveSession(ctx context.Context, id string) error

	ListQueues(ctx context.Context) ([]model.Queue, error)
	UpsertQueue(ctx context.Context, q model.Queue) (model.Queue, error)
	DeleteQueue(ctx context.Context, id string) error
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retrying wraps a gateway so RouterUnavailable failures are retried a
// bounded number of times before being surfaced.
func Retrying(g Gateway, policy RetryPolicy) Gateway {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &retryingGateway{next: g, policy: policy}
}

type retryingGateway struct {
	next   Gateway
	policy RetryPolicy
}

func (g *retryingGateway) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	err := retryRouter(ctx, g.policy, "account_list", func(c context.Context) (err error) {
		out, err = g.next.ListAccounts(c)
		return err
	})
	return out, err
}

func (g *retryingGateway) UpsertAccount(ctx context.Context, acct model.Account) (model.Account, error) {
	var out model.Account
	err := retryRouter(ctx, g.policy, "account_upsert", func(c context.Context) (err error) {
		out, err = g.next.UpsertAccount(c, acct)
		return err
	})
	return out, err
}

func (g *retryingGateway) DeleteAccount(ctx context.Context, id string) error {
	return retryRouter(ctx, g.policy, "account_delete", func(c context.Context) error {
		return g.next.DeleteAccount(c, id)
	})
}

func (g *retryingGateway) ListActiveSessions(ctx context.Context) ([]model.ActiveSession, error) {
	var out []model.ActiveSession
	err := retryRouter(ctx, g.policy, "active_list", func(c context.Context) (err error) {
		out, err = g.next.ListActiveSessions(c)
		return err
	})
	return out, err
}

func (g *retryingGateway) DisconnectActiveSession(ctx context.Context, id string) error {
	return retryRouter(ctx, g.policy, "active_disconnect", func(c context.Context) error {
		return g.next.DisconnectActiveSession(c, id)
	})
}

func (g *retryingGateway) ListQueues(ctx context.Context) ([]model.Queue, error) {
	var out []model.Queue
	err := retryRouter(ctx, g.policy, "queue_list", func(c context.Context) (err error) {
		out, err = g.next.ListQueues(c)
		return err
	})
	return out, err
}

func (g *retryingGateway) UpsertQueue(ctx context.Context, q model.Queue) (model.Queue, error) {
	var out model.Queue
	err := retryRouter(ctx, g.policy, "queue_upsert", func(c context.Context) (err error) {
		out, err = g.next.UpsertQueue(c, q)
		return err
	})
	return out, err
}

func (g *retryingGateway) DeleteQueue(ctx context.Context, id string) error {
	return retryRouter(ctx, g.policy, "queue_delete", func(c context.Context) error {
		return g.next.DeleteQueue(c, id)
	})
}

func retryRouter(ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrRouterUnavailable) {
			return err
		}
		if attempt == policy.MaxAttempts {
			metrics.Default().IncCounter("access_router_retry_exhausted_total", map[string]string{"op": op})
			return err
		}
		metrics.Default().IncCounter("access_router_retries_total", map[string]string{"op": op})
		delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		delay = withJitter(delay)
		log.WithFields(log.Fields{
			"event":    "router_retry",
			"op":       op,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("router call failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [10% of base, 100% of base).
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := uint64(delay - floor)
	if span == 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + time.Duration(span/2)
	}
	return floor + time.Duration(binary.LittleEndian.Uint64(raw[:])%span)
}
