package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/routeros"
)

type SweepResult struct {
	Expired int
	// Deferred counts sessions left Active because their router was
	// unreachable; the next sweep picks them up again.
	Deferred int
}

// SweepExpired moves every Active session past its end time to Expired and
// drops its live router session. Accounts and queues stay on the router.
// A session already gone from the router is treated as disconnected.
func (e *Engine) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	expired, err := e.ledger.ListExpiredActive(ctx, e.opts.Now(), e.opts.BatchSize)
	if err != nil {
		return res, err
	}
	if len(expired) == 0 {
		return res, nil
	}

	byRouter := make(map[string][]model.Session)
	order := make([]string, 0)
	for _, sess := range expired {
		if _, ok := byRouter[sess.RouterID]; !ok {
			order = append(order, sess.RouterID)
		}
		byRouter[sess.RouterID] = append(byRouter[sess.RouterID], sess)
	}

	for _, routerID := range order {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		sessions := byRouter[routerID]
		n, deferred := e.sweepRouter(ctx, routerID, sessions)
		res.Expired += n
		res.Deferred += deferred
	}
	return res, nil
}

func (e *Engine) sweepRouter(ctx context.Context, routerID string, sessions []model.Session) (expired, deferred int) {
	logger := log.WithFields(log.Fields{"event": "session_expiry_sweep", "router_id": routerID})

	router, err := e.ledger.GetRouter(ctx, routerID)
	if err != nil {
		logger.WithError(err).Warn("router lookup failed, deferring")
		return 0, len(sessions)
	}
	gw, err := e.gateways.Retrying(ctx, *router)
	if err != nil {
		logger.WithError(err).Warn("router client unavailable, deferring")
		return 0, len(sessions)
	}
	live, err := gw.ListActiveSessions(ctx)
	if err != nil {
		metrics.Default().IncCounter("access_sweep_expired_total", map[string]string{"status": "deferred"})
		logger.WithError(err).Warn("active session snapshot failed, deferring")
		return 0, len(sessions)
	}

	for i := range sessions {
		sess := &sessions[i]
		if err := disconnectKey(ctx, gw, live, sess.Key); err != nil {
			metrics.Default().IncCounter("access_sweep_expired_total", map[string]string{"status": "deferred"})
			logger.WithField("reference", sess.Reference).WithError(err).Warn("disconnect failed, deferring")
			deferred++
			continue
		}
		ok, err := e.ledger.MarkExpired(ctx, sess.ID)
		if err != nil {
			logger.WithField("reference", sess.Reference).WithError(err).Error("mark expired failed")
			deferred++
			continue
		}
		if ok {
			expired++
			metrics.Default().IncCounter("access_sweep_expired_total", map[string]string{"status": "expired"})
			logger.WithField("reference", sess.Reference).Info("session expired")
		}
	}
	return expired, deferred
}

// disconnectKey removes every live router session belonging to key from the
// snapshot. Entries that vanished since the snapshot count as disconnected.
func disconnectKey(ctx context.Context, gw routeros.Gateway, live []model.ActiveSession, key string) error {
	for _, a := range live {
		if !a.Matches(key) {
			continue
		}
		if err := gw.DisconnectActiveSession(ctx, a.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	return nil
}

// DisconnectManually ends key's Active session on the router at an
// operator's request. The router account is kept.
func (e *Engine) DisconnectManually(ctx context.Context, routerID, key string) (*model.Session, error) {
	key = model.NormalizeKey(key)
	sess, err := e.ledger.GetActiveSession(ctx, routerID, key)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no active session for %s", model.ErrNotFound, key)
	}

	unlock, err := e.locker.Lock(ctx, sess.Reference)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", sess.Reference, err)
	}
	defer unlock()

	router, err := e.ledger.GetRouter(ctx, routerID)
	if err != nil {
		return nil, err
	}
	gw, err := e.gateways.Retrying(ctx, *router)
	if err != nil {
		return nil, err
	}
	live, err := gw.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	if err := disconnectKey(ctx, gw, live, key); err != nil {
		return nil, err
	}
	if _, err := e.ledger.MarkDisconnected(ctx, sess.ID); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"event": "session_disconnected", "reference": sess.Reference, "router_id": routerID}).Info("session disconnected by operator")

	out, err := e.ledger.GetSessionByReference(ctx, sess.Reference)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncRouterState snapshots each router's live sessions, stamps
// last_seen_at on the Active sessions whose key is online and drops logins
// beyond a plan's shared-users count. Unreachable routers are skipped until
// the next pass.
func (e *Engine) SyncRouterState(ctx context.Context) (int64, error) {
	routers, err := e.ledger.ListRouters(ctx)
	if err != nil {
		return 0, err
	}
	var seen int64
	now := e.opts.Now()
	for _, router := range routers {
		if ctx.Err() != nil {
			return seen, ctx.Err()
		}
		gw, err := e.gateways.Gateway(ctx, router)
		if err != nil {
			continue
		}
		live, err := gw.ListActiveSessions(ctx)
		if err != nil {
			log.WithFields(log.Fields{"event": "router_state_sync", "router_id": router.ID}).WithError(err).Debug("router snapshot failed")
			continue
		}
		keys := make([]string, 0, len(live)*2)
		for _, a := range live {
			if a.Username != "" {
				keys = append(keys, model.NormalizeKey(a.Username))
			}
			if a.CallerID != "" {
				keys = append(keys, model.NormalizeKey(a.CallerID))
			}
		}
		n, err := e.ledger.MarkSeen(ctx, router.ID, keys, now)
		if err != nil {
			return seen, err
		}
		seen += n
		e.enforceSharedUsers(ctx, router, gw, live, now)
	}
	return seen, nil
}

// enforceSharedUsers disconnects the live logins of each Active session past
// its plan's SharedUsers. Logins are kept in router listing order, which is
// oldest first. Sessions already past their end are left to the expiry sweep.
func (e *Engine) enforceSharedUsers(ctx context.Context, router model.ManagedRouter, gw routeros.Gateway, live []model.ActiveSession, now time.Time) int {
	logger := log.WithFields(log.Fields{"event": "shared_users", "router_id": router.ID})
	sessions, err := e.ledger.ListActiveSessions(ctx, router.ID)
	if err != nil {
		logger.WithError(err).Warn("active session lookup failed")
		return 0
	}
	plans := make(map[string]*model.Plan)
	dropped := 0
	for i := range sessions {
		sess := &sessions[i]
		if sess.Expired(now) {
			continue
		}
		plan, ok := plans[sess.PlanID]
		if !ok {
			if plan, err = e.ledger.GetPlan(ctx, sess.PlanID); err != nil {
				plan = nil
			}
			plans[sess.PlanID] = plan
		}
		if plan == nil || plan.SharedUsers < 1 {
			continue
		}
		logins := 0
		for _, a := range live {
			if !a.Matches(sess.Key) {
				continue
			}
			logins++
			if logins <= plan.SharedUsers {
				continue
			}
			if err := gw.DisconnectActiveSession(ctx, a.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
				logger.WithField("reference", sess.Reference).WithError(err).Warn("disconnect over limit failed")
				continue
			}
			dropped++
			logger.WithFields(log.Fields{
				"reference":    sess.Reference,
				"caller_id":    a.CallerID,
				"shared_users": plan.SharedUsers,
			}).Info("login over shared users limit disconnected")
		}
	}
	return dropped
}
