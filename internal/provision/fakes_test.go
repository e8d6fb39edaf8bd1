package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/store"
)

// memLedger mirrors the store's transition rules in memory.
type memLedger struct {
	mu       sync.Mutex
	seq      int
	routers  map[string]model.ManagedRouter
	plans    map[string]model.Plan
	sessions map[string]*model.Session
	vouchers map[string]*model.Voucher

	failActivate error
}

func newMemLedger() *memLedger {
	return &memLedger{
		routers:  make(map[string]model.ManagedRouter),
		plans:    make(map[string]model.Plan),
		sessions: make(map[string]*model.Session),
		vouchers: make(map[string]*model.Voucher),
	}
}

func (l *memLedger) addRouter(r model.ManagedRouter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routers[r.ID] = r
}

func (l *memLedger) addPlan(p model.Plan) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plans[p.ID] = p
}

func (l *memLedger) byReference(ref string) *model.Session {
	for _, s := range l.sessions {
		if s.Reference == ref {
			return s
		}
	}
	return nil
}

func (l *memLedger) session(ref string) model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.byReference(ref); s != nil {
		return *s
	}
	return model.Session{}
}

func (l *memLedger) countActive(routerID, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sessions {
		if s.RouterID == routerID && s.Key == key && s.Status == model.SessionActive {
			n++
		}
	}
	return n
}

func (l *memLedger) GetRouter(_ context.Context, id string) (*model.ManagedRouter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.routers[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &r, nil
}

func (l *memLedger) ListRouters(context.Context) ([]model.ManagedRouter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ManagedRouter, 0, len(l.routers))
	for _, r := range l.routers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.plans[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (l *memLedger) insert(in store.CreateSessionInput, state model.ProvisionState) *model.Session {
	l.seq++
	s := &model.Session{
		ID:             fmt.Sprintf("ses_%d", l.seq),
		Reference:      in.Reference,
		RouterID:       in.RouterID,
		PlanID:         in.PlanID,
		Key:            in.Key,
		Source:         in.Source,
		PayerPhone:     in.PayerPhone,
		Status:         model.SessionPendingPayment,
		ProvisionState: state,
	}
	l.sessions[s.ID] = s
	return s
}

func (l *memLedger) CreatePendingSession(_ context.Context, in store.CreateSessionInput) (*model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if s.RouterID == in.RouterID && s.Key == in.Key && s.Status == model.SessionActive {
			return nil, model.ErrAlreadyActive
		}
	}
	cp := *l.insert(in, model.ProvisionNone)
	return &cp, nil
}

// insertConfirmed mimics a voucher redemption.
func (l *memLedger) insertConfirmed(in store.CreateSessionInput) model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.insert(in, model.ProvisionPending)
}

func (l *memLedger) GetSessionByReference(_ context.Context, ref string) (*model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.byReference(ref)
	if s == nil {
		return nil, model.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (l *memLedger) GetActiveSession(_ context.Context, routerID, key string) (*model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if s.RouterID == routerID && s.Key == key && s.Status == model.SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *memLedger) ListActiveSessions(_ context.Context, routerID string) ([]model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Session, 0)
	for _, s := range l.sessions {
		if s.RouterID == routerID && s.Status == model.SessionActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) MarkConfirmed(_ context.Context, ref string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.byReference(ref)
	if s == nil || s.Status != model.SessionPendingPayment || s.ProvisionState != model.ProvisionNone {
		return false, nil
	}
	s.ProvisionState = model.ProvisionPending
	return true, nil
}

func (l *memLedger) ActivateSession(_ context.Context, in store.ActivateSessionInput) (*model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failActivate != nil {
		return nil, l.failActivate
	}
	s, ok := l.sessions[in.SessionID]
	if !ok || s.Status != model.SessionPendingPayment {
		return nil, model.ErrNotFound
	}
	for _, p := range l.sessions {
		if p.ID != s.ID && p.RouterID == s.RouterID && p.Key == s.Key && p.Status == model.SessionActive {
			p.Status = model.SessionDisconnected
			stopped := in.StartedAt
			p.StoppedAt = &stopped
		}
	}
	start, end := in.StartedAt, in.EndsAt
	s.Status = model.SessionActive
	s.ProvisionState = model.ProvisionDone
	s.QueueName = in.QueueName
	s.StartedAt = &start
	s.EndsAt = &end
	cp := *s
	return &cp, nil
}

func (l *memLedger) RecordProvisionFailure(_ context.Context, in store.ProvisionFailureInput) (*model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[in.SessionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	s.ProvisionAttempts++
	s.ProvisionError = in.Error
	next := in.NextAttemptAt
	s.NextAttemptAt = &next
	if in.Exhausted {
		s.ProvisionState = model.ProvisionFailed
	}
	cp := *s
	return &cp, nil
}

func (l *memLedger) ListProvisionDue(_ context.Context, now time.Time, limit int) ([]model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Session, 0)
	for _, s := range l.sessions {
		if s.Status == model.SessionPendingPayment && s.ProvisionState == model.ProvisionPending &&
			(s.NextAttemptAt == nil || !s.NextAttemptAt.After(now)) {
			out = append(out, *s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLedger) ResetProvisioning(_ context.Context, ref string) (*model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.byReference(ref)
	if s == nil || s.Status != model.SessionPendingPayment || s.ProvisionState == model.ProvisionNone {
		return nil, model.ErrNotFound
	}
	s.ProvisionState = model.ProvisionPending
	s.ProvisionAttempts = 0
	s.NextAttemptAt = nil
	cp := *s
	return &cp, nil
}

func (l *memLedger) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Session, 0)
	for _, s := range l.sessions {
		if s.Expired(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLedger) end(id string, status model.SessionStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok || s.Status != model.SessionActive {
		return false, nil
	}
	s.Status = status
	return true, nil
}

func (l *memLedger) MarkExpired(_ context.Context, id string) (bool, error) {
	return l.end(id, model.SessionExpired)
}

func (l *memLedger) MarkDisconnected(_ context.Context, id string) (bool, error) {
	return l.end(id, model.SessionDisconnected)
}

func (l *memLedger) MarkSeen(_ context.Context, routerID string, keys []string, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	var n int64
	for _, s := range l.sessions {
		if s.RouterID == routerID && s.Status == model.SessionActive && set[s.Key] {
			seen := at
			s.LastSeenAt = &seen
			n++
		}
	}
	return n, nil
}

func (l *memLedger) InsertVoucher(_ context.Context, v model.Voucher) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := v.RouterID + "/" + v.Code
	if _, ok := l.vouchers[k]; ok {
		return false, nil
	}
	l.vouchers[k] = &v
	return true, nil
}

func (l *memLedger) RedeemVoucher(_ context.Context, in store.RedeemVoucherInput) (*model.Voucher, *model.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vouchers[in.RouterID+"/"+in.Code]
	if !ok {
		for _, other := range l.vouchers {
			if other.Code == in.Code {
				return nil, nil, model.ErrVoucherRouterMismatch
			}
		}
		return nil, nil, model.ErrVoucherNotFound
	}
	if v.Consumed {
		return nil, nil, model.ErrVoucherAlreadyConsumed
	}
	if v.Password != "" && v.Password != in.Password {
		return nil, nil, model.ErrVoucherNotFound
	}
	v.Consumed, v.ConsumedBy = true, in.Key
	s := l.insert(store.CreateSessionInput{
		Reference: v.Reference(),
		RouterID:  v.RouterID,
		PlanID:    v.PlanID,
		Key:       in.Key,
		Source:    model.SourceVoucher,
	}, model.ProvisionPending)
	vc, sc := *v, *s
	return &vc, &sc, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
