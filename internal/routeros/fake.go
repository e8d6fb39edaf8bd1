package routeros

import (
	"context"
	"fmt"
	"sync"

	"github.com/wavenet/access-control-plane/internal/model"
)

// FakeGateway is an in-memory router used by the fake provider and tests.
// Set FailNext to make the next N mutating or listing calls return err, or
// FailNextOn to fail only one operation.
type FakeGateway struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]model.Account
	active   map[string]model.ActiveSession
	queues   map[string]model.Queue

	failErr  error
	failLeft int
	failOps  map[string]opFailure

	Calls map[string]int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		accounts: make(map[string]model.Account),
		active:   make(map[string]model.ActiveSession),
		queues:   make(map[string]model.Queue),
		failOps:  make(map[string]opFailure),
		Calls:    make(map[string]int),
	}
}

type opFailure struct {
	left int
	err  error
}

// FailNext makes the next n calls fail with err.
func (f *FakeGateway) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLeft = n
	f.failErr = err
}

// FailNextOn makes the next n calls of op fail with err. Ops are named as in
// CallCount, for example "queue_upsert".
func (f *FakeGateway) FailNextOn(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = opFailure{left: n, err: err}
}

// Connect simulates a subscriber dialing in with username from callerID.
func (f *FakeGateway) Connect(username, callerID string) model.ActiveSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := model.ActiveSession{ID: f.nextID(), Username: username, CallerID: callerID, Service: "pppoe"}
	f.active[s.ID] = s
	return s
}

func (f *FakeGateway) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

// Account returns the stored account by username.
func (f *FakeGateway) Account(username string) (model.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Username == username {
			return a, true
		}
	}
	return model.Account{}, false
}

// Queue returns the stored queue by name.
func (f *FakeGateway) Queue(name string) (model.Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		if q.Name == name {
			return q, true
		}
	}
	return model.Queue{}, false
}

func (f *FakeGateway) nextID() string {
	f.seq++
	return fmt.Sprintf("*%X", f.seq)
}

func (f *FakeGateway) enter(op string) error {
	f.Calls[op]++
	if of := f.failOps[op]; of.left > 0 {
		of.left--
		f.failOps[op] = of
		return of.err
	}
	if f.failLeft > 0 {
		f.failLeft--
		return f.failErr
	}
	return nil
}

func (f *FakeGateway) ListAccounts(context.Context) ([]model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("account_list"); err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *FakeGateway) UpsertAccount(_ context.Context, acct model.Account) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("account_upsert"); err != nil {
		return model.Account{}, err
	}
	if acct.Username == "" {
		return model.Account{}, &model.ValidationError{Field: "username", Reason: "is required"}
	}
	for id, a := range f.accounts {
		if a.Username == acct.Username {
			acct.ID = id
			f.accounts[id] = acct
			return acct, nil
		}
	}
	acct.ID = f.nextID()
	f.accounts[acct.ID] = acct
	return acct, nil
}

func (f *FakeGateway) DeleteAccount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("account_delete"); err != nil {
		return err
	}
	delete(f.accounts, id)
	return nil
}

func (f *FakeGateway) ListActiveSessions(context.Context) ([]model.ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("active_list"); err != nil {
		return nil, err
	}
	out := make([]model.ActiveSession, 0, len(f.active))
	for _, s := range f.active {
		out = append(out, s)
	}
	return out, nil
}

func (f *FakeGateway) DisconnectActiveSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("active_disconnect"); err != nil {
		return err
	}
	delete(f.active, id)
	return nil
}

func (f *FakeGateway) ListQueues(context.Context) ([]model.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("queue_list"); err != nil {
		return nil, err
	}
	out := make([]model.Queue, 0, len(f.queues))
	for _, q := range f.queues {
		out = append(out, q)
	}
	return out, nil
}

func (f *FakeGateway) UpsertQueue(_ context.Context, q model.Queue) (model.Queue, error) {
	q, err := PrepareQueue(q)
	if err != nil {
		return model.Queue{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("queue_upsert"); err != nil {
		return model.Queue{}, err
	}
	for id, existing := range f.queues {
		if existing.Name == q.Name {
			q.ID = id
			f.queues[id] = q
			return q, nil
		}
	}
	q.ID = f.nextID()
	f.queues[q.ID] = q
	return q, nil
}

func (f *FakeGateway) DeleteQueue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("queue_delete"); err != nil {
		return err
	}
	delete(f.queues, id)
	return nil
}
