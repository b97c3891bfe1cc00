package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

// memStore is an in-memory stand-in for the Postgres store with the same
// conditional-write semantics: transitions whose precondition fails return
// (nil, nil).
type memStore struct {
	mu    sync.Mutex
	ins   map[uuid.UUID]*storage.Insurance
	logs  []storage.StateLog
	txs   []storage.Transaction
	users map[uuid.UUID]*storage.User
}

func newMemStore() *memStore {
	return &memStore{
		ins:   make(map[uuid.UUID]*storage.Insurance),
		users: make(map[uuid.UUID]*storage.User),
	}
}

func (m *memStore) put(ins *storage.Insurance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ins
	m.ins[ins.ID] = &cp
}

func (m *memStore) putUser(u *storage.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func (m *memStore) GetInsurance(_ context.Context, id uuid.UUID) (*storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.ins[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *ins
	return &cp, nil
}

func (m *memStore) CreateInsurance(_ context.Context, ins *storage.Insurance) error {
	m.put(ins)
	return nil
}

func (m *memStore) SetTxHash(_ context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ins, ok := m.ins[id]; ok {
		h := hash
		ins.TxHash = &h
	}
	return nil
}

func (m *memStore) MarkInvalid(_ context.Context, id uuid.UUID, reason string, closedAt time.Time) (*storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.ins[id]
	if !ok || ins.State == storage.StateInvalid {
		return nil, nil
	}
	ins.State = storage.StateInvalid
	r := reason
	ins.InvalidReason = &r
	c := closedAt
	ins.ClosedAt = &c
	cp := *ins
	return &cp, nil
}

func (m *memStore) MarkAvailable(_ context.Context, id uuid.UUID, f storage.ActivationFields) (*storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.ins[id]
	if !ok || ins.State == storage.StateAvailable {
		return nil, nil
	}
	ins.State = storage.StateAvailable
	ins.POpen = f.POpen
	ins.PLiquidation = f.PLiquidation
	ins.PRefund = f.PRefund
	ins.PCancel = f.PCancel
	ins.QClaim = f.QClaim
	ins.Leverage = f.Leverage
	ins.SystemCapital = f.SystemCapital
	ins.FutureQuantity = f.FutureQuantity
	ins.Hedge = f.Hedge
	exp := f.ExpiredAt
	ins.ExpiredAt = &exp
	cp := *ins
	return &cp, nil
}

func (m *memStore) MarkClosing(_ context.Context, id uuid.UUID, target storage.State, f storage.CloseFields) (*storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.ins[id]
	if !ok || ins.State == target {
		return nil, nil
	}
	ins.State = target
	ins.PClose = f.PClose
	ins.PnLUser = f.PnLUser
	ins.PnLProject = f.PnLProject
	c := f.ClosedAt
	ins.ClosedAt = &c
	cp := *ins
	return &cp, nil
}

func (m *memStore) ConfirmState(_ context.Context, id uuid.UUID, target storage.State, closedAt time.Time) (*storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.ins[id]
	if !ok || ins.State == target {
		return nil, nil
	}
	ins.State = target
	c := closedAt
	ins.ClosedAt = &c
	cp := *ins
	return &cp, nil
}

func (m *memStore) ListByState(_ context.Context, state storage.State, limit int) ([]storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Insurance
	for _, ins := range m.ins {
		if ins.State == state {
			out = append(out, *ins)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListRecent(_ context.Context, limit int) ([]storage.Insurance, error) {
	return m.ListByState(context.Background(), "", limit)
}

func (m *memStore) ListSettledBetween(_ context.Context, from, to time.Time) ([]storage.Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Insurance
	for _, ins := range m.ins {
		if ins.ClosedAt != nil && !ins.ClosedAt.Before(from) && ins.ClosedAt.Before(to) {
			out = append(out, *ins)
		}
	}
	return out, nil
}

func (m *memStore) AppendStateLog(_ context.Context, entry storage.StateLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) ListStateLogs(_ context.Context, id uuid.UUID) ([]storage.StateLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.StateLog
	for _, entry := range m.logs {
		if entry.InsuranceID == id {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memStore) CreateTransaction(_ context.Context, tx *storage.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, *tx)
	return nil
}

func (m *memStore) GetUser(_ context.Context, id uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) transactions() []storage.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Transaction(nil), m.txs...)
}

var (
	_ storage.InsuranceStore   = (*memStore)(nil)
	_ storage.StateLogStore    = (*memStore)(nil)
	_ storage.TransactionStore = (*memStore)(nil)
	_ storage.UserStore        = (*memStore)(nil)
)

// fakeContract records every contract call and answers with a canned hash,
// or the configured error per action.
type fakeContract struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newFakeContract() *fakeContract {
	return &fakeContract{fail: make(map[string]error)}
}

func (c *fakeContract) exec(action string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, action)
	if err := c.fail[action]; err != nil {
		return "", err
	}
	return "HASH-" + action, nil
}

func (c *fakeContract) setFail(action string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, action)
		return
	}
	c.fail[action] = err
}

func (c *fakeContract) count(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == action {
			n++
		}
	}
	return n
}

func (c *fakeContract) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeContract) MarkInvalid(context.Context, string) (string, error) {
	return c.exec("invalid")
}

func (c *fakeContract) MarkAvailable(context.Context, string, decimal.Decimal, time.Time) (string, error) {
	return c.exec("available")
}

func (c *fakeContract) Cancel(context.Context, string) (string, error)    { return c.exec("cancel") }
func (c *fakeContract) Claim(context.Context, string) (string, error)     { return c.exec("claim") }
func (c *fakeContract) Refund(context.Context, string) (string, error)    { return c.exec("refund") }
func (c *fakeContract) Liquidate(context.Context, string) (string, error) { return c.exec("liquidate") }
func (c *fakeContract) Expire(context.Context, string) (string, error)    { return c.exec("expire") }

var _ ContractCaller = (*fakeContract)(nil)

type fakeFeed struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (f *fakeFeed) FuturePrice(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

type fakeHedger struct {
	mu     sync.Mutex
	placed []uuid.UUID
}

func (h *fakeHedger) PlaceHedge(_ context.Context, ins storage.Insurance) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.placed = append(h.placed, ins.ID)
	return nil
}

func (h *fakeHedger) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.placed)
}
