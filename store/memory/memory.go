// Package memory provides an in-memory billing.Store for tests and demos.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

// state holds every table. Methods on state never lock; callers do.
type state struct {
	transactions map[generic.AccountID][]generic.Transaction
	byReference  map[string][]generic.Transaction
	idempotency  map[string]bool

	audit    []generic.AuditEntry
	auditKey map[string]bool

	accounts    map[generic.AccountID]billing.Account
	credits     map[billing.CreditID]billing.Credit
	allocations map[billing.AllocationID]billing.Allocation
	receivables map[billing.ReceivableID]billing.Receivable
	payments    map[billing.PaymentID]billing.Payment
	tasks       map[billing.TaskID]billing.Task
	commissions map[billing.CommissionID]billing.Commission
}

func newState() *state {
	return &state{
		transactions: make(map[generic.AccountID][]generic.Transaction),
		byReference:  make(map[string][]generic.Transaction),
		idempotency:  make(map[string]bool),
		auditKey:     make(map[string]bool),
		accounts:     make(map[generic.AccountID]billing.Account),
		credits:      make(map[billing.CreditID]billing.Credit),
		allocations:  make(map[billing.AllocationID]billing.Allocation),
		receivables:  make(map[billing.ReceivableID]billing.Receivable),
		payments:     make(map[billing.PaymentID]billing.Payment),
		tasks:        make(map[billing.TaskID]billing.Task),
		commissions:  make(map[billing.CommissionID]billing.Commission),
	}
}

func New() *Memory {
	return &Memory{st: newState()}
}

// Reset drops every record and transaction.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
}

// =============================================================================
// TRANSACTIONS (generic.Store)
// =============================================================================

func (s *state) appendTx(tx generic.Transaction) error {
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	txs := s.transactions[tx.AccountID]

	// Keep EffectiveAt order; equal dates keep append order.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = append(txs, generic.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	s.transactions[tx.AccountID] = txs

	if tx.ReferenceID != "" {
		s.byReference[tx.ReferenceID] = append(s.byReference[tx.ReferenceID], tx)
	}
	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (s *state) appendBatch(txs []generic.Transaction) error {
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if s.idempotency[tx.IdempotencyKey] || seen[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}
	for _, tx := range txs {
		if err := s.appendTx(tx); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) load(accountID generic.AccountID) []generic.Transaction {
	result := make([]generic.Transaction, len(s.transactions[accountID]))
	copy(result, s.transactions[accountID])
	return result
}

func (s *state) loadByReference(referenceID string) []generic.Transaction {
	result := make([]generic.Transaction, len(s.byReference[referenceID]))
	copy(result, s.byReference[referenceID])
	return result
}

func (m *Memory) Append(_ context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendTx(tx)
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendBatch(txs)
}

func (m *Memory) Load(_ context.Context, accountID generic.AccountID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.load(accountID), nil
}

func (m *Memory) LoadByReference(_ context.Context, referenceID string) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loadByReference(referenceID), nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.idempotency[idempotencyKey], nil
}

// =============================================================================
// AUDIT LOG (generic.AuditLog)
// =============================================================================

func (s *state) appendAudit(e generic.AuditEntry) error {
	if e.IdempotencyKey != "" {
		if s.auditKey[e.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		s.auditKey[e.IdempotencyKey] = true
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *state) queryAudit(f generic.AuditFilter) []generic.AuditEntry {
	var out []generic.AuditEntry
	for _, e := range s.audit {
		if matchAudit(e, f) {
			out = append(out, e)
		}
	}
	return out
}

func matchAudit(e generic.AuditEntry, f generic.AuditFilter) bool {
	if f.TargetID != nil && e.TargetID != *f.TargetID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

func (m *Memory) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendAudit(e)
}

func (m *Memory) QueryAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.queryAudit(f), nil
}

func (m *Memory) AuditExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.auditKey[key], nil
}

// =============================================================================
// RECORDS (billing.Store)
// =============================================================================

func getFrom[K comparable, V any](m map[K]V, id K) *V {
	v, ok := m[id]
	if !ok {
		return nil
	}
	return &v
}

func (s *state) listAccounts() []billing.Account {
	out := make([]billing.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) creditsByClient(clientID generic.AccountID) []billing.Credit {
	var out []billing.Credit
	for _, c := range s.credits {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) allocationsWhere(match func(billing.Allocation) bool) []billing.Allocation {
	var out []billing.Allocation
	for _, a := range s.allocations {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) receivablesByClient(clientID generic.AccountID) []billing.Receivable {
	var out []billing.Receivable
	for _, r := range s.receivables {
		if r.ClientID == clientID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) receivableByTask(taskID billing.TaskID) *billing.Receivable {
	for _, r := range s.receivables {
		if r.TaskID == taskID && !r.Deleted() {
			r := r
			return &r
		}
	}
	return nil
}

func (s *state) paymentsByReceivable(id billing.ReceivableID) []billing.Payment {
	var out []billing.Payment
	for _, p := range s.payments {
		if p.ReceivableID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) commissionsByTask(id billing.TaskID) []billing.Commission {
	var out []billing.Commission
	for _, c := range s.commissions {
		if c.TaskID == id {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetAccount(_ context.Context, id generic.AccountID) (*billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.accounts, id), nil
}

func (m *Memory) SaveAccount(_ context.Context, a billing.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.accounts[a.ID] = a
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAccounts(), nil
}

func (m *Memory) GetCredit(_ context.Context, id billing.CreditID) (*billing.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.credits, id), nil
}

func (m *Memory) SaveCredit(_ context.Context, c billing.Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.credits[c.ID] = c
	return nil
}

func (m *Memory) ListCreditsByClient(_ context.Context, clientID generic.AccountID) ([]billing.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.creditsByClient(clientID), nil
}

func (m *Memory) GetAllocation(_ context.Context, id billing.AllocationID) (*billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.allocations, id), nil
}

func (m *Memory) SaveAllocation(_ context.Context, a billing.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.allocations[a.ID] = a
	return nil
}

func (m *Memory) ListAllocationsByCredit(_ context.Context, creditID billing.CreditID) ([]billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.allocationsWhere(func(a billing.Allocation) bool { return a.CreditID == creditID }), nil
}

func (m *Memory) ListAllocationsByReceivable(_ context.Context, id billing.ReceivableID) ([]billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.allocationsWhere(func(a billing.Allocation) bool { return a.ReceivableID == id }), nil
}

func (m *Memory) GetReceivable(_ context.Context, id billing.ReceivableID) (*billing.Receivable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.receivables, id), nil
}

func (m *Memory) SaveReceivable(_ context.Context, r billing.Receivable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.receivables[r.ID] = r
	return nil
}

func (m *Memory) ListReceivablesByClient(_ context.Context, clientID generic.AccountID) ([]billing.Receivable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.receivablesByClient(clientID), nil
}

func (m *Memory) GetReceivableByTask(_ context.Context, taskID billing.TaskID) (*billing.Receivable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.receivableByTask(taskID), nil
}

func (m *Memory) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.payments, id), nil
}

func (m *Memory) SavePayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.payments[p.ID] = p
	return nil
}

func (m *Memory) ListPaymentsByReceivable(_ context.Context, id billing.ReceivableID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.paymentsByReceivable(id), nil
}

func (m *Memory) GetTask(_ context.Context, id billing.TaskID) (*billing.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.tasks, id), nil
}

func (m *Memory) SaveTask(_ context.Context, t billing.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetCommission(_ context.Context, id billing.CommissionID) (*billing.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.st.commissions, id), nil
}

func (m *Memory) SaveCommission(_ context.Context, c billing.Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.commissions[c.ID] = c
	return nil
}

func (m *Memory) ListCommissionsByTask(_ context.Context, taskID billing.TaskID) ([]billing.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.commissionsByTask(taskID), nil
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error
// or panic.
// The store lock is held for the whole of fn, so transactions serialize.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	defer func() {
		if p := recover(); p != nil {
			m.st = snapshot
			panic(p)
		}
	}()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.transactions {
		c.transactions[k] = append([]generic.Transaction{}, v...)
	}
	for k, v := range s.byReference {
		c.byReference[k] = append([]generic.Transaction{}, v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	c.audit = append([]generic.AuditEntry{}, s.audit...)
	for k, v := range s.auditKey {
		c.auditKey[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.credits {
		c.credits[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.receivables {
		c.receivables[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	return c
}

// txView is the store handed to WithTx callbacks. It works on the live state
// without locking because WithTx already holds the lock.
type txView struct {
	st *state
}

func (tv *txView) Append(_ context.Context, tx generic.Transaction) error {
	return tv.st.appendTx(tx)
}

func (tv *txView) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	return tv.st.appendBatch(txs)
}

func (tv *txView) Load(_ context.Context, accountID generic.AccountID) ([]generic.Transaction, error) {
	return tv.st.load(accountID), nil
}

func (tv *txView) LoadByReference(_ context.Context, referenceID string) ([]generic.Transaction, error) {
	return tv.st.loadByReference(referenceID), nil
}

func (tv *txView) Exists(_ context.Context, key string) (bool, error) {
	return tv.st.idempotency[key], nil
}

func (tv *txView) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	return tv.st.appendAudit(e)
}

func (tv *txView) QueryAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	return tv.st.queryAudit(f), nil
}

func (tv *txView) AuditExists(_ context.Context, key string) (bool, error) {
	return tv.st.auditKey[key], nil
}

func (tv *txView) GetAccount(_ context.Context, id generic.AccountID) (*billing.Account, error) {
	return getFrom(tv.st.accounts, id), nil
}

func (tv *txView) SaveAccount(_ context.Context, a billing.Account) error {
	tv.st.accounts[a.ID] = a
	return nil
}

func (tv *txView) ListAccounts(_ context.Context) ([]billing.Account, error) {
	return tv.st.listAccounts(), nil
}

func (tv *txView) GetCredit(_ context.Context, id billing.CreditID) (*billing.Credit, error) {
	return getFrom(tv.st.credits, id), nil
}

func (tv *txView) SaveCredit(_ context.Context, c billing.Credit) error {
	tv.st.credits[c.ID] = c
	return nil
}

func (tv *txView) ListCreditsByClient(_ context.Context, clientID generic.AccountID) ([]billing.Credit, error) {
	return tv.st.creditsByClient(clientID), nil
}

func (tv *txView) GetAllocation(_ context.Context, id billing.AllocationID) (*billing.Allocation, error) {
	return getFrom(tv.st.allocations, id), nil
}

func (tv *txView) SaveAllocation(_ context.Context, a billing.Allocation) error {
	tv.st.allocations[a.ID] = a
	return nil
}

func (tv *txView) ListAllocationsByCredit(_ context.Context, creditID billing.CreditID) ([]billing.Allocation, error) {
	return tv.st.allocationsWhere(func(a billing.Allocation) bool { return a.CreditID == creditID }), nil
}

func (tv *txView) ListAllocationsByReceivable(_ context.Context, id billing.ReceivableID) ([]billing.Allocation, error) {
	return tv.st.allocationsWhere(func(a billing.Allocation) bool { return a.ReceivableID == id }), nil
}

func (tv *txView) GetReceivable(_ context.Context, id billing.ReceivableID) (*billing.Receivable, error) {
	return getFrom(tv.st.receivables, id), nil
}

func (tv *txView) SaveReceivable(_ context.Context, r billing.Receivable) error {
	tv.st.receivables[r.ID] = r
	return nil
}

func (tv *txView) ListReceivablesByClient(_ context.Context, clientID generic.AccountID) ([]billing.Receivable, error) {
	return tv.st.receivablesByClient(clientID), nil
}

func (tv *txView) GetReceivableByTask(_ context.Context, taskID billing.TaskID) (*billing.Receivable, error) {
	return tv.st.receivableByTask(taskID), nil
}

func (tv *txView) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	return getFrom(tv.st.payments, id), nil
}

func (tv *txView) SavePayment(_ context.Context, p billing.Payment) error {
	tv.st.payments[p.ID] = p
	return nil
}

func (tv *txView) ListPaymentsByReceivable(_ context.Context, id billing.ReceivableID) ([]billing.Payment, error) {
	return tv.st.paymentsByReceivable(id), nil
}

func (tv *txView) GetTask(_ context.Context, id billing.TaskID) (*billing.Task, error) {
	return getFrom(tv.st.tasks, id), nil
}

func (tv *txView) SaveTask(_ context.Context, t billing.Task) error {
	tv.st.tasks[t.ID] = t
	return nil
}

func (tv *txView) GetCommission(_ context.Context, id billing.CommissionID) (*billing.Commission, error) {
	return getFrom(tv.st.commissions, id), nil
}

func (tv *txView) SaveCommission(_ context.Context, c billing.Commission) error {
	tv.st.commissions[c.ID] = c
	return nil
}

func (tv *txView) ListCommissionsByTask(_ context.Context, taskID billing.TaskID) ([]billing.Commission, error) {
	return tv.st.commissionsByTask(taskID), nil
}

// WithTx on a view runs fn in the enclosing transaction.
func (tv *txView) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(tv)
}

var (
	_ billing.Store = (*Memory)(nil)
	_ billing.Store = (*txView)(nil)
)
