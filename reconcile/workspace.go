package reconcile

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// WORKSPACE - Every record a mutation can touch, loaded once
// =============================================================================

// Workspace holds the records around a mutation target. Every loaded credit
// carries all of its allocations and every loaded receivable all of its
// payments and allocations, so both invariants can be checked on any of them
// without further reads.
//
// The cascade edits records in place; a Workspace is used for one run only.
type Workspace struct {
	Accounts     map[generic.AccountID]*billing.Account
	Credits      map[billing.CreditID]*billing.Credit
	Allocations  map[billing.AllocationID]*billing.Allocation
	Receivables  map[billing.ReceivableID]*billing.Receivable
	Payments     map[billing.PaymentID]*billing.Payment
	Tasks        map[billing.TaskID]*billing.Task
	Commissions  map[billing.CommissionID]*billing.Commission
	Transactions map[generic.AccountID][]generic.Transaction

	reads map[string]int64 // kind/id -> version as read
}

func NewWorkspace() *Workspace {
	return &Workspace{
		Accounts:     make(map[generic.AccountID]*billing.Account),
		Credits:      make(map[billing.CreditID]*billing.Credit),
		Allocations:  make(map[billing.AllocationID]*billing.Allocation),
		Receivables:  make(map[billing.ReceivableID]*billing.Receivable),
		Payments:     make(map[billing.PaymentID]*billing.Payment),
		Tasks:        make(map[billing.TaskID]*billing.Task),
		Commissions:  make(map[billing.CommissionID]*billing.Commission),
		Transactions: make(map[generic.AccountID][]generic.Transaction),
		reads:        make(map[string]int64),
	}
}

// Fingerprint is a blake3 digest over the (kind, id, version) of every
// record read. Any commit that touches one of them changes it.
func (w *Workspace) Fingerprint() string {
	keys := make([]string, 0, len(w.reads))
	for k := range w.reads {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s@%d\n", k, w.reads[k])
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (w *Workspace) read(kind, id string, version int64) {
	w.reads[kind+"/"+id] = version
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

func (w *Workspace) allocationList() []billing.Allocation {
	out := make([]billing.Allocation, 0, len(w.Allocations))
	for _, a := range w.Allocations {
		out = append(out, *a)
	}
	return out
}

func (w *Workspace) paymentList() []billing.Payment {
	out := make([]billing.Payment, 0, len(w.Payments))
	for _, p := range w.Payments {
		out = append(out, *p)
	}
	return out
}

// CreditSummary derives allocated/available for a loaded credit.
func (w *Workspace) CreditSummary(id billing.CreditID) (billing.CreditSummary, bool) {
	c, ok := w.Credits[id]
	if !ok {
		return billing.CreditSummary{}, false
	}
	return billing.SummarizeCredit(*c, w.allocationList()), true
}

// ReceivableSummary derives paid/remaining/status for a loaded receivable.
func (w *Workspace) ReceivableSummary(id billing.ReceivableID) (billing.ReceivableSummary, bool) {
	r, ok := w.Receivables[id]
	if !ok {
		return billing.ReceivableSummary{}, false
	}
	return billing.SummarizeReceivable(*r, w.paymentList(), w.allocationList()), true
}

// livePayments returns the non-deleted payments of a receivable by ID.
func (w *Workspace) livePayments(id billing.ReceivableID) []*billing.Payment {
	var out []*billing.Payment
	for _, p := range w.Payments {
		if p.ReceivableID == id && !p.Deleted() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// liveAllocations returns the non-deleted allocations matching keep, by ID.
func (w *Workspace) liveAllocations(keep func(*billing.Allocation) bool) []*billing.Allocation {
	var out []*billing.Allocation
	for _, a := range w.Allocations {
		if !a.Deleted() && keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// prepaidPayment returns the live prepaid payment on a receivable, if any.
func (w *Workspace) prepaidPayment(id billing.ReceivableID) *billing.Payment {
	var found *billing.Payment
	for _, p := range w.Payments {
		if p.ReceivableID == id && p.Method == billing.MethodPrepaid && !p.Deleted() {
			if found == nil || p.ID < found.ID {
				found = p
			}
		}
	}
	return found
}

// linkedReceivable returns the live receivable derived from a task, if loaded.
func (w *Workspace) linkedReceivable(taskID billing.TaskID) *billing.Receivable {
	for _, r := range w.Receivables {
		if r.TaskID == taskID && !r.Deleted() {
			return r
		}
	}
	return nil
}

func (w *Workspace) taskCommissions(taskID billing.TaskID) []*billing.Commission {
	var out []*billing.Commission
	for _, c := range w.Commissions {
		if c.TaskID == taskID && !c.Deleted() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// LOADER - Reads the record graph around a target
// =============================================================================

type loader struct {
	ctx context.Context
	st  billing.Store
	ws  *Workspace
}

// Load reads every record the mutation's check and cascade need.
func Load(ctx context.Context, st billing.Store, m Mutation) (*Workspace, error) {
	l := &loader{ctx: ctx, st: st, ws: NewWorkspace()}
	var err error
	switch m.Kind.TargetKind() {
	case KindCredit:
		err = l.credit(billing.CreditID(m.TargetID), true)
	case KindReceivable:
		err = l.receivable(billing.ReceivableID(m.TargetID), true)
	case KindPayment:
		err = l.payment(billing.PaymentID(m.TargetID))
	case KindAllocation:
		err = l.allocation(billing.AllocationID(m.TargetID))
	case KindTask:
		err = l.task(billing.TaskID(m.TargetID))
	default:
		err = generic.Invalid("kind", "unknown mutation kind %q", m.Kind)
	}
	if err != nil {
		return nil, err
	}
	return l.ws, nil
}

func (l *loader) account(id generic.AccountID) error {
	if _, ok := l.ws.Accounts[id]; ok {
		return nil
	}
	a, err := l.st.GetAccount(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load account %s: %w", id, err)
	}
	if a == nil {
		return fmt.Errorf("%w: %s", generic.ErrAccountNotFound, id)
	}
	txs, err := l.st.Load(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load transactions of %s: %w", id, err)
	}
	l.ws.Accounts[id] = a
	l.ws.Transactions[id] = txs
	l.ws.read(KindAccount, string(id), a.Version)
	return nil
}

// credit loads a credit and all its allocations. With deep set, the
// receivables those allocations pay are loaded too.
func (l *loader) credit(id billing.CreditID, deep bool) error {
	if _, ok := l.ws.Credits[id]; ok && !deep {
		return nil
	}
	c, err := l.st.GetCredit(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load credit %s: %w", id, err)
	}
	if c == nil {
		return &generic.NotFoundError{Kind: KindCredit, ID: string(id)}
	}
	l.ws.Credits[id] = c
	l.ws.read(KindCredit, string(id), c.Version)

	allocs, err := l.st.ListAllocationsByCredit(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load allocations of credit %s: %w", id, err)
	}
	for i := range allocs {
		l.putAllocation(allocs[i])
	}
	if err := l.account(c.ClientID); err != nil {
		return err
	}
	if !deep {
		return nil
	}
	for _, a := range allocs {
		if a.Deleted() {
			continue
		}
		if err := l.receivable(a.ReceivableID, false); err != nil {
			return err
		}
	}
	return nil
}

// receivable loads a receivable with all its payments and allocations. With
// deep set, the credits behind those allocations and the task the
// receivable was derived from are loaded too.
func (l *loader) receivable(id billing.ReceivableID, deep bool) error {
	if _, ok := l.ws.Receivables[id]; ok && !deep {
		return nil
	}
	r, err := l.st.GetReceivable(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load receivable %s: %w", id, err)
	}
	if r == nil {
		return &generic.NotFoundError{Kind: KindReceivable, ID: string(id)}
	}
	l.ws.Receivables[id] = r
	l.ws.read(KindReceivable, string(id), r.Version)

	payments, err := l.st.ListPaymentsByReceivable(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load payments of receivable %s: %w", id, err)
	}
	for i := range payments {
		p := payments[i]
		if _, ok := l.ws.Payments[p.ID]; !ok {
			l.ws.Payments[p.ID] = &p
			l.ws.read(KindPayment, string(p.ID), p.Version)
		}
	}
	allocs, err := l.st.ListAllocationsByReceivable(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load allocations of receivable %s: %w", id, err)
	}
	for i := range allocs {
		l.putAllocation(allocs[i])
	}
	if err := l.account(r.ClientID); err != nil {
		return err
	}
	if !deep {
		return nil
	}
	for _, a := range allocs {
		if a.Deleted() {
			continue
		}
		if err := l.credit(a.CreditID, false); err != nil {
			return err
		}
	}
	if r.TaskID != "" {
		t, err := l.st.GetTask(l.ctx, r.TaskID)
		if err != nil {
			return fmt.Errorf("load task %s: %w", r.TaskID, err)
		}
		if t != nil {
			l.ws.Tasks[t.ID] = t
			l.ws.read(KindTask, string(t.ID), t.Version)
		}
	}
	return nil
}

func (l *loader) putAllocation(a billing.Allocation) {
	if _, ok := l.ws.Allocations[a.ID]; ok {
		return
	}
	l.ws.Allocations[a.ID] = &a
	l.ws.read(KindAllocation, string(a.ID), a.Version)
}

func (l *loader) payment(id billing.PaymentID) error {
	p, err := l.st.GetPayment(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load payment %s: %w", id, err)
	}
	if p == nil {
		return &generic.NotFoundError{Kind: KindPayment, ID: string(id)}
	}
	return l.receivable(p.ReceivableID, true)
}

func (l *loader) allocation(id billing.AllocationID) error {
	a, err := l.st.GetAllocation(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load allocation %s: %w", id, err)
	}
	if a == nil {
		return &generic.NotFoundError{Kind: KindAllocation, ID: string(id)}
	}
	if err := l.credit(a.CreditID, false); err != nil {
		return err
	}
	return l.receivable(a.ReceivableID, true)
}

func (l *loader) task(id billing.TaskID) error {
	t, err := l.st.GetTask(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if t == nil {
		return &generic.NotFoundError{Kind: KindTask, ID: string(id)}
	}
	l.ws.Tasks[id] = t
	l.ws.read(KindTask, string(id), t.Version)
	if err := l.account(t.ClientID); err != nil {
		return err
	}

	commissions, err := l.st.ListCommissionsByTask(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load commissions of task %s: %w", id, err)
	}
	for i := range commissions {
		c := commissions[i]
		l.ws.Commissions[c.ID] = &c
		l.ws.read(KindCommission, string(c.ID), c.Version)
		if err := l.account(c.EmployeeID); err != nil {
			return err
		}
	}

	r, err := l.st.GetReceivableByTask(l.ctx, id)
	if err != nil {
		return fmt.Errorf("load receivable of task %s: %w", id, err)
	}
	if r != nil {
		return l.receivable(r.ID, true)
	}
	return nil
}

// =============================================================================
// TARGET ACCESS
// =============================================================================

// targetVersion returns the stored version of the mutation target and the
// record itself, for concurrent modification reporting.
func (w *Workspace) targetVersion(m Mutation) (int64, any, error) {
	switch m.Kind.TargetKind() {
	case KindCredit:
		if c, ok := w.Credits[billing.CreditID(m.TargetID)]; ok {
			return c.Version, *c, nil
		}
	case KindReceivable:
		if r, ok := w.Receivables[billing.ReceivableID(m.TargetID)]; ok {
			return r.Version, *r, nil
		}
	case KindPayment:
		if p, ok := w.Payments[billing.PaymentID(m.TargetID)]; ok {
			return p.Version, *p, nil
		}
	case KindAllocation:
		if a, ok := w.Allocations[billing.AllocationID(m.TargetID)]; ok {
			return a.Version, *a, nil
		}
	case KindTask:
		if t, ok := w.Tasks[billing.TaskID(m.TargetID)]; ok {
			return t.Version, *t, nil
		}
	}
	return 0, nil, &generic.NotFoundError{Kind: m.Kind.TargetKind(), ID: m.TargetID}
}

// VerifyVersion fails with a ConcurrentModificationError when the target
// moved on since the caller read it.
func (w *Workspace) VerifyVersion(m Mutation) error {
	version, current, err := w.targetVersion(m)
	if err != nil {
		return err
	}
	if version != m.ExpectedVersion {
		return &generic.ConcurrentModificationError{
			RecordKind:      m.Kind.TargetKind(),
			RecordID:        m.TargetID,
			ExpectedVersion: m.ExpectedVersion,
			ActualVersion:   version,
			Current:         current,
		}
	}
	return nil
}
