/*
checker.go - Invariant checks for proposed mutations

PURPOSE:
  Decides whether a mutation is safe. If not, computes the exact gap
  (deficit for credits, surplus for receivables) and the dependents a
  resolution can act on. Checks are pure: they read a loaded Workspace and
  never write. The engine runs them again inside the commit transaction.

CONFLICT TABLE:
  credit_amount      proposed < allocated      deficit = allocated - proposed
  credit_delete      allocated > 0             deficit = allocated
  receivable_amount  proposed < paid           surplus = paid - proposed
  receivable_delete  any payment/allocation    surplus = paid
  payment_amount     new paid > amount         surplus = new paid - amount
  task_*             never; lists what the cascade will recompute

  Payment and allocation deletes never conflict (they only shrink paid).
  Allocation increases beyond what the credit or receivable can take are
  validation errors: there is nothing to trade off.
*/
package reconcile

import (
	"sort"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// CONFLICT TYPES
// =============================================================================

type ConflictKind string

const (
	ConflictCreditReduction ConflictKind = "credit_reduction_conflict"
	ConflictCreditDeletion  ConflictKind = "credit_deletion_conflict"
	ConflictOverpayment     ConflictKind = "overpayment_detected"
	ConflictRecordsExist    ConflictKind = "deletion_conflict_financial_records_exist"
)

type GapKind string

const (
	GapDeficit GapKind = "deficit" // credit side: allocations exceed the credit
	GapSurplus GapKind = "surplus" // receivable side: paid exceeds the amount
)

type DependentKind string

const (
	DependentPayment    DependentKind = "payment"
	DependentAllocation DependentKind = "allocation"
)

// Dependent is a payment or allocation a resolution may act on.
type Dependent struct {
	Kind         DependentKind         `json:"kind"`
	ID           string                `json:"id"`
	Amount       generic.Amount        `json:"amount"`
	Date         generic.TimePoint     `json:"date"`
	Method       billing.PaymentMethod `json:"method,omitempty"`
	CreditID     billing.CreditID      `json:"credit_id,omitempty"`
	ReceivableID billing.ReceivableID  `json:"receivable_id"`

	created generic.TimePoint
}

// Conflict describes a mutation that would break an invariant.
type Conflict struct {
	Kind           ConflictKind      `json:"kind"`
	Mutation       Mutation          `json:"mutation"`
	TargetKind     string            `json:"target_kind"`
	TargetID       string            `json:"target_id"`
	ClientID       generic.AccountID `json:"client_id"`
	GapKind        GapKind           `json:"gap_kind"`
	Gap            generic.Amount    `json:"gap"`
	CurrentAmount  generic.Amount    `json:"current_amount"`
	ProposedAmount generic.Amount    `json:"proposed_amount"`
	Allocated      generic.Amount    `json:"allocated_amount"` // credit conflicts
	TotalPaid      generic.Amount    `json:"total_paid"`       // receivable conflicts
	Dependents     []Dependent       `json:"dependents"`       // LIFO order
}

// CreditSide is true for conflicts raised on a credit.
func (c *Conflict) CreditSide() bool {
	return c.Kind == ConflictCreditReduction || c.Kind == ConflictCreditDeletion
}

func (c *Conflict) dependents(kind DependentKind) []Dependent {
	var out []Dependent
	for _, d := range c.Dependents {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (c *Conflict) Payments() []Dependent    { return c.dependents(DependentPayment) }
func (c *Conflict) Allocations() []Dependent { return c.dependents(DependentAllocation) }

// Total is the sum of every dependent amount.
func Total(ds []Dependent) generic.Amount {
	sum := generic.Zero()
	for _, d := range ds {
		sum = sum.Add(d.Amount)
	}
	return sum
}

func (c *Conflict) find(kind DependentKind, id string) (Dependent, bool) {
	for _, d := range c.Dependents {
		if d.ID == id && (kind == "" || d.Kind == kind) {
			return d, true
		}
	}
	return Dependent{}, false
}

// RecomputeSet lists what a task cascade will recompute.
type RecomputeSet struct {
	TaskID       billing.TaskID         `json:"task_id"`
	ReceivableID billing.ReceivableID   `json:"receivable_id,omitempty"`
	Accounts     []generic.AccountID    `json:"accounts"`
	Commissions  []billing.CommissionID `json:"commissions"`
}

type CheckResult struct {
	OK        bool          `json:"ok"`
	Conflict  *Conflict     `json:"conflict,omitempty"`
	Recompute *RecomputeSet `json:"recompute_required,omitempty"`
}

// =============================================================================
// CHECK
// =============================================================================

// Check runs the invariant check for m against ws. Errors are validation or
// not-found errors; an invariant violation is a result, not an error.
func Check(m Mutation, ws *Workspace) (*CheckResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch m.Kind {
	case CreditAmount, CreditDelete:
		return checkCredit(m, ws)
	case ReceivableAmount, ReceivableDelete:
		return checkReceivable(m, ws)
	case PaymentAmount, PaymentDelete:
		return checkPayment(m, ws)
	case AllocationAmount, AllocationDelete:
		return checkAllocation(m, ws)
	case TaskAmount, TaskPrepaid, TaskExpense:
		return checkTask(m, ws)
	}
	return nil, generic.Invalid("kind", "unknown mutation kind %q", m.Kind)
}

func okResult() *CheckResult { return &CheckResult{OK: true} }

func conflicted(c *Conflict) *CheckResult {
	return &CheckResult{OK: false, Conflict: c}
}

func checkCredit(m Mutation, ws *Workspace) (*CheckResult, error) {
	s, found := ws.CreditSummary(billing.CreditID(m.TargetID))
	if !found || s.Credit.Deleted() {
		return nil, &generic.NotFoundError{Kind: KindCredit, ID: m.TargetID}
	}

	proposed := m.Amount
	kind := ConflictCreditReduction
	if m.Kind == CreditDelete {
		proposed = generic.Zero()
		kind = ConflictCreditDeletion
	}
	if !s.Allocated.Exceeds(proposed) {
		return okResult(), nil
	}
	return conflicted(&Conflict{
		Kind:           kind,
		Mutation:       m,
		TargetKind:     KindCredit,
		TargetID:       m.TargetID,
		ClientID:       s.Credit.ClientID,
		GapKind:        GapDeficit,
		Gap:            s.Allocated.Sub(proposed),
		CurrentAmount:  s.Credit.Amount,
		ProposedAmount: proposed,
		Allocated:      s.Allocated,
		TotalPaid:      generic.Zero(),
		Dependents:     allocationDependents(s.Allocations),
	}), nil
}

func checkReceivable(m Mutation, ws *Workspace) (*CheckResult, error) {
	s, found := ws.ReceivableSummary(billing.ReceivableID(m.TargetID))
	if !found || s.Receivable.Deleted() {
		return nil, &generic.NotFoundError{Kind: KindReceivable, ID: m.TargetID}
	}

	c := &Conflict{
		Mutation:      m,
		TargetKind:    KindReceivable,
		TargetID:      m.TargetID,
		ClientID:      s.Receivable.ClientID,
		GapKind:       GapSurplus,
		CurrentAmount: s.Receivable.Amount,
		Allocated:     generic.Zero(),
		TotalPaid:     s.Paid,
		Dependents:    receivableDependents(s, ""),
	}
	if m.Kind == ReceivableDelete {
		if len(c.Dependents) == 0 {
			return okResult(), nil
		}
		c.Kind = ConflictRecordsExist
		c.ProposedAmount = generic.Zero()
		c.Gap = s.Paid
		return conflicted(c), nil
	}

	if !s.Paid.Exceeds(m.Amount) {
		return okResult(), nil
	}
	c.Kind = ConflictOverpayment
	c.ProposedAmount = m.Amount
	c.Gap = s.Paid.Sub(m.Amount)
	return conflicted(c), nil
}

func checkPayment(m Mutation, ws *Workspace) (*CheckResult, error) {
	p, found := ws.Payments[billing.PaymentID(m.TargetID)]
	if !found || p.Deleted() {
		return nil, &generic.NotFoundError{Kind: KindPayment, ID: m.TargetID}
	}
	if p.Method == billing.MethodPrepaid {
		r := ws.Receivables[p.ReceivableID]
		return nil, generic.Invalid("payment", "payment %s is the prepaid part of task %s; change the task prepaid amount instead", p.ID, r.TaskID)
	}
	if m.Kind == PaymentDelete {
		return okResult(), nil
	}

	s, _ := ws.ReceivableSummary(p.ReceivableID)
	newPaid := s.Paid.Sub(p.Amount).Add(m.Amount)
	if !newPaid.Exceeds(s.Receivable.Amount) {
		return okResult(), nil
	}
	return conflicted(&Conflict{
		Kind:           ConflictOverpayment,
		Mutation:       m,
		TargetKind:     KindPayment,
		TargetID:       m.TargetID,
		ClientID:       s.Receivable.ClientID,
		GapKind:        GapSurplus,
		Gap:            newPaid.Sub(s.Receivable.Amount),
		CurrentAmount:  p.Amount,
		ProposedAmount: m.Amount,
		Allocated:      generic.Zero(),
		TotalPaid:      newPaid,
		Dependents:     receivableDependents(s, string(p.ID)),
	}), nil
}

func checkAllocation(m Mutation, ws *Workspace) (*CheckResult, error) {
	a, found := ws.Allocations[billing.AllocationID(m.TargetID)]
	if !found || a.Deleted() {
		return nil, &generic.NotFoundError{Kind: KindAllocation, ID: m.TargetID}
	}
	if m.Kind == AllocationDelete {
		return okResult(), nil
	}

	increase := m.Amount.Sub(a.Amount)
	if !increase.IsPositive() {
		return okResult(), nil
	}
	cs, _ := ws.CreditSummary(a.CreditID)
	if increase.Exceeds(cs.Available) {
		return nil, generic.Invalid("amount", "credit %s has %s available, allocation %s needs %s more",
			cs.Credit.ID, cs.Available, a.ID, increase)
	}
	rs, _ := ws.ReceivableSummary(a.ReceivableID)
	if increase.Exceeds(rs.Remaining) {
		return nil, generic.Invalid("amount", "receivable %s has %s remaining, allocation %s needs %s more",
			rs.Receivable.ID, rs.Remaining, a.ID, increase)
	}
	return okResult(), nil
}

func checkTask(m Mutation, ws *Workspace) (*CheckResult, error) {
	t, found := ws.Tasks[billing.TaskID(m.TargetID)]
	if !found {
		return nil, &generic.NotFoundError{Kind: KindTask, ID: m.TargetID}
	}

	next := *t
	switch m.Kind {
	case TaskAmount:
		next.Amount = m.Amount
		if t.PrepaidAmount.Exceeds(m.Amount) {
			return nil, generic.Invalid("amount", "task amount %s is below the prepaid amount %s", m.Amount, t.PrepaidAmount)
		}
	case TaskPrepaid:
		next.PrepaidAmount = m.Amount
		if m.Amount.Exceeds(t.Amount) {
			return nil, generic.Invalid("prepaid_amount", "prepaid %s exceeds task amount %s", m.Amount, t.Amount)
		}
	case TaskExpense:
		next.ExpenseAmount = m.Amount
	}
	if err := billing.ValidateTask(next); err != nil {
		return nil, err
	}
	if !t.Approved() {
		return okResult(), nil
	}

	rs := &RecomputeSet{TaskID: t.ID}
	accounts := map[generic.AccountID]bool{}
	if r := ws.linkedReceivable(t.ID); r != nil {
		rs.ReceivableID = r.ID
		accounts[r.ClientID] = true
		if err := checkLinkedInvoice(m, ws, *r, next); err != nil {
			return nil, err
		}
	} else if next.Amount.IsPositive() {
		accounts[t.ClientID] = true
	}
	for _, c := range ws.taskCommissions(t.ID) {
		rs.Commissions = append(rs.Commissions, c.ID)
		accounts[c.EmployeeID] = true
	}
	for id := range accounts {
		rs.Accounts = append(rs.Accounts, id)
	}
	sort.Slice(rs.Accounts, func(i, j int) bool { return rs.Accounts[i] < rs.Accounts[j] })
	return &CheckResult{OK: true, Recompute: rs}, nil
}

// checkLinkedInvoice rejects task changes that would overpay the invoice
// derived from the task. Those must be resolved on the invoice first.
func checkLinkedInvoice(m Mutation, ws *Workspace, r billing.Receivable, next billing.Task) error {
	s, _ := ws.ReceivableSummary(r.ID)
	paid := s.Paid
	amount := r.Amount
	switch m.Kind {
	case TaskAmount:
		amount = next.Amount
	case TaskPrepaid:
		if p := ws.prepaidPayment(r.ID); p != nil {
			paid = paid.Sub(p.Amount)
		}
		paid = paid.Add(next.PrepaidAmount)
	default:
		return nil
	}
	if paid.Exceeds(amount) {
		return generic.Invalid("amount", "invoice %s would be paid %s against %s; resolve the overpayment on the invoice first",
			r.ID, paid, amount)
	}
	return nil
}

// =============================================================================
// DEPENDENTS
// =============================================================================

func allocationDependents(allocs []billing.Allocation) []Dependent {
	out := make([]Dependent, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, Dependent{
			Kind:         DependentAllocation,
			ID:           string(a.ID),
			Amount:       a.Amount,
			Date:         a.AllocatedAt,
			CreditID:     a.CreditID,
			ReceivableID: a.ReceivableID,
			created:      a.CreatedAt,
		})
	}
	sortLIFO(out)
	return out
}

// receivableDependents lists payments and allocations of a receivable in
// LIFO order, leaving out the payment being edited.
func receivableDependents(s billing.ReceivableSummary, exclude string) []Dependent {
	out := allocationDependents(s.Allocations)
	for _, p := range s.Payments {
		if string(p.ID) == exclude {
			continue
		}
		out = append(out, Dependent{
			Kind:         DependentPayment,
			ID:           string(p.ID),
			Amount:       p.Amount,
			Date:         p.PaidAt,
			Method:       p.Method,
			ReceivableID: p.ReceivableID,
			created:      p.CreatedAt,
		})
	}
	sortLIFO(out)
	return out
}

// sortLIFO orders latest date first, then latest creation, then ID descending.
func sortLIFO(ds []Dependent) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if !a.created.Equal(b.created) {
			return a.created.After(b.created)
		}
		return a.ID > b.ID
	})
}
