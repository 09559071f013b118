package billing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// CREDIT SUMMARY
// =============================================================================

// CreditSummary is a credit with its derived allocated and available amounts.
type CreditSummary struct {
	Credit      Credit
	Allocated   generic.Amount
	Available   generic.Amount
	Allocations []Allocation // non-deleted, LIFO order
}

// SummarizeCredit derives the allocated amount from allocations. Allocations
// that belong to other credits or are deleted are ignored.
func SummarizeCredit(c Credit, allocations []Allocation) CreditSummary {
	s := CreditSummary{Credit: c, Allocated: generic.Zero()}
	for _, a := range allocations {
		if a.CreditID != c.ID || a.Deleted() {
			continue
		}
		s.Allocated = s.Allocated.Add(a.Amount)
		s.Allocations = append(s.Allocations, a)
	}
	SortAllocationsLIFO(s.Allocations)
	s.Available = c.Amount.Sub(s.Allocated)
	return s
}

// Overallocated reports whether allocated exceeds the credit amount beyond tolerance.
func (s CreditSummary) Overallocated() bool {
	return s.Allocated.Exceeds(s.Credit.Amount)
}

// =============================================================================
// RECEIVABLE SUMMARY
// =============================================================================

// ReceivableSummary is a receivable with paid, remaining and status derived
// from its payments and allocations.
type ReceivableSummary struct {
	Receivable        Receivable
	PaidByPayments    generic.Amount
	PaidByAllocations generic.Amount
	Paid              generic.Amount
	Remaining         generic.Amount
	Status            ReceivableStatus
	Payments          []Payment    // non-deleted, LIFO order
	Allocations       []Allocation // non-deleted, LIFO order
}

func SummarizeReceivable(r Receivable, payments []Payment, allocations []Allocation) ReceivableSummary {
	s := ReceivableSummary{
		Receivable:        r,
		PaidByPayments:    generic.Zero(),
		PaidByAllocations: generic.Zero(),
	}
	for _, p := range payments {
		if p.ReceivableID != r.ID || p.Deleted() {
			continue
		}
		s.PaidByPayments = s.PaidByPayments.Add(p.Amount)
		s.Payments = append(s.Payments, p)
	}
	for _, a := range allocations {
		if a.ReceivableID != r.ID || a.Deleted() {
			continue
		}
		s.PaidByAllocations = s.PaidByAllocations.Add(a.Amount)
		s.Allocations = append(s.Allocations, a)
	}
	SortPaymentsLIFO(s.Payments)
	SortAllocationsLIFO(s.Allocations)
	s.Paid = s.PaidByPayments.Add(s.PaidByAllocations)
	s.Remaining = r.Amount.Sub(s.Paid)
	s.Status = StatusFor(r.Amount, s.Paid)
	return s
}

// Overpaid reports whether paid exceeds the receivable amount beyond tolerance.
func (s ReceivableSummary) Overpaid() bool {
	return s.Paid.Exceeds(s.Receivable.Amount)
}

// StatusFor derives the payment status. Nothing paid is unpaid; remaining
// within tolerance of zero is paid.
func StatusFor(amount, paid generic.Amount) ReceivableStatus {
	if !paid.Material() && amount.Material() {
		return StatusUnpaid
	}
	if !amount.Sub(paid).Material() || paid.GreaterThan(amount) {
		return StatusPaid
	}
	return StatusPartiallyPaid
}

// =============================================================================
// LIFO ORDERING - Latest date first, then latest creation, then ID
// =============================================================================

func SortPaymentsLIFO(ps []Payment) {
	sort.SliceStable(ps, func(i, j int) bool {
		return lifoLess(ps[i].PaidAt, ps[j].PaidAt, ps[i].CreatedAt, ps[j].CreatedAt, string(ps[i].ID), string(ps[j].ID))
	})
}

func SortAllocationsLIFO(as []Allocation) {
	sort.SliceStable(as, func(i, j int) bool {
		return lifoLess(as[i].AllocatedAt, as[j].AllocatedAt, as[i].CreatedAt, as[j].CreatedAt, string(as[i].ID), string(as[j].ID))
	})
}

func lifoLess(dateI, dateJ, createdI, createdJ generic.TimePoint, idI, idJ string) bool {
	if !dateI.Equal(dateJ) {
		return dateI.After(dateJ)
	}
	if !createdI.Equal(createdJ) {
		return createdI.After(createdJ)
	}
	return idI > idJ
}

// =============================================================================
// TASK EARNINGS & COMMISSIONS
// =============================================================================

// NetEarning is amount - expense.
func NetEarning(t Task) generic.Amount {
	return t.Amount.Sub(t.ExpenseAmount)
}

// CommissionAmount is net earning * rate. Negative net earnings yield zero.
func CommissionAmount(netEarning generic.Amount, rate decimal.Decimal) generic.Amount {
	return netEarning.NonNegative().Mul(rate)
}

// ValidateTask checks the amounts on a task before it is saved.
func ValidateTask(t Task) error {
	switch {
	case t.Amount.IsNegative():
		return generic.Invalid("amount", "must not be negative, got %s", t.Amount)
	case t.PrepaidAmount.IsNegative():
		return generic.Invalid("prepaid_amount", "must not be negative, got %s", t.PrepaidAmount)
	case t.ExpenseAmount.IsNegative():
		return generic.Invalid("expense_amount", "must not be negative, got %s", t.ExpenseAmount)
	case t.PrepaidAmount.Exceeds(t.Amount):
		return generic.Invalid("prepaid_amount", "prepaid %s exceeds task amount %s", t.PrepaidAmount, t.Amount)
	case t.CommissionRate.IsNegative() || t.CommissionRate.GreaterThan(decimal.NewFromInt(1)):
		return generic.Invalid("commission_rate", "must be between 0 and 1, got %s", t.CommissionRate)
	}
	return nil
}
