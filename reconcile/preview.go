/*
preview.go - Consequences report shared by preview (dry-run) and commit

PURPOSE:
  Describes what a mutation does in concrete amounts and records, so an
  operator can make the financial decision before committing. The report is
  built by the same run that builds the ChangeSet; preview simply does not
  persist it.

CONTENTS:
  TransactionSummary     Account transactions that will be appended
  InvoiceImpact          Paid/remaining/status of the invoice in question
  CreditImpact           Allocated/available of the credit in question
  RelatedInvoices/Credits Other invoices and credits whose values move
  DependentChanges       What each plan step does to its payment/allocation
  CreatedCredits         Credits created from converted payments
  TaskImpact             Task amounts and net earning, old vs new
  CommissionsAffected    Every commission of the task, old vs new
  BalanceRecalculations  Account balances, old vs new
  Messages               The above as sentences

  Nothing time-dependent (timestamps, versions, transaction IDs) is in the
  report, so preview and commit of the same request compare equal.
*/
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// CONSEQUENCES
// =============================================================================

type Consequences struct {
	TransactionSummary    *TransactionSummary    `json:"transaction_summary,omitempty"`
	InvoiceImpact         *InvoiceImpact         `json:"invoice_impact,omitempty"`
	CreditImpact          *CreditImpact          `json:"credit_impact,omitempty"`
	RelatedInvoices       []InvoiceImpact        `json:"related_invoices,omitempty"`
	RelatedCredits        []CreditImpact         `json:"related_credits,omitempty"`
	DependentChanges      []DependentChange      `json:"dependent_changes,omitempty"`
	CreatedCredits        []CreatedCredit        `json:"created_credits,omitempty"`
	TaskImpact            *TaskImpact            `json:"task_impact,omitempty"`
	CommissionsAffected   []CommissionChange     `json:"commissions_affected,omitempty"`
	BalanceRecalculations []BalanceRecalculation `json:"balance_recalculations,omitempty"`
	Messages              []string               `json:"messages"`
}

type TransactionLine struct {
	AccountID     generic.AccountID       `json:"account_id"`
	Type          generic.TransactionType `json:"type"`
	ReferenceKind string                  `json:"reference_kind"`
	ReferenceID   string                  `json:"reference_id"`
	Delta         generic.Amount          `json:"delta"`
}

type TransactionSummary struct {
	Count int               `json:"count"`
	Net   generic.Amount    `json:"net"`
	Lines []TransactionLine `json:"lines"`
}

type InvoiceImpact struct {
	ReceivableID billing.ReceivableID     `json:"receivable_id"`
	OldAmount    generic.Amount           `json:"old_amount"`
	NewAmount    generic.Amount           `json:"new_amount"`
	OldPaid      generic.Amount           `json:"old_paid_amount"`
	NewPaid      generic.Amount           `json:"new_paid_amount"`
	OldRemaining generic.Amount           `json:"old_remaining_amount"`
	NewRemaining generic.Amount           `json:"new_remaining_amount"`
	OldStatus    billing.ReceivableStatus `json:"old_status"`
	NewStatus    billing.ReceivableStatus `json:"new_status"`
	Deleted      bool                     `json:"deleted"`
}

type CreditImpact struct {
	CreditID     billing.CreditID `json:"credit_id"`
	OldAmount    generic.Amount   `json:"old_amount"`
	NewAmount    generic.Amount   `json:"new_amount"`
	OldAllocated generic.Amount   `json:"old_allocated_amount"`
	NewAllocated generic.Amount   `json:"new_allocated_amount"`
	OldAvailable generic.Amount   `json:"old_available_amount"`
	NewAvailable generic.Amount   `json:"new_available_amount"`
	Deleted      bool             `json:"deleted"`
}

type DependentChange struct {
	Kind      DependentKind    `json:"kind"`
	ID        string           `json:"id"`
	Action    Action           `json:"action"`
	OldAmount generic.Amount   `json:"old_amount"`
	NewAmount generic.Amount   `json:"new_amount"`
	ToCredit  generic.Amount   `json:"converted_to_credit"`
	CreditID  billing.CreditID `json:"credit_id,omitempty"`
	Forfeited generic.Amount   `json:"forfeited_from_credit"`
}

type CreatedCredit struct {
	CreditID        billing.CreditID  `json:"credit_id"`
	ClientID        generic.AccountID `json:"client_id"`
	Amount          generic.Amount    `json:"amount"`
	SourcePaymentID billing.PaymentID `json:"source_payment_id,omitempty"`
}

type TaskImpact struct {
	TaskID        billing.TaskID `json:"task_id"`
	Approved      bool           `json:"approved"`
	OldAmount     generic.Amount `json:"old_amount"`
	NewAmount     generic.Amount `json:"new_amount"`
	OldPrepaid    generic.Amount `json:"old_prepaid_amount"`
	NewPrepaid    generic.Amount `json:"new_prepaid_amount"`
	OldExpense    generic.Amount `json:"old_expense_amount"`
	NewExpense    generic.Amount `json:"new_expense_amount"`
	OldNetEarning generic.Amount `json:"old_net_earning"`
	NewNetEarning generic.Amount `json:"new_net_earning"`

	IssuedInvoice billing.ReceivableID `json:"issued_invoice,omitempty"`
}

type CommissionChange struct {
	CommissionID billing.CommissionID `json:"commission_id"`
	EmployeeID   generic.AccountID    `json:"employee_id"`
	Rate         decimal.Decimal      `json:"rate"`
	OldBase      generic.Amount       `json:"old_net_earning"`
	NewBase      generic.Amount       `json:"new_net_earning"`
	OldAmount    generic.Amount       `json:"old_amount"`
	NewAmount    generic.Amount       `json:"new_amount"`
	Difference   generic.Amount       `json:"commission_difference"`
	Paid         bool                 `json:"already_paid"`
}

type BalanceRecalculation struct {
	AccountID  generic.AccountID `json:"account_id"`
	Before     generic.Amount    `json:"old_balance"`
	After      generic.Amount    `json:"new_balance"`
	Difference generic.Amount    `json:"difference"`
}

// =============================================================================
// PREVIEW REPORT
// =============================================================================

// PreviewReport is the dry-run answer. Errors block the commit; warnings
// inform. A pending conflict is reported with its options and a warning, not
// an error, because choosing a strategy resolves it.
type PreviewReport struct {
	Warnings     []string         `json:"warnings"`
	Errors       []string         `json:"errors"`
	Consequences *Consequences    `json:"consequences,omitempty"`
	Conflict     *Conflict        `json:"conflict,omitempty"`
	Options      []StrategyOption `json:"resolution_options,omitempty"`
	Plan         *Plan            `json:"plan,omitempty"`
	Fingerprint  string           `json:"preview_fingerprint"`
}

// Blocked reports whether the previewed request would be rejected.
func (p *PreviewReport) Blocked() bool {
	return len(p.Errors) > 0 || (p.Conflict != nil && p.Plan == nil)
}

// =============================================================================
// BUILDING
// =============================================================================

func (r *run) consequences(primaryReceivable billing.ReceivableID, primaryCredit billing.CreditID) Consequences {
	c := Consequences{
		DependentChanges:      r.dependentChanges,
		CreatedCredits:        r.createdCredits,
		TaskImpact:            r.taskImpact,
		CommissionsAffected:   r.commissions,
		BalanceRecalculations: r.balances,
		Messages:              append([]string{}, r.messages...),
	}

	if len(r.txs) > 0 {
		ts := &TransactionSummary{Count: len(r.txs), Net: generic.Zero()}
		for _, tx := range r.txs {
			ts.Lines = append(ts.Lines, TransactionLine{
				AccountID:     tx.AccountID,
				Type:          tx.Type,
				ReferenceKind: tx.ReferenceKind,
				ReferenceID:   tx.ReferenceID,
				Delta:         tx.Delta,
			})
			ts.Net = ts.Net.Add(tx.Delta)
		}
		sort.SliceStable(ts.Lines, func(i, j int) bool {
			a, b := ts.Lines[i], ts.Lines[j]
			if a.AccountID != b.AccountID {
				return a.AccountID < b.AccountID
			}
			return a.ReferenceID < b.ReferenceID
		})
		c.TransactionSummary = ts
	}

	for _, id := range sortedReceivableIDs(r.beforeReceivables) {
		impact, changed := r.invoiceImpact(id)
		switch {
		case id == primaryReceivable:
			c.InvoiceImpact = &impact
		case changed:
			c.RelatedInvoices = append(c.RelatedInvoices, impact)
		}
		if changed && impact.OldStatus != impact.NewStatus && !impact.Deleted {
			r.warn("invoice %s status changes from %s to %s", id, impact.OldStatus, impact.NewStatus)
		}
	}
	for _, id := range sortedCreditIDs(r.beforeCredits) {
		impact, changed := r.creditImpact(id)
		switch {
		case id == primaryCredit:
			c.CreditImpact = &impact
		case changed:
			c.RelatedCredits = append(c.RelatedCredits, impact)
		}
	}
	return c
}

func (r *run) invoiceImpact(id billing.ReceivableID) (InvoiceImpact, bool) {
	before := r.beforeReceivables[id]
	after, _ := r.ws.ReceivableSummary(id)
	impact := InvoiceImpact{
		ReceivableID: id,
		OldAmount:    before.Receivable.Amount,
		NewAmount:    after.Receivable.Amount,
		OldPaid:      before.Paid,
		NewPaid:      after.Paid,
		OldRemaining: before.Remaining,
		NewRemaining: after.Remaining,
		OldStatus:    before.Status,
		NewStatus:    after.Status,
		Deleted:      after.Receivable.Deleted() && !before.Receivable.Deleted(),
	}
	changed := impact.Deleted ||
		!impact.OldAmount.Equal(impact.NewAmount) ||
		!impact.OldPaid.Equal(impact.NewPaid)
	return impact, changed
}

func (r *run) creditImpact(id billing.CreditID) (CreditImpact, bool) {
	before := r.beforeCredits[id]
	after, _ := r.ws.CreditSummary(id)
	impact := CreditImpact{
		CreditID:     id,
		OldAmount:    before.Credit.Amount,
		NewAmount:    after.Credit.Amount,
		OldAllocated: before.Allocated,
		NewAllocated: after.Allocated,
		OldAvailable: before.Available,
		NewAvailable: after.Available,
		Deleted:      after.Credit.Deleted() && !before.Credit.Deleted(),
	}
	changed := impact.Deleted ||
		!impact.OldAmount.Equal(impact.NewAmount) ||
		!impact.OldAllocated.Equal(impact.NewAllocated)
	return impact, changed
}

func sortedReceivableIDs(m map[billing.ReceivableID]billing.ReceivableSummary) []billing.ReceivableID {
	ids := make([]billing.ReceivableID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedCreditIDs(m map[billing.CreditID]billing.CreditSummary) []billing.CreditID {
	ids := make([]billing.CreditID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
