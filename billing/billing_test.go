package billing_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

func amt(s string) generic.Amount {
	return generic.MustParseAmount(s)
}

func day(d int) generic.TimePoint {
	return generic.NewTimePoint(2026, time.February, d)
}

// =============================================================================
// SUMMARIES
// =============================================================================

func TestSummarizeCredit_IgnoresDeletedAndForeignAllocations(t *testing.T) {
	deleted := day(5)
	c := billing.Credit{ID: "cr-1", ClientID: "client-1", Amount: amt("1000")}
	allocations := []billing.Allocation{
		{ID: "al-1", CreditID: "cr-1", ReceivableID: "rcv-1", Amount: amt("300"), AllocatedAt: day(1)},
		{ID: "al-2", CreditID: "cr-1", ReceivableID: "rcv-2", Amount: amt("200"), AllocatedAt: day(3)},
		{ID: "al-3", CreditID: "cr-1", ReceivableID: "rcv-3", Amount: amt("400"), AllocatedAt: day(4), DeletedAt: &deleted},
		{ID: "al-4", CreditID: "cr-2", ReceivableID: "rcv-1", Amount: amt("999"), AllocatedAt: day(4)},
	}

	s := billing.SummarizeCredit(c, allocations)

	assert.True(t, s.Allocated.Equal(amt("500")))
	assert.True(t, s.Available.Equal(amt("500")))
	assert.False(t, s.Overallocated())
	require.Len(t, s.Allocations, 2)
	assert.Equal(t, billing.AllocationID("al-2"), s.Allocations[0].ID, "latest first")
}

func TestSummarizeReceivable_PaymentsAndAllocations(t *testing.T) {
	r := billing.Receivable{ID: "rcv-1", ClientID: "client-1", Amount: amt("1000")}
	payments := []billing.Payment{
		{ID: "pay-1", ReceivableID: "rcv-1", Amount: amt("300"), PaidAt: day(2)},
		{ID: "pay-2", ReceivableID: "rcv-1", Amount: amt("500"), PaidAt: day(6)},
	}
	allocations := []billing.Allocation{
		{ID: "al-1", CreditID: "cr-1", ReceivableID: "rcv-1", Amount: amt("400"), AllocatedAt: day(3)},
	}

	s := billing.SummarizeReceivable(r, payments, allocations)

	assert.True(t, s.PaidByPayments.Equal(amt("800")))
	assert.True(t, s.PaidByAllocations.Equal(amt("400")))
	assert.True(t, s.Paid.Equal(amt("1200")))
	assert.True(t, s.Remaining.Equal(amt("-200")))
	assert.True(t, s.Overpaid())
	assert.Equal(t, billing.StatusPaid, s.Status)
	assert.Equal(t, billing.PaymentID("pay-2"), s.Payments[0].ID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		amount, paid string
		want         billing.ReceivableStatus
	}{
		{"1000", "0", billing.StatusUnpaid},
		{"1000", "0.004", billing.StatusUnpaid},
		{"1000", "400", billing.StatusPartiallyPaid},
		{"1000", "999.995", billing.StatusPaid},
		{"1000", "1000", billing.StatusPaid},
		{"1000", "1200", billing.StatusPaid},
		{"0", "0", billing.StatusPaid},
	}
	for _, tt := range tests {
		t.Run(tt.amount+"/"+tt.paid, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.StatusFor(amt(tt.amount), amt(tt.paid)))
		})
	}
}

func TestSortPaymentsLIFO_TieBreaks(t *testing.T) {
	ps := []billing.Payment{
		{ID: "pay-a", PaidAt: day(3), CreatedAt: day(3)},
		{ID: "pay-b", PaidAt: day(3), CreatedAt: day(4)},
		{ID: "pay-c", PaidAt: day(3), CreatedAt: day(4)},
		{ID: "pay-d", PaidAt: day(1), CreatedAt: day(9)},
	}

	billing.SortPaymentsLIFO(ps)

	var ids []string
	for _, p := range ps {
		ids = append(ids, string(p.ID))
	}
	assert.Equal(t, []string{"pay-c", "pay-b", "pay-a", "pay-d"}, ids)
}

// =============================================================================
// TASKS
// =============================================================================

func TestCommissionAmount(t *testing.T) {
	rate := decimal.RequireFromString("0.10")
	task := billing.Task{Amount: amt("1000"), ExpenseAmount: amt("200"), CommissionRate: rate}

	assert.True(t, billing.NetEarning(task).Equal(amt("800")))
	assert.True(t, billing.CommissionAmount(billing.NetEarning(task), rate).Equal(amt("80")))
	assert.True(t, billing.CommissionAmount(amt("-50"), rate).IsZero(), "negative net earning pays nothing")
}

func TestValidateTask(t *testing.T) {
	base := billing.Task{Amount: amt("1000"), PrepaidAmount: amt("200"), CommissionRate: decimal.RequireFromString("0.1")}
	require.NoError(t, billing.ValidateTask(base))

	tests := map[string]func(*billing.Task){
		"amount":          func(t *billing.Task) { t.Amount = amt("-1") },
		"expense_amount":  func(t *billing.Task) { t.ExpenseAmount = amt("-1") },
		"prepaid_amount":  func(t *billing.Task) { t.PrepaidAmount = amt("1500") },
		"commission_rate": func(t *billing.Task) { t.CommissionRate = decimal.RequireFromString("1.5") },
	}
	for field, mutate := range tests {
		t.Run(field, func(t *testing.T) {
			task := base
			mutate(&task)

			err := billing.ValidateTask(task)

			var invalid *generic.ValidationError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, field, invalid.Field)
		})
	}
}

// =============================================================================
// POSTINGS
// =============================================================================

func TestPosting_FirstAdjustReverse(t *testing.T) {
	r := billing.Receivable{ID: "rcv-1", ClientID: "client-1", Amount: amt("1000")}

	// WHEN: nothing posted yet
	first := billing.ReceivablePosting(r).Reconcile(nil)

	// THEN: a charge of -1000
	require.NotNil(t, first)
	assert.Equal(t, generic.TxCharge, first.Type)
	assert.True(t, first.Delta.Equal(amt("-1000")))
	ledger := []generic.Transaction{*first}

	// WHEN: posted again unchanged
	assert.Nil(t, billing.ReceivablePosting(r).Reconcile(ledger), "idempotent")

	// WHEN: the amount drops to 800
	r.Amount = amt("800")
	adj := billing.ReceivablePosting(r).Reconcile(ledger)
	require.NotNil(t, adj)
	assert.Equal(t, generic.TxAdjustment, adj.Type)
	assert.True(t, adj.Delta.Equal(amt("200")))
	ledger = append(ledger, *adj)

	// WHEN: deleted
	deleted := day(9)
	r.DeletedAt = &deleted
	rev := billing.ReceivablePosting(r).Reconcile(ledger)
	require.NotNil(t, rev)
	assert.Equal(t, generic.TxReversal, rev.Type)
	assert.True(t, rev.Delta.Equal(amt("800")))
}

func TestPostings_Accounts(t *testing.T) {
	p := billing.PaymentPosting(billing.Payment{ID: "pay-1", Amount: amt("50")}, "client-1")
	assert.Equal(t, generic.AccountID("client-1"), p.AccountID)
	assert.True(t, p.Amount.Equal(amt("50")))

	c := billing.CommissionPosting(billing.Commission{ID: "com-1", EmployeeID: "emp-1", Amount: amt("80")})
	assert.Equal(t, generic.AccountID("emp-1"), c.AccountID)
	assert.Equal(t, generic.TxCommission, c.Type)

	g := billing.CreditPosting(billing.Credit{ID: "cr-1", ClientID: "client-1", Amount: amt("100")})
	assert.Equal(t, generic.TxCreditGrant, g.Type)
}

func TestNewID(t *testing.T) {
	a, b := billing.NewID("pay"), billing.NewID("pay")
	assert.True(t, strings.HasPrefix(a, "pay-"))
	assert.NotEqual(t, a, b)
}
