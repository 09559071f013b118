/*
engine_test.go - End-to-end tests of the checked-mutation protocol

Tests for:
- The four reference scenarios (credit reduction, overpayment converted to
  credit, receivable deletion, task cascade)
- Invariants after every commit, conservation of client funds
- Completeness gate, idempotence, stale previews, concurrent modification
- Preview consequences equal commit consequences
*/
package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/events"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Memory
	events *events.Memory
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := memory.New()
	pub := events.NewMemory()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		events: pub,
		engine: NewEngine(st, WithPublisher(pub), WithClock(func() time.Time { return now })),
	}
	f.account("client-1", billing.AccountClient)
	return f
}

func amt(s string) generic.Amount { return generic.MustParseAmount(s) }

func day(d int) generic.TimePoint { return generic.NewTimePoint(2026, time.February, d) }

func assertAmount(t *testing.T, want string, got generic.Amount, what string) {
	t.Helper()
	assert.Truef(t, got.Equal(amt(want)), "%s: want %s, got %s", what, want, got)
}

func (f *fixture) account(id string, kind billing.AccountKind) {
	f.t.Helper()
	_, err := f.engine.OpenAccount(f.ctx, billing.Account{ID: generic.AccountID(id), Kind: kind, Name: id}, CreateOptions{})
	require.NoError(f.t, err)
}

func (f *fixture) credit(id, amount string) {
	f.t.Helper()
	_, err := f.engine.CreateCredit(f.ctx, billing.Credit{
		ID: billing.CreditID(id), ClientID: "client-1", Amount: amt(amount), Reason: "goodwill", GrantedAt: day(1),
	}, CreateOptions{})
	require.NoError(f.t, err)
}

func (f *fixture) receivable(id, amount string) {
	f.t.Helper()
	_, err := f.engine.CreateReceivable(f.ctx, billing.Receivable{
		ID: billing.ReceivableID(id), ClientID: "client-1", Amount: amt(amount), IssuedAt: day(1),
	}, CreateOptions{})
	require.NoError(f.t, err)
}

func (f *fixture) payment(id, receivable, amount string, d int) {
	f.t.Helper()
	_, err := f.engine.CreatePayment(f.ctx, billing.Payment{
		ID: billing.PaymentID(id), ReceivableID: billing.ReceivableID(receivable), Amount: amt(amount),
		Method: billing.MethodTransfer, PaidAt: day(d),
	}, CreateOptions{})
	require.NoError(f.t, err)
}

func (f *fixture) allocation(id, credit, receivable, amount string, d int) {
	f.t.Helper()
	_, err := f.engine.CreateAllocation(f.ctx, billing.Allocation{
		ID: billing.AllocationID(id), CreditID: billing.CreditID(credit), ReceivableID: billing.ReceivableID(receivable),
		Amount: amt(amount), AllocatedAt: day(d),
	}, CreateOptions{})
	require.NoError(f.t, err)
}

func (f *fixture) creditSummary(id string) billing.CreditSummary {
	f.t.Helper()
	s, err := f.engine.CreditSummary(f.ctx, billing.CreditID(id))
	require.NoError(f.t, err)
	return *s
}

func (f *fixture) receivableSummary(id string) billing.ReceivableSummary {
	f.t.Helper()
	s, err := f.engine.ReceivableSummary(f.ctx, billing.ReceivableID(id))
	require.NoError(f.t, err)
	return *s
}

func (f *fixture) balance(id string) *AccountBalance {
	f.t.Helper()
	b, err := f.engine.AccountBalance(f.ctx, generic.AccountID(id))
	require.NoError(f.t, err)
	return b
}

// clientFunds is the sum of live payments and live credit amounts of a client.
func (f *fixture) clientFunds(client string) generic.Amount {
	f.t.Helper()
	total := generic.Zero()
	credits, err := f.store.ListCreditsByClient(f.ctx, generic.AccountID(client))
	require.NoError(f.t, err)
	for _, c := range credits {
		if !c.Deleted() {
			total = total.Add(c.Amount)
		}
	}
	receivables, err := f.store.ListReceivablesByClient(f.ctx, generic.AccountID(client))
	require.NoError(f.t, err)
	for _, r := range receivables {
		payments, err := f.store.ListPaymentsByReceivable(f.ctx, r.ID)
		require.NoError(f.t, err)
		for _, p := range payments {
			if !p.Deleted() {
				total = total.Add(p.Amount)
			}
		}
	}
	return total
}

// assertInvariants checks allocated <= amount on every credit, paid <=
// amount on every receivable, and cached balance == recomputed balance on
// every account.
func (f *fixture) assertInvariants() {
	f.t.Helper()
	accounts, err := f.store.ListAccounts(f.ctx)
	require.NoError(f.t, err)
	for _, a := range accounts {
		assert.Nilf(f.t, f.balance(string(a.ID)).Drift, "account %s drifted", a.ID)

		credits, err := f.store.ListCreditsByClient(f.ctx, a.ID)
		require.NoError(f.t, err)
		for _, c := range credits {
			if c.Deleted() {
				continue
			}
			s := f.creditSummary(string(c.ID))
			assert.Falsef(f.t, s.Overallocated(), "credit %s: allocated %s > amount %s", c.ID, s.Allocated, c.Amount)
		}
		receivables, err := f.store.ListReceivablesByClient(f.ctx, a.ID)
		require.NoError(f.t, err)
		for _, r := range receivables {
			if r.Deleted() {
				continue
			}
			s := f.receivableSummary(string(r.ID))
			assert.Falsef(f.t, s.Overpaid(), "receivable %s: paid %s > amount %s", r.ID, s.Paid, r.Amount)
		}
	}
}

func mutation(kind MutationKind, target, amount string, version int64) Mutation {
	m := Mutation{Kind: kind, TargetID: target, ExpectedVersion: version, ActorID: "operator-1"}
	if amount != "" {
		m.Amount = amt(amount)
	}
	return m
}

func newAmount(s string) *generic.Amount {
	a := amt(s)
	return &a
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_CreditReductionResolvedByReducingAllocation(t *testing.T) {
	// GIVEN: a credit of 1000 with 600 allocated to an invoice
	f := newFixture(t)
	f.credit("cr-a", "1000")
	f.receivable("rcv-a", "1000")
	f.allocation("al-a", "cr-a", "rcv-a", "600", 2)

	// WHEN: the credit is reduced to 500 without a resolution
	m := mutation(CreditAmount, "cr-a", "500", 1)
	_, err := f.engine.Commit(f.ctx, Request{Mutation: m})

	// THEN: a credit reduction conflict with a deficit of 100
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)
	assert.Equal(t, ConflictCreditReduction, conflict.Conflict.Kind)
	assertAmount(t, "100", conflict.Conflict.Gap, "deficit")
	assertAmount(t, "600", conflict.Conflict.Allocated, "allocated")
	require.Len(t, conflict.Conflict.Dependents, 1)
	assert.True(t, errors.Is(err, generic.ErrInvariantViolation))

	// WHEN: resolved by reducing the allocation to 500
	res, err := f.engine.Commit(f.ctx, Request{Mutation: m, Resolution: &Resolution{
		Strategy:  StrategyManual,
		Decisions: []Decision{{ID: "al-a", Action: ActionReduceAllocation, NewAmount: newAmount("500")}},
	}})
	require.NoError(t, err)

	// THEN: the credit is 500 with 500 allocated
	s := f.creditSummary("cr-a")
	assertAmount(t, "500", s.Credit.Amount, "credit amount")
	assertAmount(t, "500", s.Allocated, "allocated")
	assertAmount(t, "0", s.Available, "available")
	assert.Equal(t, int64(2), res.TargetVersion)
	assertAmount(t, "500", f.receivableSummary("rcv-a").Paid, "invoice paid")
	f.assertInvariants()
}

func TestScenarioB_OverpaymentConvertedToCredit(t *testing.T) {
	// GIVEN: an invoice of 1000 fully paid by one payment
	f := newFixture(t)
	f.receivable("rcv-b", "1000")
	f.payment("pay-b", "rcv-b", "1000", 2)
	fundsBefore := f.clientFunds("client-1")

	// WHEN: the invoice is reduced to 800
	m := mutation(ReceivableAmount, "rcv-b", "800", 1)
	_, err := f.engine.Commit(f.ctx, Request{Mutation: m})

	// THEN: overpayment with a surplus of 200
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, ConflictOverpayment, conflict.Conflict.Kind)
	assertAmount(t, "200", conflict.Conflict.Gap, "surplus")
	assert.Equal(t, "overpayment_detected", conflict.Code())

	// WHEN: the surplus is converted to credit
	res, err := f.engine.Commit(f.ctx, Request{Mutation: m, Resolution: &Resolution{Strategy: StrategyConvertToCredit}})
	require.NoError(t, err)

	// THEN: the payment is 800, a credit of 200 exists, nothing remains
	p, err := f.store.GetPayment(f.ctx, "pay-b")
	require.NoError(t, err)
	assertAmount(t, "800", p.Amount, "payment")

	require.Len(t, res.Consequences.CreatedCredits, 1)
	created := res.Consequences.CreatedCredits[0]
	assertAmount(t, "200", created.Amount, "new credit")
	assert.Equal(t, billing.PaymentID("pay-b"), created.SourcePaymentID)
	c := f.creditSummary(string(created.CreditID))
	assertAmount(t, "200", c.Available, "credit available")

	s := f.receivableSummary("rcv-b")
	assertAmount(t, "0", s.Remaining, "remaining")
	assert.Equal(t, billing.StatusPaid, s.Status)

	// AND: client funds are conserved
	assertAmount(t, fundsBefore.String(), f.clientFunds("client-1"), "payments + credits")
	assertAmount(t, "200", f.balance("client-1").Balance.Total, "client balance")
	f.assertInvariants()
}

func TestScenarioC_ReceivableDeletionWithPayments(t *testing.T) {
	// GIVEN: an invoice with two payments
	f := newFixture(t)
	f.receivable("rcv-c", "1000")
	f.payment("pay-c1", "rcv-c", "300", 2)
	f.payment("pay-c2", "rcv-c", "700", 3)

	// WHEN: deletion is attempted
	m := mutation(ReceivableDelete, "rcv-c", "", 1)
	_, err := f.engine.Commit(f.ctx, Request{Mutation: m})

	// THEN: the conflict lists both payments
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, ConflictRecordsExist, conflict.Conflict.Kind)
	require.Len(t, conflict.Conflict.Payments(), 2)
	assert.Equal(t, "pay-c2", conflict.Conflict.Dependents[0].ID, "latest first")

	// WHEN: both payments are deleted
	_, err = f.engine.Commit(f.ctx, Request{Mutation: m, Resolution: &Resolution{
		Strategy: StrategyManual,
		Decisions: []Decision{
			{ID: "pay-c1", Action: ActionDelete},
			{ID: "pay-c2", Action: ActionDelete},
		},
	}})
	require.NoError(t, err)

	// THEN: the invoice and both payments are deleted
	r, err := f.store.GetReceivable(f.ctx, "rcv-c")
	require.NoError(t, err)
	assert.True(t, r.Deleted())
	for _, id := range []billing.PaymentID{"pay-c1", "pay-c2"} {
		p, err := f.store.GetPayment(f.ctx, id)
		require.NoError(t, err)
		assert.Truef(t, p.Deleted(), "payment %s", id)
	}
	assertAmount(t, "0", f.balance("client-1").Balance.Total, "client balance")
	f.assertInvariants()
}

func TestScenarioD_TaskAmountCascadesToCommission(t *testing.T) {
	// GIVEN: an approved task of 1000 with 200 expenses and a 10% commission
	f := newFixture(t)
	f.account("emp-1", billing.AccountEmployee)
	_, err := f.engine.CreateTask(f.ctx, billing.Task{
		ID: "task-d", ClientID: "client-1", EmployeeID: "emp-1", Title: "Audit",
		Amount: amt("1000"), ExpenseAmount: amt("200"), CommissionRate: decimal.RequireFromString("0.10"),
	}, CreateOptions{})
	require.NoError(t, err)
	approved, err := f.engine.ApproveTask(f.ctx, "task-d", ApproveTaskInput{ExpectedVersion: 1}, CreateOptions{})
	require.NoError(t, err)

	detail, err := f.engine.TaskDetail(f.ctx, "task-d")
	require.NoError(t, err)
	assertAmount(t, "800", detail.NetEarning, "net earning")
	require.Len(t, detail.Commissions, 1)
	assertAmount(t, "80", detail.Commissions[0].Amount, "commission")
	require.NotNil(t, detail.Invoice)

	// WHEN: the task amount is cascaded to 1200
	m := mutation(TaskAmount, "task-d", "1200", approved.Version)
	check, err := f.engine.Check(f.ctx, m)
	require.NoError(t, err)
	require.NotNil(t, check.Recompute)
	assert.Len(t, check.Recompute.Commissions, 1)

	res, err := f.engine.Commit(f.ctx, Request{Mutation: m})
	require.NoError(t, err)

	// THEN: net earning 1000, commission 100, difference +20
	require.NotNil(t, res.Consequences.TaskImpact)
	assertAmount(t, "1000", res.Consequences.TaskImpact.NewNetEarning, "net earning")
	require.Len(t, res.Consequences.CommissionsAffected, 1)
	cc := res.Consequences.CommissionsAffected[0]
	assertAmount(t, "100", cc.NewAmount, "commission")
	assertAmount(t, "20", cc.Difference, "commission difference")

	detail, err = f.engine.TaskDetail(f.ctx, "task-d")
	require.NoError(t, err)
	assertAmount(t, "1200", detail.Invoice.Receivable.Amount, "invoice amount")
	assertAmount(t, "100", f.balance("emp-1").Balance.Total, "employee balance")
	f.assertInvariants()
}

// =============================================================================
// PROTOCOL PROPERTIES
// =============================================================================

func TestCommit_ManualPlanBelowGapIsRejected(t *testing.T) {
	// GIVEN: an invoice of 1000 paid 1000
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "1000", 2)

	// WHEN: a reduction to 700 is resolved by reducing the payment by only 100
	_, err := f.engine.Commit(f.ctx, Request{
		Mutation: mutation(ReceivableAmount, "rcv-1", "700", 1),
		Resolution: &Resolution{Strategy: StrategyManual, Decisions: []Decision{
			{ID: "pay-1", Action: ActionReduce, NewAmount: newAmount("900")},
		}},
	})

	// THEN: incomplete resolution, and nothing changed
	var incomplete *generic.IncompleteResolutionError
	require.True(t, errors.As(err, &incomplete), "got %v", err)
	assertAmount(t, "200", incomplete.Uncovered, "uncovered")

	r, err := f.store.GetReceivable(f.ctx, "rcv-1")
	require.NoError(t, err)
	assertAmount(t, "1000", r.Amount, "invoice amount")
	assert.Equal(t, int64(1), r.Version)
	p, err := f.store.GetPayment(f.ctx, "pay-1")
	require.NoError(t, err)
	assertAmount(t, "1000", p.Amount, "payment")
}

func TestCommit_SecondIdenticalPlanIsRejected(t *testing.T) {
	// GIVEN: scenario B committed once
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "1000", 2)
	req := Request{
		Mutation:   mutation(ReceivableAmount, "rcv-1", "800", 1),
		Resolution: &Resolution{Strategy: StrategyConvertToCredit},
	}
	_, err := f.engine.Commit(f.ctx, req)
	require.NoError(t, err)
	fundsAfterFirst := f.clientFunds("client-1")

	// WHEN: the same request is submitted again
	_, err = f.engine.Commit(f.ctx, req)

	// THEN: the version moved on
	var cm *generic.ConcurrentModificationError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, int64(2), cm.ActualVersion)

	// WHEN: resubmitted with the fresh version
	req.Mutation.ExpectedVersion = cm.ActualVersion
	_, err = f.engine.Commit(f.ctx, req)

	// THEN: there is nothing left to resolve and nothing changed
	assert.ErrorIs(t, err, generic.ErrNothingToResolve)
	assertAmount(t, fundsAfterFirst.String(), f.clientFunds("client-1"), "client funds")
	credits, err := f.store.ListCreditsByClient(f.ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

func TestCommit_AutoReduceLatestFailsWhenLatestIsTooSmall(t *testing.T) {
	// GIVEN: payments of 700 (older) and 300 (latest)
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-old", "rcv-1", "700", 2)
	f.payment("pay-new", "rcv-1", "300", 5)
	m := mutation(ReceivableAmount, "rcv-1", "500", 1)

	// WHEN: options are listed
	offer, err := f.engine.Resolve(f.ctx, m)
	require.NoError(t, err)

	// THEN: reduce-latest is unavailable, LIFO reduction is
	byKey := map[StrategyKey]StrategyOption{}
	for _, o := range offer.Options {
		byKey[o.Key] = o
	}
	assert.False(t, byKey[StrategyAutoReduceLatest].Available)
	assert.True(t, byKey[StrategyAutoReducePayments].Available)

	// WHEN: reduce-latest is committed anyway
	_, err = f.engine.Commit(f.ctx, Request{Mutation: m, Resolution: &Resolution{Strategy: StrategyAutoReduceLatest}})

	// THEN: it fails instead of falling back
	assert.ErrorIs(t, err, generic.ErrIncompleteResolution)
	p, err := f.store.GetPayment(f.ctx, "pay-old")
	require.NoError(t, err)
	assertAmount(t, "700", p.Amount, "older payment untouched")
}

func TestCommit_AutoReducePaymentsIsLIFO(t *testing.T) {
	// GIVEN: payments of 700 (older) and 300 (latest)
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-old", "rcv-1", "700", 2)
	f.payment("pay-new", "rcv-1", "300", 5)

	// WHEN: the invoice drops to 500 with LIFO reduction
	res, err := f.engine.Commit(f.ctx, Request{
		Mutation:   mutation(ReceivableAmount, "rcv-1", "500", 1),
		Resolution: &Resolution{Strategy: StrategyAutoReducePayments},
	})
	require.NoError(t, err)

	// THEN: the latest payment goes first, the older one absorbs the rest
	require.Len(t, res.Plan.Steps, 2)
	assert.Equal(t, "pay-new", res.Plan.Steps[0].Dependent.ID)
	assert.Equal(t, ActionDelete, res.Plan.Steps[0].Action)
	assert.Equal(t, ActionReduce, res.Plan.Steps[1].Action)

	old, err := f.store.GetPayment(f.ctx, "pay-old")
	require.NoError(t, err)
	assertAmount(t, "500", old.Amount, "older payment")
	latest, err := f.store.GetPayment(f.ctx, "pay-new")
	require.NoError(t, err)
	assert.True(t, latest.Deleted())
	assert.NotEmpty(t, res.Warnings, "removed money is flagged")
	f.assertInvariants()
}

func TestPreview_ConsequencesEqualCommit(t *testing.T) {
	// GIVEN: scenario B
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "1000", 2)
	req := Request{
		Mutation:   mutation(ReceivableAmount, "rcv-1", "800", 1),
		Resolution: &Resolution{Strategy: StrategyConvertToCredit},
	}

	// WHEN: previewed and then committed with the preview fingerprint
	preview, err := f.engine.Preview(f.ctx, req)
	require.NoError(t, err)
	require.False(t, preview.Blocked(), "errors: %v", preview.Errors)
	require.NotNil(t, preview.Consequences)

	req.ExpectedFingerprint = preview.Fingerprint
	res, err := f.engine.Commit(f.ctx, req)
	require.NoError(t, err)

	// THEN: both report the same consequences
	assert.Equal(t, *preview.Consequences, res.Consequences)
	assert.Equal(t, preview.Fingerprint, res.Fingerprint)
	require.NotNil(t, res.Consequences.InvoiceImpact)
	assert.Equal(t, billing.StatusPaid, res.Consequences.InvoiceImpact.NewStatus)
}

func TestPreview_WritesNothing(t *testing.T) {
	// GIVEN: scenario A
	f := newFixture(t)
	f.credit("cr-1", "1000")
	f.receivable("rcv-1", "1000")
	f.allocation("al-1", "cr-1", "rcv-1", "600", 2)
	m := mutation(CreditAmount, "cr-1", "500", 1)

	// WHEN: previewed without a resolution
	report, err := f.engine.Preview(f.ctx, Request{Mutation: m})
	require.NoError(t, err)

	// THEN: the conflict and options are reported, the preview is blocked
	require.NotNil(t, report.Conflict)
	assert.NotEmpty(t, report.Options)
	assert.True(t, report.Blocked())
	assert.NotEmpty(t, report.Warnings)

	// WHEN: previewed with a plan under the gap
	report, err = f.engine.Preview(f.ctx, Request{Mutation: m, Resolution: &Resolution{
		Decisions: []Decision{{ID: "al-1", Action: ActionReduceAllocation, NewAmount: newAmount("550")}},
	}})
	require.NoError(t, err)

	// THEN: the error is reported, nothing is stored
	assert.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "remains uncovered")
	assertAmount(t, "1000", f.creditSummary("cr-1").Credit.Amount, "credit amount")
	assertAmount(t, "600", f.creditSummary("cr-1").Allocated, "allocated")
}

func TestCommit_StalePreviewIsRejected(t *testing.T) {
	// GIVEN: a preview of a credit reduction
	f := newFixture(t)
	f.credit("cr-1", "1000")
	f.receivable("rcv-1", "1000")
	f.allocation("al-1", "cr-1", "rcv-1", "600", 2)
	req := Request{
		Mutation: mutation(CreditAmount, "cr-1", "500", 1),
		Resolution: &Resolution{Decisions: []Decision{
			{ID: "al-1", Action: ActionReduceAllocation, NewAmount: newAmount("500")},
		}},
	}
	preview, err := f.engine.Preview(f.ctx, req)
	require.NoError(t, err)

	// WHEN: the allocation changes before the commit
	_, err = f.engine.Commit(f.ctx, Request{Mutation: mutation(AllocationAmount, "al-1", "550", 1)})
	require.NoError(t, err)
	req.ExpectedFingerprint = preview.Fingerprint
	_, err = f.engine.Commit(f.ctx, req)

	// THEN: the commit is refused as stale
	assert.ErrorIs(t, err, generic.ErrStalePreview)
	assert.True(t, generic.IsRetryable(err))
	assertAmount(t, "1000", f.creditSummary("cr-1").Credit.Amount, "credit amount")
}

func TestCommit_ConcurrentModificationCarriesCurrentRecord(t *testing.T) {
	f := newFixture(t)
	f.credit("cr-1", "1000")

	_, err := f.engine.Commit(f.ctx, Request{Mutation: mutation(CreditAmount, "cr-1", "900", 7)})

	var cm *generic.ConcurrentModificationError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, int64(7), cm.ExpectedVersion)
	assert.Equal(t, int64(1), cm.ActualVersion)
	current, ok := cm.Current.(billing.Credit)
	require.True(t, ok)
	assertAmount(t, "1000", current.Amount, "current amount")
}

func TestCommit_DuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.credit("cr-1", "1000")

	req := Request{Mutation: mutation(CreditAmount, "cr-1", "900", 1), IdempotencyKey: "edit-1"}
	_, err := f.engine.Commit(f.ctx, req)
	require.NoError(t, err)

	req.Mutation.ExpectedVersion = 2
	_, err = f.engine.Commit(f.ctx, req)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assertAmount(t, "900", f.creditSummary("cr-1").Credit.Amount, "credit amount")
}

func TestCommit_PublishesEventAndSurvivesBrokerFailure(t *testing.T) {
	// GIVEN: scenario C, with a broker that fails
	f := newFixture(t)
	f.receivable("rcv-1", "500")
	f.payment("pay-1", "rcv-1", "500", 2)
	f.events.Err = errors.New("broker down")

	// WHEN: the deletion is committed
	_, err := f.engine.Commit(f.ctx, Request{
		Mutation:   mutation(ReceivableDelete, "rcv-1", "", 1),
		Resolution: &Resolution{Strategy: StrategyAutoReducePayments},
	})

	// THEN: the commit stands
	require.NoError(t, err)
	r, err := f.store.GetReceivable(f.ctx, "rcv-1")
	require.NoError(t, err)
	assert.True(t, r.Deleted())

	// WHEN: the broker recovers and another commit happens
	f.events.Err = nil
	f.credit("cr-1", "100")
	_, err = f.engine.Commit(f.ctx, Request{Mutation: mutation(CreditDelete, "cr-1", "", 1)})
	require.NoError(t, err)

	// THEN: the event is published
	published := f.events.Events()
	last := published[len(published)-1]
	assert.Equal(t, events.RecordDeleted, last.Type)
	assert.Equal(t, "cr-1", last.TargetID)
	assert.Equal(t, "credit_delete", last.Mutation)
}

func TestCommit_WritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "1000", 2)

	res, err := f.engine.Commit(f.ctx, Request{
		Mutation:       mutation(ReceivableAmount, "rcv-1", "900", 1),
		Resolution:     &Resolution{Strategy: StrategyAutoReduceLatest},
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)

	target := "rcv-1"
	entries, err := f.store.QueryAudit(f.ctx, generic.AuditFilter{
		TargetID: &target,
		Actions:  []generic.AuditAction{generic.AuditResolutionCommitted},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.AuditID, entries[0].ID)
	assert.Equal(t, "operator-1", entries[0].ActorID)
	assert.Equal(t, "auto_reduce_latest", entries[0].Payload["strategy"])
}

// =============================================================================
// CASCADES
// =============================================================================

func TestReceivableOverpayment_AllocationReturnsToCredit(t *testing.T) {
	// GIVEN: an invoice paid 400 by payment and 600 by credit allocation
	f := newFixture(t)
	f.credit("cr-1", "600")
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "400", 2)
	f.allocation("al-1", "cr-1", "rcv-1", "600", 3)

	// WHEN: the invoice drops to 400 and the allocation returns to credit
	_, err := f.engine.Commit(f.ctx, Request{
		Mutation: mutation(ReceivableAmount, "rcv-1", "400", 1),
		Resolution: &Resolution{Decisions: []Decision{
			{Kind: DependentAllocation, ID: "al-1", Action: ActionReturnToCredit},
		}},
	})
	require.NoError(t, err)

	// THEN: the credit is fully available again
	c := f.creditSummary("cr-1")
	assertAmount(t, "600", c.Credit.Amount, "credit amount")
	assertAmount(t, "600", c.Available, "available")
	assertAmount(t, "0", f.receivableSummary("rcv-1").Remaining, "remaining")
	f.assertInvariants()
}

func TestReceivableOverpayment_DeleteAllocationForfeitsCredit(t *testing.T) {
	f := newFixture(t)
	f.credit("cr-1", "600")
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "400", 2)
	f.allocation("al-1", "cr-1", "rcv-1", "600", 3)

	res, err := f.engine.Commit(f.ctx, Request{
		Mutation: mutation(ReceivableAmount, "rcv-1", "400", 1),
		Resolution: &Resolution{Decisions: []Decision{
			{ID: "al-1", Action: ActionDeleteAllocation},
		}},
	})
	require.NoError(t, err)

	c := f.creditSummary("cr-1")
	assertAmount(t, "0", c.Credit.Amount, "credit amount")
	assertAmount(t, "0", c.Allocated, "allocated")
	require.Len(t, res.Consequences.DependentChanges, 1)
	assertAmount(t, "600", res.Consequences.DependentChanges[0].Forfeited, "forfeited")
	f.assertInvariants()
}

func TestCreditDeletion_RemovesAllocations(t *testing.T) {
	f := newFixture(t)
	f.credit("cr-1", "500")
	f.receivable("rcv-1", "1000")
	f.allocation("al-1", "cr-1", "rcv-1", "200", 2)
	f.allocation("al-2", "cr-1", "rcv-1", "300", 3)
	m := mutation(CreditDelete, "cr-1", "", 1)

	_, err := f.engine.Commit(f.ctx, Request{Mutation: m})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, ConflictCreditDeletion, conflict.Conflict.Kind)
	assertAmount(t, "500", conflict.Conflict.Gap, "deficit")

	_, err = f.engine.Commit(f.ctx, Request{Mutation: m, Resolution: &Resolution{Strategy: StrategyAutoReducePayments}})
	require.NoError(t, err)

	s := f.receivableSummary("rcv-1")
	assertAmount(t, "0", s.Paid, "invoice paid")
	assert.Equal(t, billing.StatusUnpaid, s.Status)
	assertAmount(t, "-1000", f.balance("client-1").Balance.Total, "client balance")
	f.assertInvariants()
}

func TestConvertSurplus_UnavailableForCredits(t *testing.T) {
	f := newFixture(t)
	f.credit("cr-1", "1000")
	f.receivable("rcv-1", "1000")
	f.allocation("al-1", "cr-1", "rcv-1", "600", 2)

	_, err := f.engine.Commit(f.ctx, Request{
		Mutation:   mutation(CreditAmount, "cr-1", "500", 1),
		Resolution: &Resolution{Strategy: StrategyConvertToCredit},
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestPaymentIncrease_OverpaysAndConvertsOthers(t *testing.T) {
	// GIVEN: an invoice of 1000 paid 600 + 400
	f := newFixture(t)
	f.receivable("rcv-1", "1000")
	f.payment("pay-1", "rcv-1", "600", 2)
	f.payment("pay-2", "rcv-1", "400", 3)

	// WHEN: pay-1 is raised to 800
	m := mutation(PaymentAmount, "pay-1", "800", 1)
	check, err := f.engine.Check(f.ctx, m)
	require.NoError(t, err)

	// THEN: surplus 200, pay-1 itself is not a dependent
	require.NotNil(t, check.Conflict)
	assertAmount(t, "200", check.Conflict.Gap, "surplus")
	require.Len(t, check.Conflict.Dependents, 1)
	assert.Equal(t, "pay-2", check.Conflict.Dependents[0].ID)

	_, err = f.engine.Commit(f.ctx, Request{Mutation: m, Resolution: &Resolution{Strategy: StrategyConvertToCredit}})
	require.NoError(t, err)
	p2, err := f.store.GetPayment(f.ctx, "pay-2")
	require.NoError(t, err)
	assertAmount(t, "200", p2.Amount, "pay-2")
	f.assertInvariants()
}

func TestTaskPrepaidCascade_SyncsPrepaidPayment(t *testing.T) {
	// GIVEN: an approved task of 1000 with 300 prepaid
	f := newFixture(t)
	f.account("emp-1", billing.AccountEmployee)
	_, err := f.engine.CreateTask(f.ctx, billing.Task{
		ID: "task-1", ClientID: "client-1", EmployeeID: "emp-1",
		Amount: amt("1000"), PrepaidAmount: amt("300"), CommissionRate: decimal.RequireFromString("0.05"),
	}, CreateOptions{})
	require.NoError(t, err)
	approved, err := f.engine.ApproveTask(f.ctx, "task-1", ApproveTaskInput{ExpectedVersion: 1}, CreateOptions{})
	require.NoError(t, err)

	detail, err := f.engine.TaskDetail(f.ctx, "task-1")
	require.NoError(t, err)
	assertAmount(t, "300", detail.Invoice.PaidByPayments, "prepaid on invoice")
	prepaidID := detail.Invoice.Payments[0].ID

	// WHEN: the prepaid payment is edited directly
	_, err = f.engine.Commit(f.ctx, Request{Mutation: mutation(PaymentAmount, string(prepaidID), "100", 1)})

	// THEN: rejected, the task owns it
	assert.ErrorIs(t, err, generic.ErrValidation)

	// WHEN: the task prepaid amount changes to 500
	_, err = f.engine.Commit(f.ctx, Request{Mutation: mutation(TaskPrepaid, "task-1", "500", approved.Version)})
	require.NoError(t, err)

	// THEN: the prepaid payment follows
	detail, err = f.engine.TaskDetail(f.ctx, "task-1")
	require.NoError(t, err)
	assertAmount(t, "500", detail.Invoice.PaidByPayments, "prepaid on invoice")
	assertAmount(t, "500", detail.Task.PrepaidAmount, "task prepaid")
	f.assertInvariants()
}

func TestTaskApprovedAtZero_InvoicedWhenAmountRises(t *testing.T) {
	// GIVEN: a task approved before it had an amount, so no invoice exists
	f := newFixture(t)
	f.account("emp-1", billing.AccountEmployee)
	_, err := f.engine.CreateTask(f.ctx, billing.Task{
		ID: "task-1", ClientID: "client-1", EmployeeID: "emp-1", Title: "Payroll",
		CommissionRate: decimal.RequireFromString("0.10"),
	}, CreateOptions{})
	require.NoError(t, err)
	approved, err := f.engine.ApproveTask(f.ctx, "task-1", ApproveTaskInput{ExpectedVersion: 1}, CreateOptions{})
	require.NoError(t, err)
	detail, err := f.engine.TaskDetail(f.ctx, "task-1")
	require.NoError(t, err)
	require.Nil(t, detail.Invoice)

	// WHEN: the amount is cascaded to 1000
	res, err := f.engine.Commit(f.ctx, Request{Mutation: mutation(TaskAmount, "task-1", "1000", approved.Version)})
	require.NoError(t, err)

	// THEN: the client is billed along with the commission
	assert.NotNil(t, res.Warnings)
	require.NotNil(t, res.Consequences.TaskImpact)
	assert.NotEmpty(t, res.Consequences.TaskImpact.IssuedInvoice)
	detail, err = f.engine.TaskDetail(f.ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, detail.Invoice)
	assert.Equal(t, res.Consequences.TaskImpact.IssuedInvoice, detail.Invoice.Receivable.ID)
	assertAmount(t, "1000", detail.Invoice.Receivable.Amount, "invoice amount")
	assertAmount(t, "100", f.balance("emp-1").Balance.Total, "employee balance")
	assertAmount(t, "-1000", f.balance("client-1").Balance.Total, "client balance")

	// WHEN: a prepaid part is added afterwards
	_, err = f.engine.Commit(f.ctx, Request{Mutation: mutation(TaskPrepaid, "task-1", "300", res.TargetVersion)})
	require.NoError(t, err)

	// THEN: it lands on the same invoice, no second invoice is issued
	detail, err = f.engine.TaskDetail(f.ctx, "task-1")
	require.NoError(t, err)
	assertAmount(t, "300", detail.Invoice.PaidByPayments, "prepaid on invoice")
	receivables, err := f.store.ListReceivablesByClient(f.ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, receivables, 1)
	f.assertInvariants()
}

func TestTaskAmount_BelowPaidInvoiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.account("emp-1", billing.AccountEmployee)
	_, err := f.engine.CreateTask(f.ctx, billing.Task{
		ID: "task-1", ClientID: "client-1", EmployeeID: "emp-1", Amount: amt("1000"),
	}, CreateOptions{})
	require.NoError(t, err)
	approved, err := f.engine.ApproveTask(f.ctx, "task-1", ApproveTaskInput{ExpectedVersion: 1}, CreateOptions{})
	require.NoError(t, err)
	detail, err := f.engine.TaskDetail(f.ctx, "task-1")
	require.NoError(t, err)
	f.payment("pay-1", string(detail.Invoice.Receivable.ID), "900", 3)

	_, err = f.engine.Commit(f.ctx, Request{Mutation: mutation(TaskAmount, "task-1", "800", approved.Version)})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestRecalculateAccount_RepairsDrift(t *testing.T) {
	// GIVEN: a client whose cached balance was tampered with
	f := newFixture(t)
	f.credit("cr-1", "250")
	a, err := f.store.GetAccount(f.ctx, "client-1")
	require.NoError(t, err)
	a.CachedBalance = amt("999")
	require.NoError(t, f.store.SaveAccount(f.ctx, *a))
	require.NotNil(t, f.balance("client-1").Drift)

	// WHEN: the balances are audited
	drifts, err := f.engine.AuditBalances(f.ctx, "auditor")
	require.NoError(t, err)

	// THEN: the drift is found and repaired
	require.Len(t, drifts, 1)
	assertAmount(t, "-749", drifts[0].Difference, "difference")
	assert.Nil(t, f.balance("client-1").Drift)
	entries, err := f.store.QueryAudit(f.ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditBalanceRepaired}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
