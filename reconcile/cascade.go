/*
cascade.go - Applies a mutation and its resolution plan to a Workspace

PURPOSE:
  The executor is the only code that changes records. It runs against a
  loaded Workspace and never touches storage: the result is a ChangeSet the
  engine persists inside one store transaction, and a Consequences report.
  Preview runs exactly the same code and throws the ChangeSet away, which is
  why a preview and the commit that follows it report the same numbers.

STEPS (in order):
  1. Re-check the mutation against the workspace (live data at commit time)
  2. Apply each plan step to its dependent (delete / reduce / convert /
     detach / return to credit)
  3. Update the target record
  4. Recompute derived values from the updated dependents and verify both
     invariants on every loaded credit and receivable
  5. Approved task targets: sync the linked invoice and recompute every
     commission from the new net earning
  6. Post the difference between each touched record's desired posting and
     what its account already holds, then rewrite cached balances

IDENTIFIERS:
  Records and transactions created by a run get IDs derived from the
  workspace fingerprint and the request, so a preview and its commit name
  the new credit the same way.
*/
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// EXECUTOR
// =============================================================================

type Executor struct {
	Clock func() time.Time
}

func NewExecutor(clock func() time.Time) *Executor {
	if clock == nil {
		clock = time.Now
	}
	return &Executor{Clock: clock}
}

// Outcome is everything a run produced.
type Outcome struct {
	Check        *CheckResult
	Plan         *Plan
	Changes      *ChangeSet
	Consequences Consequences
	Warnings     []string
	Fingerprint  string
}

// Execute applies req to ws. A conflict without a resolution fails with
// ConflictError; a resolution without a conflict fails with
// ErrNothingToResolve.
func (x *Executor) Execute(ws *Workspace, req Request) (*Outcome, error) {
	m := req.Mutation
	fingerprint := ws.Fingerprint()

	check, err := Check(m, ws)
	if err != nil {
		return nil, err
	}

	r := x.newRun(ws, m.EffectiveAt, deterministicIDs(fingerprint+req.seed()))
	out := &Outcome{Check: check, Fingerprint: fingerprint}

	resolution := req.resolution()
	switch {
	case check.Conflict != nil && resolution == nil:
		return nil, &ConflictError{Conflict: check.Conflict, Options: Options(check.Conflict)}
	case check.Conflict != nil:
		plan, err := Compile(check.Conflict, *resolution)
		if err != nil {
			return nil, err
		}
		out.Plan = plan
		r.applyPlan(plan)
	case resolution != nil:
		return nil, fmt.Errorf("%w: %s %s has no conflict for %s",
			generic.ErrNothingToResolve, m.Kind.TargetKind(), m.TargetID, m.Kind)
	}

	r.applyTarget(m)
	if err := r.verify(); err != nil {
		return nil, err
	}
	if err := r.settle(m.ActorID, fmt.Sprintf("%s on %s %s", m.Kind, m.Kind.TargetKind(), m.TargetID), string(m.Kind)); err != nil {
		return nil, err
	}

	primaryReceivable, primaryCredit := primaries(ws, m)
	out.Consequences = r.consequences(primaryReceivable, primaryCredit)
	out.Warnings = r.warnings
	out.Changes = r.changeSet(auditAction(m, out.Plan), m.ActorID, m.Kind.TargetKind(), m.TargetID, map[string]any{
		"mutation":        string(m.Kind),
		"proposed_amount": m.Amount.String(),
		"strategy":        strategyOf(out.Plan),
		"steps":           stepsOf(out.Plan),
		"fingerprint":     fingerprint,
	})
	return out, nil
}

func auditAction(m Mutation, plan *Plan) generic.AuditAction {
	switch {
	case plan != nil:
		return generic.AuditResolutionCommitted
	case m.Kind.IsTask():
		return generic.AuditTaskCascaded
	case m.Kind.IsDelete():
		return generic.AuditRecordDeleted
	}
	return generic.AuditRecordUpdated
}

func strategyOf(p *Plan) string {
	if p == nil {
		return ""
	}
	return string(p.Strategy)
}

func stepsOf(p *Plan) int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// primaries picks the invoice and credit the mutation is about.
func primaries(ws *Workspace, m Mutation) (billing.ReceivableID, billing.CreditID) {
	switch m.Kind.TargetKind() {
	case KindCredit:
		return "", billing.CreditID(m.TargetID)
	case KindReceivable:
		return billing.ReceivableID(m.TargetID), ""
	case KindPayment:
		if p, ok := ws.Payments[billing.PaymentID(m.TargetID)]; ok {
			return p.ReceivableID, ""
		}
	case KindAllocation:
		if a, ok := ws.Allocations[billing.AllocationID(m.TargetID)]; ok {
			return a.ReceivableID, a.CreditID
		}
	case KindTask:
		for _, r := range ws.Receivables {
			if r.TaskID == billing.TaskID(m.TargetID) {
				return r.ID, ""
			}
		}
	}
	return "", ""
}

func deterministicIDs(seed string) func(string) string {
	n := 0
	return func(prefix string) string {
		n++
		return prefix + "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", seed, n))).String()
	}
}

func randomIDs(prefix string) string {
	return billing.NewID(prefix)
}

func dateOf(t time.Time) generic.TimePoint {
	y, m, d := t.Date()
	return generic.NewTimePoint(y, m, d)
}

// =============================================================================
// RUN - State of one execution
// =============================================================================

type run struct {
	ws  *Workspace
	now time.Time
	at  generic.TimePoint
	ids func(prefix string) string

	dirty    []string // kind/id in first-touch order
	dirtySet map[string]bool
	created  map[string]bool

	beforeCredits     map[billing.CreditID]billing.CreditSummary
	beforeReceivables map[billing.ReceivableID]billing.ReceivableSummary

	dependentChanges []DependentChange
	createdCredits   []CreatedCredit
	commissions      []CommissionChange
	taskImpact       *TaskImpact
	txs              []generic.Transaction
	balances         []BalanceRecalculation
	messages         []string
	warnings         []string
}

func (x *Executor) newRun(ws *Workspace, effectiveAt generic.TimePoint, ids func(string) string) *run {
	now := x.Clock()
	at := effectiveAt
	if at.IsZero() {
		at = dateOf(now)
	}
	r := &run{
		ws:                ws,
		now:               now,
		at:                at,
		ids:               ids,
		dirtySet:          make(map[string]bool),
		created:           make(map[string]bool),
		beforeCredits:     make(map[billing.CreditID]billing.CreditSummary),
		beforeReceivables: make(map[billing.ReceivableID]billing.ReceivableSummary),
	}
	for id := range ws.Credits {
		r.beforeCredits[id], _ = ws.CreditSummary(id)
	}
	for id := range ws.Receivables {
		r.beforeReceivables[id], _ = ws.ReceivableSummary(id)
	}
	return r
}

func (r *run) stamp() *generic.TimePoint {
	ts := generic.Instant(r.now)
	return &ts
}

// touch marks a record for saving and bumps its version once per run.
func (r *run) touch(kind, id string, version *int64) {
	key := kind + "/" + id
	if r.dirtySet[key] {
		return
	}
	r.dirtySet[key] = true
	r.dirty = append(r.dirty, key)
	if !r.created[key] {
		*version++
	}
}

// create registers a new record; it is saved with version 1.
func (r *run) create(kind, id string) {
	key := kind + "/" + id
	r.created[key] = true
	if !r.dirtySet[key] {
		r.dirtySet[key] = true
		r.dirty = append(r.dirty, key)
	}
}

func (r *run) note(format string, args ...any) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func (r *run) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// =============================================================================
// STEP 2 - Plan steps
// =============================================================================

func (r *run) applyPlan(p *Plan) {
	for _, s := range p.Steps {
		r.applyStep(s)
	}
	for _, g := range p.Grants {
		c := r.grantCredit(p.Conflict.ClientID, g.Amount, g.SourcePaymentID,
			fmt.Sprintf("converted from payment %s", g.SourcePaymentID))
		r.note("credit %s of %s granted to client %s from payment %s", c.ID, g.Amount, c.ClientID, g.SourcePaymentID)
	}
}

func (r *run) applyStep(s Step) {
	d := s.Dependent
	change := DependentChange{
		Kind:      d.Kind,
		ID:        d.ID,
		Action:    s.Action,
		OldAmount: d.Amount,
		NewAmount: s.NewAmount,
		ToCredit:  s.ToCredit,
		Forfeited: generic.Zero(),
	}

	switch d.Kind {
	case DependentPayment:
		p := r.ws.Payments[billing.PaymentID(d.ID)]
		if s.Action == ActionDelete || !s.NewAmount.IsPositive() {
			p.DeletedAt = r.stamp()
			change.NewAmount = generic.Zero()
			r.note("payment %s of %s deleted", p.ID, d.Amount)
		} else {
			p.Amount = s.NewAmount
			r.note("payment %s reduced from %s to %s", p.ID, d.Amount, s.NewAmount)
		}
		r.touch(KindPayment, string(p.ID), &p.Version)
		if s.ToCredit.IsPositive() {
			r.note("%s of payment %s converted to credit", s.ToCredit, p.ID)
		} else {
			r.warn("%s removed from payment %s is no longer recorded as received; refund the client or record it elsewhere", s.Removed, p.ID)
		}
		r.syncTaskPrepaid(p)

	case DependentAllocation:
		a := r.ws.Allocations[billing.AllocationID(d.ID)]
		change.CreditID = a.CreditID
		if s.Action == ActionReduceAllocation && s.NewAmount.IsPositive() {
			a.Amount = s.NewAmount
			r.note("allocation %s reduced from %s to %s", a.ID, d.Amount, s.NewAmount)
		} else {
			a.DeletedAt = r.stamp()
			change.NewAmount = generic.Zero()
			r.note("allocation %s of %s removed", a.ID, d.Amount)
		}
		r.touch(KindAllocation, string(a.ID), &a.Version)

		if s.Forfeit {
			c := r.ws.Credits[a.CreditID]
			c.Amount = c.Amount.Sub(d.Amount)
			r.touch(KindCredit, string(c.ID), &c.Version)
			change.Forfeited = d.Amount
			r.warn("credit %s forfeits %s with allocation %s", c.ID, d.Amount, a.ID)
		} else if s.Action == ActionReturnToCredit || s.Action == ActionReduceAllocation {
			r.note("%s returns to credit %s", s.Removed, a.CreditID)
		}
	}
	r.dependentChanges = append(r.dependentChanges, change)
}

func (r *run) grantCredit(clientID generic.AccountID, amount generic.Amount, source billing.PaymentID, reason string) *billing.Credit {
	c := &billing.Credit{
		ID:              billing.CreditID(r.ids("cr")),
		ClientID:        clientID,
		Amount:          amount,
		Reason:          reason,
		GrantedAt:       r.at,
		SourcePaymentID: source,
		Version:         1,
		CreatedAt:       generic.Instant(r.now),
	}
	r.ws.Credits[c.ID] = c
	r.create(KindCredit, string(c.ID))
	r.createdCredits = append(r.createdCredits, CreatedCredit{
		CreditID:        c.ID,
		ClientID:        clientID,
		Amount:          amount,
		SourcePaymentID: source,
	})
	return c
}

// syncTaskPrepaid keeps a task's prepaid amount equal to its prepaid payment
// when a resolution changed that payment.
func (r *run) syncTaskPrepaid(p *billing.Payment) {
	if p.Method != billing.MethodPrepaid {
		return
	}
	rcv, ok := r.ws.Receivables[p.ReceivableID]
	if !ok || rcv.TaskID == "" {
		return
	}
	t, ok := r.ws.Tasks[rcv.TaskID]
	if !ok {
		return
	}
	prepaid := p.Amount
	if p.Deleted() {
		prepaid = generic.Zero()
	}
	if t.PrepaidAmount.Equal(prepaid) {
		return
	}
	r.note("task %s prepaid amount follows payment %s: %s -> %s", t.ID, p.ID, t.PrepaidAmount, prepaid)
	t.PrepaidAmount = prepaid
	r.touch(KindTask, string(t.ID), &t.Version)
}

// =============================================================================
// STEP 3 + 5 - Target update and task cascade
// =============================================================================

func (r *run) applyTarget(m Mutation) {
	switch m.Kind {
	case CreditAmount:
		c := r.ws.Credits[billing.CreditID(m.TargetID)]
		r.note("credit %s amount %s -> %s", c.ID, c.Amount, m.Amount)
		c.Amount = m.Amount
		r.touch(KindCredit, string(c.ID), &c.Version)

	case CreditDelete:
		c := r.ws.Credits[billing.CreditID(m.TargetID)]
		c.DeletedAt = r.stamp()
		r.touch(KindCredit, string(c.ID), &c.Version)
		r.note("credit %s of %s deleted", c.ID, c.Amount)
		for _, a := range r.ws.liveAllocations(func(a *billing.Allocation) bool { return a.CreditID == c.ID }) {
			a.DeletedAt = r.stamp()
			r.touch(KindAllocation, string(a.ID), &a.Version)
		}

	case ReceivableAmount:
		rcv := r.ws.Receivables[billing.ReceivableID(m.TargetID)]
		r.note("receivable %s amount %s -> %s", rcv.ID, rcv.Amount, m.Amount)
		rcv.Amount = m.Amount
		r.touch(KindReceivable, string(rcv.ID), &rcv.Version)
		if rcv.TaskID != "" {
			r.warn("receivable %s is linked to task %s; the task amount and its commissions are not changed", rcv.ID, rcv.TaskID)
		}

	case ReceivableDelete:
		rcv := r.ws.Receivables[billing.ReceivableID(m.TargetID)]
		rcv.DeletedAt = r.stamp()
		r.touch(KindReceivable, string(rcv.ID), &rcv.Version)
		r.note("receivable %s of %s deleted", rcv.ID, rcv.Amount)
		for _, p := range r.ws.livePayments(rcv.ID) {
			p.DeletedAt = r.stamp()
			r.touch(KindPayment, string(p.ID), &p.Version)
		}
		for _, a := range r.ws.liveAllocations(func(a *billing.Allocation) bool { return a.ReceivableID == rcv.ID }) {
			a.DeletedAt = r.stamp()
			r.touch(KindAllocation, string(a.ID), &a.Version)
		}

	case PaymentAmount:
		p := r.ws.Payments[billing.PaymentID(m.TargetID)]
		r.note("payment %s amount %s -> %s", p.ID, p.Amount, m.Amount)
		p.Amount = m.Amount
		r.touch(KindPayment, string(p.ID), &p.Version)

	case PaymentDelete:
		p := r.ws.Payments[billing.PaymentID(m.TargetID)]
		p.DeletedAt = r.stamp()
		r.touch(KindPayment, string(p.ID), &p.Version)
		r.note("payment %s of %s deleted", p.ID, p.Amount)

	case AllocationAmount:
		a := r.ws.Allocations[billing.AllocationID(m.TargetID)]
		r.note("allocation %s amount %s -> %s", a.ID, a.Amount, m.Amount)
		a.Amount = m.Amount
		r.touch(KindAllocation, string(a.ID), &a.Version)

	case AllocationDelete:
		a := r.ws.Allocations[billing.AllocationID(m.TargetID)]
		a.DeletedAt = r.stamp()
		r.touch(KindAllocation, string(a.ID), &a.Version)
		r.note("allocation %s of %s removed; it returns to credit %s", a.ID, a.Amount, a.CreditID)

	case TaskAmount, TaskPrepaid, TaskExpense:
		r.applyTask(m)
	}
}

func (r *run) applyTask(m Mutation) {
	t := r.ws.Tasks[billing.TaskID(m.TargetID)]
	before := *t
	switch m.Kind {
	case TaskAmount:
		t.Amount = m.Amount
	case TaskPrepaid:
		t.PrepaidAmount = m.Amount
	case TaskExpense:
		t.ExpenseAmount = m.Amount
	}
	r.touch(KindTask, string(t.ID), &t.Version)

	r.taskImpact = &TaskImpact{
		TaskID:        t.ID,
		Approved:      t.Approved(),
		OldAmount:     before.Amount,
		NewAmount:     t.Amount,
		OldPrepaid:    before.PrepaidAmount,
		NewPrepaid:    t.PrepaidAmount,
		OldExpense:    before.ExpenseAmount,
		NewExpense:    t.ExpenseAmount,
		OldNetEarning: billing.NetEarning(before),
		NewNetEarning: billing.NetEarning(*t),
	}
	r.note("task %s %s -> net earning %s -> %s", t.ID, m.Kind, r.taskImpact.OldNetEarning, r.taskImpact.NewNetEarning)
	if r.taskImpact.NewNetEarning.IsNegative() {
		r.warn("task %s expenses exceed its amount; commissions drop to 0", t.ID)
	}
	if !t.Approved() {
		r.note("task %s is not approved; no invoice or commission to recompute", t.ID)
		return
	}

	rcv := r.ws.linkedReceivable(t.ID)
	if rcv == nil && t.Amount.IsPositive() {
		// approved at 0, so never invoiced until now
		rcv = r.issueTaskInvoice(t)
		r.taskImpact.IssuedInvoice = rcv.ID
	} else if rcv != nil {
		switch m.Kind {
		case TaskAmount:
			if !rcv.Amount.Equal(t.Amount) {
				r.note("invoice %s amount %s -> %s", rcv.ID, rcv.Amount, t.Amount)
				rcv.Amount = t.Amount
				r.touch(KindReceivable, string(rcv.ID), &rcv.Version)
			}
		case TaskPrepaid:
			r.syncPrepaidPayment(rcv, t)
		}
	}
	r.recomputeCommissions(t)
}

// issueTaskInvoice bills the client for an approved task and records its
// prepaid part as a payment on the new invoice.
func (r *run) issueTaskInvoice(t *billing.Task) *billing.Receivable {
	rcv := &billing.Receivable{
		ID:          billing.ReceivableID(r.ids("rcv")),
		ClientID:    t.ClientID,
		TaskID:      t.ID,
		Amount:      t.Amount,
		Description: "Task: " + t.Title,
		IssuedAt:    r.at,
		Version:     1,
		CreatedAt:   generic.Instant(r.now),
	}
	r.ws.Receivables[rcv.ID] = rcv
	r.create(KindReceivable, string(rcv.ID))
	r.note("invoice %s of %s issued to client %s", rcv.ID, rcv.Amount, rcv.ClientID)
	r.syncPrepaidPayment(rcv, t)
	return rcv
}

// syncPrepaidPayment makes the invoice's prepaid payment match the task.
func (r *run) syncPrepaidPayment(rcv *billing.Receivable, t *billing.Task) {
	p := r.ws.prepaidPayment(rcv.ID)
	switch {
	case p != nil && !t.PrepaidAmount.IsPositive():
		p.DeletedAt = r.stamp()
		r.touch(KindPayment, string(p.ID), &p.Version)
		r.note("prepaid payment %s of %s deleted", p.ID, p.Amount)
	case p != nil && !p.Amount.Equal(t.PrepaidAmount):
		r.note("prepaid payment %s %s -> %s", p.ID, p.Amount, t.PrepaidAmount)
		p.Amount = t.PrepaidAmount
		r.touch(KindPayment, string(p.ID), &p.Version)
	case p == nil && t.PrepaidAmount.IsPositive():
		p = &billing.Payment{
			ID:           billing.PaymentID(r.ids("pay")),
			ReceivableID: rcv.ID,
			Amount:       t.PrepaidAmount,
			Method:       billing.MethodPrepaid,
			PaidAt:       r.at,
			Reference:    "task " + string(t.ID),
			Version:      1,
			CreatedAt:    generic.Instant(r.now),
		}
		r.ws.Payments[p.ID] = p
		r.create(KindPayment, string(p.ID))
		r.note("prepaid payment %s of %s recorded on invoice %s", p.ID, p.Amount, rcv.ID)
	}
}

func (r *run) recomputeCommissions(t *billing.Task) {
	net := billing.NetEarning(*t)
	for _, c := range r.ws.taskCommissions(t.ID) {
		amount := billing.CommissionAmount(net, c.Rate)
		change := CommissionChange{
			CommissionID: c.ID,
			EmployeeID:   c.EmployeeID,
			Rate:         c.Rate,
			OldBase:      c.BaseAmount,
			NewBase:      net,
			OldAmount:    c.Amount,
			NewAmount:    amount,
			Difference:   amount.Sub(c.Amount),
			Paid:         c.Status == billing.CommissionPaid,
		}
		r.commissions = append(r.commissions, change)
		if c.Amount.Equal(amount) && c.BaseAmount.Equal(net) {
			continue
		}
		c.BaseAmount = net
		c.Amount = amount
		r.touch(KindCommission, string(c.ID), &c.Version)
		r.note("commission %s for %s: %s -> %s (%s)", c.ID, c.EmployeeID, change.OldAmount, amount, signed(change.Difference))
		if change.Paid && !change.Difference.IsZero() {
			r.warn("commission %s was already paid; %s must be settled with employee %s", c.ID, signed(change.Difference), c.EmployeeID)
		}
	}
}

func signed(a generic.Amount) string {
	if a.IsPositive() {
		return "+" + a.String()
	}
	return a.String()
}

// =============================================================================
// STEP 4 - Invariants
// =============================================================================

// verify checks both invariants on every loaded credit and receivable. A
// failure here means a plan compiled wrongly; nothing is persisted.
func (r *run) verify() error {
	for id, c := range r.ws.Credits {
		if c.Deleted() {
			continue
		}
		s, _ := r.ws.CreditSummary(id)
		if s.Overallocated() {
			return fmt.Errorf("%w: credit %s would have %s allocated against %s",
				generic.ErrInvariantViolation, id, s.Allocated, c.Amount)
		}
		if c.Amount.IsNegative() {
			return fmt.Errorf("%w: credit %s amount would be %s", generic.ErrInvariantViolation, id, c.Amount)
		}
	}
	for id, rcv := range r.ws.Receivables {
		if rcv.Deleted() {
			continue
		}
		s, _ := r.ws.ReceivableSummary(id)
		if s.Overpaid() {
			return fmt.Errorf("%w: receivable %s would be paid %s against %s",
				generic.ErrInvariantViolation, id, s.Paid, rcv.Amount)
		}
	}
	return nil
}

// =============================================================================
// STEP 6 - Postings and balances
// =============================================================================

func (r *run) postingFor(key string) (billing.Posting, bool) {
	kind, id, _ := strings.Cut(key, "/")
	switch kind {
	case KindReceivable:
		return billing.ReceivablePosting(*r.ws.Receivables[billing.ReceivableID(id)]), true
	case KindPayment:
		p := r.ws.Payments[billing.PaymentID(id)]
		rcv := r.ws.Receivables[p.ReceivableID]
		return billing.PaymentPosting(*p, rcv.ClientID), true
	case KindCredit:
		return billing.CreditPosting(*r.ws.Credits[billing.CreditID(id)]), true
	case KindCommission:
		return billing.CommissionPosting(*r.ws.Commissions[billing.CommissionID(id)]), true
	}
	return billing.Posting{}, false
}

// settle posts what changed and recomputes every touched balance from the
// account's transactions.
func (r *run) settle(actor, reason, origin string) error {
	pending := make(map[generic.AccountID][]generic.Transaction)
	var touched []generic.AccountID

	for _, key := range r.dirty {
		posting, ok := r.postingFor(key)
		if !ok {
			continue
		}
		acct := posting.AccountID
		if _, loaded := r.ws.Accounts[acct]; !loaded {
			return fmt.Errorf("%w: %s", generic.ErrAccountNotFound, acct)
		}
		existing := make([]generic.Transaction, 0, len(r.ws.Transactions[acct])+len(pending[acct]))
		existing = append(existing, r.ws.Transactions[acct]...)
		existing = append(existing, pending[acct]...)

		tx := posting.Reconcile(existing)
		if tx == nil {
			continue
		}
		tx.ID = generic.TransactionID(r.ids("tx"))
		tx.EffectiveAt = r.at
		tx.Reason = reason
		tx.Metadata = map[string]string{"origin": origin}
		tx.CreatedBy = actor
		tx.CreatedAt = generic.Instant(r.now)

		if len(pending[acct]) == 0 {
			touched = append(touched, acct)
		}
		pending[acct] = append(pending[acct], *tx)
		r.txs = append(r.txs, *tx)
	}

	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })
	for _, acct := range touched {
		proj := generic.Project(acct, r.ws.Transactions[acct], pending[acct])
		a := r.ws.Accounts[acct]
		a.CachedBalance = proj.After.Total
		r.touch(KindAccount, string(acct), &a.Version)
		r.balances = append(r.balances, BalanceRecalculation{
			AccountID:  acct,
			Before:     proj.Before.Total,
			After:      proj.After.Total,
			Difference: proj.Difference(),
		})
		r.note("account %s balance %s -> %s", acct, proj.Before.Total, proj.After.Total)
	}
	return nil
}

// =============================================================================
// CHANGESET - What the engine persists
// =============================================================================

type ChangeSet struct {
	Accounts     []billing.Account
	Credits      []billing.Credit
	Allocations  []billing.Allocation
	Receivables  []billing.Receivable
	Payments     []billing.Payment
	Tasks        []billing.Task
	Commissions  []billing.Commission
	Transactions []generic.Transaction
	Audit        generic.AuditEntry
}

func (r *run) changeSet(action generic.AuditAction, actor, targetKind, targetID string, payload map[string]any) *ChangeSet {
	cs := &ChangeSet{Transactions: r.txs}
	for _, key := range r.dirty {
		kind, id, _ := strings.Cut(key, "/")
		switch kind {
		case KindAccount:
			cs.Accounts = append(cs.Accounts, *r.ws.Accounts[generic.AccountID(id)])
		case KindCredit:
			cs.Credits = append(cs.Credits, *r.ws.Credits[billing.CreditID(id)])
		case KindAllocation:
			cs.Allocations = append(cs.Allocations, *r.ws.Allocations[billing.AllocationID(id)])
		case KindReceivable:
			cs.Receivables = append(cs.Receivables, *r.ws.Receivables[billing.ReceivableID(id)])
		case KindPayment:
			cs.Payments = append(cs.Payments, *r.ws.Payments[billing.PaymentID(id)])
		case KindTask:
			cs.Tasks = append(cs.Tasks, *r.ws.Tasks[billing.TaskID(id)])
		case KindCommission:
			cs.Commissions = append(cs.Commissions, *r.ws.Commissions[billing.CommissionID(id)])
		}
	}
	cs.Audit = generic.AuditEntry{
		ID:         r.ids("audit"),
		Timestamp:  generic.Instant(r.now),
		ActorID:    actor,
		Action:     action,
		TargetKind: targetKind,
		TargetID:   targetID,
		Payload:    payload,
	}
	return cs
}

// Persist writes the change set through st. Call it inside WithTx.
func (cs *ChangeSet) Persist(ctx context.Context, st billing.Store) error {
	for _, a := range cs.Accounts {
		if err := st.SaveAccount(ctx, a); err != nil {
			return fmt.Errorf("save account %s: %w", a.ID, err)
		}
	}
	for _, c := range cs.Credits {
		if err := st.SaveCredit(ctx, c); err != nil {
			return fmt.Errorf("save credit %s: %w", c.ID, err)
		}
	}
	for _, r := range cs.Receivables {
		if err := st.SaveReceivable(ctx, r); err != nil {
			return fmt.Errorf("save receivable %s: %w", r.ID, err)
		}
	}
	for _, a := range cs.Allocations {
		if err := st.SaveAllocation(ctx, a); err != nil {
			return fmt.Errorf("save allocation %s: %w", a.ID, err)
		}
	}
	for _, p := range cs.Payments {
		if err := st.SavePayment(ctx, p); err != nil {
			return fmt.Errorf("save payment %s: %w", p.ID, err)
		}
	}
	for _, t := range cs.Tasks {
		if err := st.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}
	for _, c := range cs.Commissions {
		if err := st.SaveCommission(ctx, c); err != nil {
			return fmt.Errorf("save commission %s: %w", c.ID, err)
		}
	}
	if len(cs.Transactions) > 0 {
		if err := generic.NewLedger(st).AppendBatch(ctx, cs.Transactions); err != nil {
			return fmt.Errorf("append transactions: %w", err)
		}
	}
	if err := st.AppendAudit(ctx, cs.Audit); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
