/*
create.go - Record creation and task approval

PURPOSE:
  Creating a record cannot break an invariant the caller could trade off,
  so creation is validated synchronously: a payment larger than what is
  left on its invoice, or an allocation larger than the credit has
  available, is rejected outright.

  Every create goes through the same run as a checked mutation so that the
  new record is posted to its account, the cached balance is rewritten and
  the audit entry is written in the same store transaction. DryRun stops
  before persisting and is what the validate endpoints use.

TASK APPROVAL:
  Approving an open task issues its invoice (task amount), records the
  prepaid amount as a prepaid payment on that invoice, and creates one
  pending commission per employee share from the net earning.
*/
package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/events"
	"github.com/warp/reconciliation-engine/generic"
)

// CreateOptions carries who is creating and whether to persist.
type CreateOptions struct {
	ActorID        string
	IdempotencyKey string
	DryRun         bool
}

type CreateResult struct {
	ID           string       `json:"id"`
	Version      int64        `json:"version"`
	Consequences Consequences `json:"consequences"`
	Warnings     []string     `json:"warnings"`
	DryRun       bool         `json:"dry_run"`
}

// ApproveTaskInput approves a task. Shares adds commissions for employees
// other than the task's own, whose rate is Task.CommissionRate.
type ApproveTaskInput struct {
	ExpectedVersion int64
	ApprovedAt      generic.TimePoint
	Shares          []billing.CommissionShare
}

// =============================================================================
// CREATION RUN
// =============================================================================

type created struct {
	id         string
	version    int64
	receivable billing.ReceivableID
	credit     billing.CreditID
	payload    map[string]any
}

// creation is one create operation: load reads what validation needs, apply
// adds the new records to the run.
type creation struct {
	kind   string
	at     generic.TimePoint
	action generic.AuditAction
	load   func(l *loader) error
	apply  func(r *run) (created, error)
}

func (e *Engine) create(ctx context.Context, opts CreateOptions, c creation) (*CreateResult, error) {
	var res *CreateResult
	var audit generic.AuditEntry
	var messages []string

	err := e.store.WithTx(ctx, func(tx billing.Store) error {
		if opts.IdempotencyKey != "" {
			seen, err := tx.AuditExists(ctx, opts.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("check idempotency key: %w", err)
			}
			if seen {
				return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, opts.IdempotencyKey)
			}
		}

		l := &loader{ctx: ctx, st: tx, ws: NewWorkspace()}
		if c.load != nil {
			if err := c.load(l); err != nil {
				return err
			}
		}
		r := e.executor.newRun(l.ws, c.at, randomIDs)
		made, err := c.apply(r)
		if err != nil {
			return err
		}
		if err := r.verify(); err != nil {
			return err
		}
		if err := r.settle(opts.ActorID, fmt.Sprintf("%s %s created", c.kind, made.id), "create"); err != nil {
			return err
		}

		cs := r.changeSet(c.action, opts.ActorID, c.kind, made.id, made.payload)
		cs.Audit.IdempotencyKey = opts.IdempotencyKey
		audit = cs.Audit
		res = &CreateResult{
			ID:           made.id,
			Version:      made.version,
			Consequences: r.consequences(made.receivable, made.credit),
			Warnings:     append([]string{}, r.warnings...),
			DryRun:       opts.DryRun,
		}
		messages = res.Consequences.Messages
		if opts.DryRun {
			return nil
		}
		return cs.Persist(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return res, nil
	}

	e.logger.Info("record created",
		zap.String("kind", c.kind),
		zap.String("id", res.ID),
		zap.String("action", string(c.action)),
		zap.String("actor", opts.ActorID),
	)
	e.publish(ctx, events.Event{
		ID:         audit.ID,
		Type:       eventType(audit.Action),
		TargetKind: c.kind,
		TargetID:   res.ID,
		Summary:    messages,
		Data:       audit.Payload,
		At:         e.clock(),
	})
	return res, nil
}

func (l *loader) clientAccount(id generic.AccountID) error {
	if id == "" {
		return generic.Invalid("client_id", "required")
	}
	if err := l.account(id); err != nil {
		return err
	}
	if kind := l.ws.Accounts[id].Kind; kind != billing.AccountClient {
		return generic.Invalid("client_id", "account %s is a %s account", id, kind)
	}
	return nil
}

func (l *loader) employeeAccount(id generic.AccountID) error {
	if id == "" {
		return generic.Invalid("employee_id", "required")
	}
	if err := l.account(id); err != nil {
		return err
	}
	if kind := l.ws.Accounts[id].Kind; kind != billing.AccountEmployee {
		return generic.Invalid("employee_id", "account %s is a %s account", id, kind)
	}
	return nil
}

// unused fails when a caller-chosen ID is already taken.
func (l *loader) unused(kind, id string) error {
	if id == "" {
		return nil
	}
	var found bool
	var err error
	switch kind {
	case KindCredit:
		var c *billing.Credit
		c, err = l.st.GetCredit(l.ctx, billing.CreditID(id))
		found = c != nil
	case KindAllocation:
		var a *billing.Allocation
		a, err = l.st.GetAllocation(l.ctx, billing.AllocationID(id))
		found = a != nil
	case KindReceivable:
		var r *billing.Receivable
		r, err = l.st.GetReceivable(l.ctx, billing.ReceivableID(id))
		found = r != nil
	case KindPayment:
		var p *billing.Payment
		p, err = l.st.GetPayment(l.ctx, billing.PaymentID(id))
		found = p != nil
	case KindTask:
		var t *billing.Task
		t, err = l.st.GetTask(l.ctx, billing.TaskID(id))
		found = t != nil
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	if found {
		return generic.Invalid("id", "%s %s already exists", kind, id)
	}
	return nil
}

func positive(field string, a generic.Amount) error {
	if !a.IsPositive() {
		return generic.Invalid(field, "must be positive, got %s", a)
	}
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (e *Engine) OpenAccount(ctx context.Context, a billing.Account, opts CreateOptions) (*CreateResult, error) {
	if a.ID == "" {
		return nil, generic.Invalid("id", "required")
	}
	if a.Kind != billing.AccountClient && a.Kind != billing.AccountEmployee {
		return nil, generic.Invalid("kind", "must be client or employee, got %q", a.Kind)
	}
	return e.create(ctx, opts, creation{
		kind:   KindAccount,
		action: generic.AuditRecordCreated,
		load: func(l *loader) error {
			existing, err := l.st.GetAccount(l.ctx, a.ID)
			if err != nil {
				return fmt.Errorf("load account %s: %w", a.ID, err)
			}
			if existing != nil {
				return generic.Invalid("id", "account %s already exists", a.ID)
			}
			return nil
		},
		apply: func(r *run) (created, error) {
			a.CachedBalance = generic.Zero()
			a.Version = 1
			a.CreatedAt = generic.Instant(r.now)
			r.ws.Accounts[a.ID] = &a
			r.create(KindAccount, string(a.ID))
			r.note("%s account %s opened", a.Kind, a.ID)
			return created{id: string(a.ID), version: 1, payload: map[string]any{"kind": string(a.Kind)}}, nil
		},
	})
}

// =============================================================================
// CREDITS & ALLOCATIONS
// =============================================================================

func (e *Engine) CreateCredit(ctx context.Context, c billing.Credit, opts CreateOptions) (*CreateResult, error) {
	if err := positive("amount", c.Amount); err != nil {
		return nil, err
	}
	return e.create(ctx, opts, creation{
		kind:   KindCredit,
		at:     c.GrantedAt,
		action: generic.AuditRecordCreated,
		load: func(l *loader) error {
			if err := l.unused(KindCredit, string(c.ID)); err != nil {
				return err
			}
			return l.clientAccount(c.ClientID)
		},
		apply: func(r *run) (created, error) {
			if c.ID == "" {
				c.ID = billing.CreditID(r.ids("cr"))
			}
			c.GrantedAt = r.at
			c.Version = 1
			c.CreatedAt = generic.Instant(r.now)
			c.DeletedAt = nil
			r.ws.Credits[c.ID] = &c
			r.create(KindCredit, string(c.ID))
			r.note("credit %s of %s granted to client %s", c.ID, c.Amount, c.ClientID)
			return created{
				id:      string(c.ID),
				version: 1,
				credit:  c.ID,
				payload: map[string]any{"amount": c.Amount.String(), "client_id": string(c.ClientID)},
			}, nil
		},
	})
}

// CreateAllocation applies part of a credit to an invoice of the same
// client. It may not exceed the credit's available amount nor the invoice's
// remaining amount.
func (e *Engine) CreateAllocation(ctx context.Context, a billing.Allocation, opts CreateOptions) (*CreateResult, error) {
	if a.CreditID == "" {
		return nil, generic.Invalid("credit_id", "required")
	}
	if a.ReceivableID == "" {
		return nil, generic.Invalid("receivable_id", "required")
	}
	if err := positive("amount", a.Amount); err != nil {
		return nil, err
	}
	return e.create(ctx, opts, creation{
		kind:   KindAllocation,
		at:     a.AllocatedAt,
		action: generic.AuditRecordCreated,
		load: func(l *loader) error {
			if err := l.unused(KindAllocation, string(a.ID)); err != nil {
				return err
			}
			if err := l.credit(a.CreditID, false); err != nil {
				return err
			}
			return l.receivable(a.ReceivableID, false)
		},
		apply: func(r *run) (created, error) {
			cs, _ := r.ws.CreditSummary(a.CreditID)
			rs, _ := r.ws.ReceivableSummary(a.ReceivableID)
			switch {
			case cs.Credit.Deleted():
				return created{}, &generic.NotFoundError{Kind: KindCredit, ID: string(a.CreditID)}
			case rs.Receivable.Deleted():
				return created{}, &generic.NotFoundError{Kind: KindReceivable, ID: string(a.ReceivableID)}
			case cs.Credit.ClientID != rs.Receivable.ClientID:
				return created{}, generic.Invalid("receivable_id", "receivable %s belongs to %s, credit %s to %s",
					a.ReceivableID, rs.Receivable.ClientID, a.CreditID, cs.Credit.ClientID)
			case a.Amount.Exceeds(cs.Available):
				return created{}, generic.Invalid("amount", "allocation of %s exceeds the %s available on credit %s",
					a.Amount, cs.Available, a.CreditID)
			case a.Amount.Exceeds(rs.Remaining):
				return created{}, generic.Invalid("amount", "allocation of %s exceeds the %s remaining on receivable %s",
					a.Amount, rs.Remaining, a.ReceivableID)
			}
			if a.ID == "" {
				a.ID = billing.AllocationID(r.ids("alloc"))
			}
			a.AllocatedAt = r.at
			a.Version = 1
			a.CreatedAt = generic.Instant(r.now)
			a.DeletedAt = nil
			r.ws.Allocations[a.ID] = &a
			r.create(KindAllocation, string(a.ID))
			r.note("%s of credit %s allocated to receivable %s", a.Amount, a.CreditID, a.ReceivableID)
			return created{
				id:         string(a.ID),
				version:    1,
				receivable: a.ReceivableID,
				credit:     a.CreditID,
				payload:    map[string]any{"amount": a.Amount.String()},
			}, nil
		},
	})
}

// =============================================================================
// RECEIVABLES & PAYMENTS
// =============================================================================

func (e *Engine) CreateReceivable(ctx context.Context, rcv billing.Receivable, opts CreateOptions) (*CreateResult, error) {
	if err := positive("amount", rcv.Amount); err != nil {
		return nil, err
	}
	if rcv.TaskID != "" {
		return nil, generic.Invalid("task_id", "task invoices are issued by approving the task")
	}
	return e.create(ctx, opts, creation{
		kind:   KindReceivable,
		at:     rcv.IssuedAt,
		action: generic.AuditRecordCreated,
		load: func(l *loader) error {
			if err := l.unused(KindReceivable, string(rcv.ID)); err != nil {
				return err
			}
			return l.clientAccount(rcv.ClientID)
		},
		apply: func(r *run) (created, error) {
			if rcv.ID == "" {
				rcv.ID = billing.ReceivableID(r.ids("rcv"))
			}
			rcv.IssuedAt = r.at
			rcv.Version = 1
			rcv.CreatedAt = generic.Instant(r.now)
			rcv.DeletedAt = nil
			r.ws.Receivables[rcv.ID] = &rcv
			r.create(KindReceivable, string(rcv.ID))
			r.note("receivable %s of %s issued to client %s", rcv.ID, rcv.Amount, rcv.ClientID)
			return created{
				id:      string(rcv.ID),
				version: 1,
				payload: map[string]any{"amount": rcv.Amount.String(), "client_id": string(rcv.ClientID)},
			}, nil
		},
	})
}

// CreatePayment records a payment on an invoice. Payments above the
// remaining amount are rejected; prepaid payments only come from tasks.
func (e *Engine) CreatePayment(ctx context.Context, p billing.Payment, opts CreateOptions) (*CreateResult, error) {
	if p.ReceivableID == "" {
		return nil, generic.Invalid("receivable_id", "required")
	}
	if err := positive("amount", p.Amount); err != nil {
		return nil, err
	}
	if !p.Method.Valid() {
		return nil, generic.Invalid("method", "unknown payment method %q", p.Method)
	}
	if p.Method == billing.MethodPrepaid {
		return nil, generic.Invalid("method", "prepaid payments follow the task's prepaid amount")
	}
	return e.create(ctx, opts, creation{
		kind:   KindPayment,
		at:     p.PaidAt,
		action: generic.AuditRecordCreated,
		load: func(l *loader) error {
			if err := l.unused(KindPayment, string(p.ID)); err != nil {
				return err
			}
			return l.receivable(p.ReceivableID, false)
		},
		apply: func(r *run) (created, error) {
			rs, _ := r.ws.ReceivableSummary(p.ReceivableID)
			if rs.Receivable.Deleted() {
				return created{}, &generic.NotFoundError{Kind: KindReceivable, ID: string(p.ReceivableID)}
			}
			if p.Amount.Exceeds(rs.Remaining) {
				return created{}, generic.Invalid("amount", "payment of %s exceeds the %s remaining on receivable %s",
					p.Amount, rs.Remaining, p.ReceivableID)
			}
			if p.ID == "" {
				p.ID = billing.PaymentID(r.ids("pay"))
			}
			p.PaidAt = r.at
			p.Version = 1
			p.CreatedAt = generic.Instant(r.now)
			p.DeletedAt = nil
			r.ws.Payments[p.ID] = &p
			r.create(KindPayment, string(p.ID))
			r.note("payment %s of %s (%s) recorded on receivable %s", p.ID, p.Amount, p.Method, p.ReceivableID)
			return created{
				id:         string(p.ID),
				version:    1,
				receivable: p.ReceivableID,
				payload:    map[string]any{"amount": p.Amount.String(), "method": string(p.Method)},
			}, nil
		},
	})
}

// =============================================================================
// TASKS
// =============================================================================

func (e *Engine) CreateTask(ctx context.Context, t billing.Task, opts CreateOptions) (*CreateResult, error) {
	if err := billing.ValidateTask(t); err != nil {
		return nil, err
	}
	return e.create(ctx, opts, creation{
		kind:   KindTask,
		action: generic.AuditRecordCreated,
		load: func(l *loader) error {
			if err := l.unused(KindTask, string(t.ID)); err != nil {
				return err
			}
			if err := l.clientAccount(t.ClientID); err != nil {
				return err
			}
			return l.employeeAccount(t.EmployeeID)
		},
		apply: func(r *run) (created, error) {
			if t.ID == "" {
				t.ID = billing.TaskID(r.ids("task"))
			}
			t.Status = billing.TaskOpen
			t.ApprovedAt = nil
			t.Version = 1
			t.CreatedAt = generic.Instant(r.now)
			r.ws.Tasks[t.ID] = &t
			r.create(KindTask, string(t.ID))
			r.note("task %s for client %s: amount %s, prepaid %s, expense %s, net earning %s",
				t.ID, t.ClientID, t.Amount, t.PrepaidAmount, t.ExpenseAmount, billing.NetEarning(t))
			return created{
				id:      string(t.ID),
				version: 1,
				payload: map[string]any{"amount": t.Amount.String(), "employee_id": string(t.EmployeeID)},
			}, nil
		},
	})
}

// ApproveTask issues the task's invoice and creates its commissions.
func (e *Engine) ApproveTask(ctx context.Context, id billing.TaskID, in ApproveTaskInput, opts CreateOptions) (*CreateResult, error) {
	if in.ExpectedVersion <= 0 {
		return nil, generic.Invalid("version", "expected version of task %s is required", id)
	}
	return e.create(ctx, opts, creation{
		kind:   KindTask,
		at:     in.ApprovedAt,
		action: generic.AuditTaskApproved,
		load: func(l *loader) error {
			if err := l.task(id); err != nil {
				return err
			}
			t := l.ws.Tasks[id]
			if err := l.employeeAccount(t.EmployeeID); err != nil {
				return err
			}
			for _, s := range in.Shares {
				if err := l.employeeAccount(s.EmployeeID); err != nil {
					return err
				}
			}
			return nil
		},
		apply: func(r *run) (created, error) {
			t := r.ws.Tasks[id]
			if t.Version != in.ExpectedVersion {
				return created{}, &generic.ConcurrentModificationError{
					RecordKind:      KindTask,
					RecordID:        string(id),
					ExpectedVersion: in.ExpectedVersion,
					ActualVersion:   t.Version,
					Current:         *t,
				}
			}
			if t.Approved() {
				return created{}, generic.Invalid("status", "task %s is already approved", id)
			}
			if existing := r.ws.linkedReceivable(id); existing != nil {
				return created{}, generic.Invalid("task_id", "task %s is already invoiced by %s", id, existing.ID)
			}
			shares, err := commissionShares(*t, in.Shares)
			if err != nil {
				return created{}, err
			}

			at := r.at
			t.Status = billing.TaskApproved
			t.ApprovedAt = &at
			r.touch(KindTask, string(t.ID), &t.Version)
			r.note("task %s approved", t.ID)

			made := created{id: string(t.ID), version: t.Version}
			if t.Amount.IsPositive() {
				rcv := r.issueTaskInvoice(t)
				made.receivable = rcv.ID
			}

			net := billing.NetEarning(*t)
			for _, s := range shares {
				c := &billing.Commission{
					ID:         billing.CommissionID(r.ids("com")),
					TaskID:     t.ID,
					EmployeeID: s.EmployeeID,
					Rate:       s.Rate,
					BaseAmount: net,
					Amount:     billing.CommissionAmount(net, s.Rate),
					Status:     billing.CommissionPending,
					Version:    1,
					CreatedAt:  generic.Instant(r.now),
				}
				r.ws.Commissions[c.ID] = c
				r.create(KindCommission, string(c.ID))
				r.commissions = append(r.commissions, CommissionChange{
					CommissionID: c.ID,
					EmployeeID:   c.EmployeeID,
					Rate:         c.Rate,
					OldBase:      generic.Zero(),
					NewBase:      net,
					OldAmount:    generic.Zero(),
					NewAmount:    c.Amount,
					Difference:   c.Amount,
				})
				r.note("commission %s of %s for %s (%s of %s)", c.ID, c.Amount, c.EmployeeID, c.Rate, net)
			}
			if net.IsNegative() {
				r.warn("task %s expenses exceed its amount; commissions are 0", t.ID)
			}
			made.payload = map[string]any{
				"amount":      t.Amount.String(),
				"net_earning": net.String(),
				"commissions": len(shares),
				"receivable":  string(made.receivable),
			}
			return made, nil
		},
	})
}

// commissionShares returns the task employee's share followed by the extra
// shares. Rates are in [0, 1] and together at most 1.
func commissionShares(t billing.Task, extra []billing.CommissionShare) ([]billing.CommissionShare, error) {
	var shares []billing.CommissionShare
	if t.CommissionRate.IsPositive() {
		shares = append(shares, billing.CommissionShare{EmployeeID: t.EmployeeID, Rate: t.CommissionRate})
	}
	one := decimal.NewFromInt(1)
	total := t.CommissionRate
	seen := map[generic.AccountID]bool{t.EmployeeID: t.CommissionRate.IsPositive()}
	for _, s := range extra {
		if s.Rate.IsNegative() || s.Rate.GreaterThan(one) {
			return nil, generic.Invalid("shares", "rate for %s must be between 0 and 1, got %s", s.EmployeeID, s.Rate)
		}
		if seen[s.EmployeeID] {
			return nil, generic.Invalid("shares", "employee %s has more than one share", s.EmployeeID)
		}
		seen[s.EmployeeID] = true
		total = total.Add(s.Rate)
		if s.Rate.IsPositive() {
			shares = append(shares, s)
		}
	}
	if total.GreaterThan(one) {
		return nil, generic.Invalid("shares", "commission rates add up to %s", total)
	}
	return shares, nil
}
