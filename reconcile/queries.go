package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/events"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// READ SIDE
// =============================================================================

func (e *Engine) CreditSummary(ctx context.Context, id billing.CreditID) (*billing.CreditSummary, error) {
	c, err := e.store.GetCredit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load credit %s: %w", id, err)
	}
	if c == nil {
		return nil, &generic.NotFoundError{Kind: KindCredit, ID: string(id)}
	}
	allocs, err := e.store.ListAllocationsByCredit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load allocations of credit %s: %w", id, err)
	}
	s := billing.SummarizeCredit(*c, allocs)
	return &s, nil
}

func (e *Engine) ReceivableSummary(ctx context.Context, id billing.ReceivableID) (*billing.ReceivableSummary, error) {
	r, err := e.store.GetReceivable(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load receivable %s: %w", id, err)
	}
	if r == nil {
		return nil, &generic.NotFoundError{Kind: KindReceivable, ID: string(id)}
	}
	payments, err := e.store.ListPaymentsByReceivable(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payments of receivable %s: %w", id, err)
	}
	allocs, err := e.store.ListAllocationsByReceivable(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load allocations of receivable %s: %w", id, err)
	}
	s := billing.SummarizeReceivable(*r, payments, allocs)
	return &s, nil
}

// TaskDetail is a task with its derived values, invoice and commissions.
type TaskDetail struct {
	Task        billing.Task               `json:"task"`
	NetEarning  generic.Amount             `json:"net_earning"`
	Invoice     *billing.ReceivableSummary `json:"invoice,omitempty"`
	Commissions []billing.Commission       `json:"commissions"`
}

func (e *Engine) TaskDetail(ctx context.Context, id billing.TaskID) (*TaskDetail, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if t == nil {
		return nil, &generic.NotFoundError{Kind: KindTask, ID: string(id)}
	}
	d := &TaskDetail{Task: *t, NetEarning: billing.NetEarning(*t), Commissions: []billing.Commission{}}

	commissions, err := e.store.ListCommissionsByTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load commissions of task %s: %w", id, err)
	}
	for _, c := range commissions {
		if !c.Deleted() {
			d.Commissions = append(d.Commissions, c)
		}
	}

	r, err := e.store.GetReceivableByTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load receivable of task %s: %w", id, err)
	}
	if r != nil {
		if d.Invoice, err = e.ReceivableSummary(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// =============================================================================
// ACCOUNT BALANCES
// =============================================================================

// AccountBalance is the balance recomputed from transactions next to the
// cached one. Drift is nil when they agree.
type AccountBalance struct {
	Account billing.Account `json:"account"`
	Balance generic.Balance `json:"balance"`
	Drift   *generic.Drift  `json:"drift,omitempty"`
}

func (e *Engine) AccountBalance(ctx context.Context, id generic.AccountID) (*AccountBalance, error) {
	return accountBalance(ctx, e.store, id)
}

func accountBalance(ctx context.Context, st billing.Store, id generic.AccountID) (*AccountBalance, error) {
	a, err := st.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrAccountNotFound, id)
	}
	txs, err := generic.NewLedger(st).Transactions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transactions of %s: %w", id, err)
	}
	return &AccountBalance{
		Account: *a,
		Balance: generic.CalculateBalance(id, txs),
		Drift:   generic.DetectDrift(id, a.CachedBalance, txs),
	}, nil
}

func (e *Engine) AccountTransactions(ctx context.Context, id generic.AccountID) ([]generic.Transaction, error) {
	a, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrAccountNotFound, id)
	}
	return generic.NewLedger(e.store).Transactions(ctx, id)
}

// AccountBalanceAt is the balance of the account counting only transactions
// effective on or before at.
func (e *Engine) AccountBalanceAt(ctx context.Context, id generic.AccountID, at generic.TimePoint) (generic.Amount, error) {
	a, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("load account %s: %w", id, err)
	}
	if a == nil {
		return generic.Amount{}, fmt.Errorf("%w: %s", generic.ErrAccountNotFound, id)
	}
	return generic.NewLedger(e.store).BalanceAt(ctx, id, at)
}

// RecalculateAccount rewrites the cached balance from the account's
// transactions when they disagree. The result reports the drift found, if
// any.
func (e *Engine) RecalculateAccount(ctx context.Context, id generic.AccountID, actor string) (*AccountBalance, error) {
	var res *AccountBalance
	var audit generic.AuditEntry
	err := e.store.WithTx(ctx, func(tx billing.Store) error {
		b, err := accountBalance(ctx, tx, id)
		if err != nil {
			return err
		}
		res = b
		if b.Drift == nil {
			return nil
		}
		a := b.Account
		a.CachedBalance = b.Drift.Recomputed
		a.Version++
		if err := tx.SaveAccount(ctx, a); err != nil {
			return fmt.Errorf("save account %s: %w", id, err)
		}
		audit = generic.AuditEntry{
			ID:         billing.NewID("audit"),
			Timestamp:  generic.Instant(e.clock()),
			ActorID:    actor,
			Action:     generic.AuditBalanceRepaired,
			TargetKind: KindAccount,
			TargetID:   string(id),
			Payload: map[string]any{
				"cached":     b.Drift.Cached.String(),
				"recomputed": b.Drift.Recomputed.String(),
				"difference": b.Drift.Difference.String(),
			},
		}
		if err := tx.AppendAudit(ctx, audit); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		res.Account = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Drift != nil {
		BalanceDrift.Inc()
		e.logger.Warn("cached balance drift repaired",
			zap.String("account_id", string(id)),
			zap.String("cached", res.Drift.Cached.String()),
			zap.String("recomputed", res.Drift.Recomputed.String()),
		)
		e.publish(ctx, events.Event{
			ID:         audit.ID,
			Type:       events.BalanceRepaired,
			TargetKind: KindAccount,
			TargetID:   string(id),
			Data:       audit.Payload,
			At:         e.clock(),
		})
	}
	return res, nil
}

// AuditBalances recalculates every account and returns the drifts repaired.
func (e *Engine) AuditBalances(ctx context.Context, actor string) ([]generic.Drift, error) {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var drifts []generic.Drift
	for _, a := range accounts {
		b, err := e.RecalculateAccount(ctx, a.ID, actor)
		if err != nil {
			return drifts, err
		}
		if b.Drift != nil {
			drifts = append(drifts, *b.Drift)
		}
	}
	return drifts, nil
}
