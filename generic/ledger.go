/*
ledger.go - Append-only account transaction log

PURPOSE:
  The Ledger is the immutable source of truth for every account balance.
  Payments received, invoices billed, credits granted, commissions owed and
  every later correction are recorded here. Account balances are always
  computed by replaying transactions; the cached balance stored on an
  account is only a cache and is rewritten from this log.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. AUDITABLE: Every balance change points at its source record
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

CORRECTIONS:
  Editing a source record never edits its transactions. Instead:
  1. Amount change  -> TxAdjustment for the delta
  2. Deletion       -> TxReversal of the net posted amount

EXAMPLE FLOW (client account, balance = funds received - billed):
  1. Invoice billed 1000:      TxCharge     -1000
  2. Payment received 1000:    TxPayment    +1000
  3. Invoice reduced to 800:   TxAdjustment  +200
  4. Payment reduced to 800:   TxAdjustment  -200
  5. Surplus kept as credit:   TxCreditGrant +200

  Balance: -1000 + 1000 + 200 - 200 + 200 = +200 (client holds 200 credit)

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Balance breakdown by transaction type
*/
package generic

import "context"

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

// Ledger is the source of truth for all account balance changes.
//
// Corrections are made via adjustment and reversal transactions, not edits.
type Ledger interface {
	// AppendBatch adds transactions atomically. Fails if any idempotency
	// key exists.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Transactions returns all transactions for an account, chronologically.
	Transactions(ctx context.Context, accountID AccountID) ([]Transaction, error)

	// BalanceAt computes balance at a specific date.
	// This is a derived value, computed from transactions.
	BalanceAt(ctx context.Context, accountID AccountID, at TimePoint) (Amount, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, txs []Transaction) error {
	// Check all idempotency keys first
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	return l.Store.AppendBatch(ctx, txs)
}

func (l *DefaultLedger) Transactions(ctx context.Context, accountID AccountID) ([]Transaction, error) {
	return l.Store.Load(ctx, accountID)
}

func (l *DefaultLedger) BalanceAt(ctx context.Context, accountID AccountID, at TimePoint) (Amount, error) {
	txs, err := l.Store.Load(ctx, accountID)
	if err != nil {
		return Amount{}, err
	}

	balance := Zero()
	for _, tx := range txs {
		if tx.EffectiveAt.After(at) {
			break
		}
		balance = balance.Add(tx.Delta)
	}
	return balance, nil
}

// NetPostedFor sums the deltas posted for referenceID on accountID.
func NetPostedFor(txs []Transaction, accountID AccountID, referenceID string) Amount {
	net := Zero()
	for _, tx := range txs {
		if tx.AccountID == accountID && tx.ReferenceID == referenceID {
			net = net.Add(tx.Delta)
		}
	}
	return net
}
