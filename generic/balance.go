/*
balance.go - Account balance calculation

PURPOSE:
  Computes an account balance from its transactions. This is the only way a
  balance is ever obtained: the balance cached on an account record is
  rewritten from this calculation after every commit that touches the
  account, and the audit scheduler compares the two to detect drift.

BALANCE COMPONENTS:
  Charged:     Receivables billed (client accounts, negative deltas)
  Received:    Payments received
  Credited:    Standing credits granted
  Commissions: Commissions owed (employee accounts)
  Corrections: Adjustments and reversals of the above

  Balance = sum of every delta. For a client account a positive balance
  means the client has paid (or pre-paid) more than was billed.

SEE ALSO:
  - ledger.go: Transaction source
  - projection.go: Balance before/after a proposed set of transactions
*/
package generic

// =============================================================================
// BALANCE - Computed from transactions, never stored as truth
// =============================================================================

type Balance struct {
	AccountID   AccountID
	Charged     Amount
	Received    Amount
	Credited    Amount
	Commissions Amount
	Corrections Amount
	Total       Amount
	AsOf        TimePoint
	TxCount     int
}

// CalculateBalance sums transactions by type.
func CalculateBalance(accountID AccountID, txs []Transaction) Balance {
	b := Balance{
		AccountID:   accountID,
		Charged:     Zero(),
		Received:    Zero(),
		Credited:    Zero(),
		Commissions: Zero(),
		Corrections: Zero(),
		Total:       Zero(),
	}
	for _, tx := range txs {
		if tx.AccountID != accountID {
			continue
		}
		switch tx.Type {
		case TxCharge:
			b.Charged = b.Charged.Add(tx.Delta.Neg()) // Store as positive
		case TxPayment:
			b.Received = b.Received.Add(tx.Delta)
		case TxCreditGrant:
			b.Credited = b.Credited.Add(tx.Delta)
		case TxCommission:
			b.Commissions = b.Commissions.Add(tx.Delta)
		case TxAdjustment, TxReversal:
			b.Corrections = b.Corrections.Add(tx.Delta)
		}
		b.Total = b.Total.Add(tx.Delta)
		if tx.EffectiveAt.After(b.AsOf) {
			b.AsOf = tx.EffectiveAt
		}
		b.TxCount++
	}
	return b
}

// Drift compares a cached balance with the recomputed one.
type Drift struct {
	AccountID  AccountID
	Cached     Amount
	Recomputed Amount
	Difference Amount
}

// DetectDrift returns nil when cached matches the recomputed balance within Tolerance.
func DetectDrift(accountID AccountID, cached Amount, txs []Transaction) *Drift {
	recomputed := CalculateBalance(accountID, txs).Total
	if cached.ApproxEqual(recomputed) {
		return nil
	}
	return &Drift{
		AccountID:  accountID,
		Cached:     cached,
		Recomputed: recomputed,
		Difference: recomputed.Sub(cached),
	}
}
