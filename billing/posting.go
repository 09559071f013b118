/*
posting.go - Mapping from billing records to account transactions

PURPOSE:
  Every record that moves money has a desired net posting on one account:

    Receivable  -> client account, charge       -amount
    Payment     -> client account, payment      +amount
    Credit      -> client account, credit_grant +amount
    Commission  -> employee account, commission +amount
    Allocation  -> nothing (moves money between a credit and a receivable)

  A deleted record's desired posting is zero.

RECOMPUTE, NOT DELTA:
  Reconcile compares the desired posting with what the ledger already holds
  for the record (NetPostedFor) and emits one transaction for the
  difference. The first posting uses the record's own type, later ones are
  adjustments, and a posting to zero is a reversal. Running Reconcile twice
  emits nothing the second time.
*/
package billing

import "github.com/warp/reconciliation-engine/generic"

// Posting is the net amount a record should have posted on an account.
type Posting struct {
	AccountID     generic.AccountID
	ReferenceID   string
	ReferenceKind string
	Type          generic.TransactionType
	Amount        generic.Amount
}

func desired(deleted bool, amount generic.Amount) generic.Amount {
	if deleted {
		return generic.Zero()
	}
	return amount
}

func ReceivablePosting(r Receivable) Posting {
	return Posting{
		AccountID:     r.ClientID,
		ReferenceID:   string(r.ID),
		ReferenceKind: "receivable",
		Type:          generic.TxCharge,
		Amount:        desired(r.Deleted(), r.Amount).Neg(),
	}
}

// PaymentPosting needs the client that owns the payment's receivable.
func PaymentPosting(p Payment, clientID generic.AccountID) Posting {
	return Posting{
		AccountID:     clientID,
		ReferenceID:   string(p.ID),
		ReferenceKind: "payment",
		Type:          generic.TxPayment,
		Amount:        desired(p.Deleted(), p.Amount),
	}
}

func CreditPosting(c Credit) Posting {
	return Posting{
		AccountID:     c.ClientID,
		ReferenceID:   string(c.ID),
		ReferenceKind: "credit",
		Type:          generic.TxCreditGrant,
		Amount:        desired(c.Deleted(), c.Amount),
	}
}

func CommissionPosting(c Commission) Posting {
	return Posting{
		AccountID:     c.EmployeeID,
		ReferenceID:   string(c.ID),
		ReferenceKind: "commission",
		Type:          generic.TxCommission,
		Amount:        desired(c.Deleted(), c.Amount),
	}
}

// Reconcile returns the transaction that brings the ledger in line with the
// posting, or nil when it already is. ID, EffectiveAt and audit fields are
// left for the caller.
func (p Posting) Reconcile(existing []generic.Transaction) *generic.Transaction {
	posted := generic.Zero()
	seen := false
	for _, tx := range existing {
		if tx.AccountID == p.AccountID && tx.ReferenceID == p.ReferenceID {
			posted = posted.Add(tx.Delta)
			seen = true
		}
	}
	diff := p.Amount.Sub(posted)
	if diff.IsZero() {
		return nil
	}

	txType := p.Type
	switch {
	case seen && p.Amount.IsZero():
		txType = generic.TxReversal
	case seen:
		txType = generic.TxAdjustment
	}
	return &generic.Transaction{
		AccountID:     p.AccountID,
		Delta:         diff,
		Type:          txType,
		ReferenceID:   p.ReferenceID,
		ReferenceKind: p.ReferenceKind,
	}
}
