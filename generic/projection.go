/*
projection.go - Balance projection for proposed transactions

PURPOSE:
  Answers "what would this account's balance be if these transactions were
  appended?" without appending them. The preview service uses it to report
  balance recalculations before the operator confirms a change; the commit
  path uses the same function so both report identical numbers.

PROJECTION vs REAL-TIME:
  The projection never writes. It takes the current transactions and the
  proposed ones and returns the balance on both sides.

EXAMPLE:
  result := generic.Project("client-1", existing, proposed)
  fmt.Println(result.Before.Total, "->", result.After.Total)

SEE ALSO:
  - balance.go: CalculateBalance
  - reconcile/preview.go: Consumer
*/
package generic

// ProjectionResult holds the balance before and after proposed transactions.
type ProjectionResult struct {
	AccountID AccountID
	Before    Balance
	After     Balance
	Proposed  []Transaction
}

// Difference returns After.Total - Before.Total.
func (p ProjectionResult) Difference() Amount {
	return p.After.Total.Sub(p.Before.Total)
}

// Project computes the balance of accountID before and after appending proposed.
func Project(accountID AccountID, existing, proposed []Transaction) ProjectionResult {
	var mine []Transaction
	for _, tx := range proposed {
		if tx.AccountID == accountID {
			mine = append(mine, tx)
		}
	}
	all := make([]Transaction, 0, len(existing)+len(mine))
	all = append(all, existing...)
	all = append(all, mine...)
	return ProjectionResult{
		AccountID: accountID,
		Before:    CalculateBalance(accountID, existing),
		After:     CalculateBalance(accountID, all),
		Proposed:  mine,
	}
}
