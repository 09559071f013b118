package reconcile

import (
	"fmt"

	"github.com/warp/reconciliation-engine/generic"
)

// ConflictError is an invariant violation the caller resolves by choosing a
// strategy. It is not a failure: nothing was changed.
type ConflictError struct {
	Conflict *Conflict
	Options  []StrategyOption
}

func (e *ConflictError) Error() string {
	c := e.Conflict
	switch c.GapKind {
	case GapDeficit:
		return fmt.Sprintf("%s: %s %s has %s allocated, %s would leave a deficit of %s across %d allocations",
			c.Kind, c.TargetKind, c.TargetID, c.Allocated, c.ProposedAmount, c.Gap, len(c.Dependents))
	default:
		return fmt.Sprintf("%s: %s %s would be paid %s against %s, a surplus of %s across %d records",
			c.Kind, c.TargetKind, c.TargetID, c.TotalPaid, c.ProposedAmount, c.Gap, len(c.Dependents))
	}
}

func (e *ConflictError) Unwrap() error {
	return generic.ErrInvariantViolation
}

// Code is the wire code of the conflict.
func (e *ConflictError) Code() string {
	return string(e.Conflict.Kind)
}
