/*
resolver.go - Resolution strategies and plan compilation

PURPOSE:
  Given a Conflict, lists the strategies that apply and compiles the one the
  caller picked into an ordered Plan of per-dependent steps. Compilation is
  the completeness gate: a plan that removes less than the gap (beyond the
  0.01 tolerance) is rejected with IncompleteResolutionError and nothing is
  applied.

STRATEGIES:
  auto_reduce_payments       LIFO over all dependents until the gap is absorbed
  auto_reduce_latest         the single latest dependent only; fails if short
  convert_surplus_to_credit  LIFO over payments only, the removed amount
                             becomes one new credit for the client
  manual_resolution          one decision per dependent, undecided = keep

ACTIONS:
  Payment:     keep | delete | reduce | convert_to_credit
  Allocation:  keep | delete_allocation | return_to_credit | reduce_allocation

  In a receivable conflict, delete_allocation also forfeits the amount from
  the credit, while return_to_credit and reduce_allocation give it back to
  the credit. In a credit conflict the allocations are the credit's own, so
  delete_allocation and reduce_allocation are the only removals.
*/
package reconcile

import (
	"fmt"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// STRATEGIES & DECISIONS
// =============================================================================

type StrategyKey string

const (
	StrategyAutoReducePayments StrategyKey = "auto_reduce_payments"
	StrategyAutoReduceLatest   StrategyKey = "auto_reduce_latest"
	StrategyConvertToCredit    StrategyKey = "convert_surplus_to_credit"
	StrategyManual             StrategyKey = "manual_resolution"
)

type Action string

const (
	ActionKeep             Action = "keep"
	ActionDelete           Action = "delete"
	ActionReduce           Action = "reduce"
	ActionConvertToCredit  Action = "convert_to_credit"
	ActionDeleteAllocation Action = "delete_allocation"
	ActionReturnToCredit   Action = "return_to_credit"
	ActionReduceAllocation Action = "reduce_allocation"
)

// Decision is a caller's choice for one dependent. Kind may be left empty
// when the ID is unambiguous.
type Decision struct {
	Kind      DependentKind   `json:"kind,omitempty"`
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	NewAmount *generic.Amount `json:"new_amount,omitempty"`
}

// Resolution is the strategy chosen for a conflict. Decisions are only read
// for manual_resolution.
type Resolution struct {
	Strategy  StrategyKey `json:"strategy"`
	Decisions []Decision  `json:"decisions,omitempty"`
}

type StrategyOption struct {
	Key         StrategyKey `json:"key"`
	Label       string      `json:"label"`
	Description string      `json:"description"`
	Recommended bool        `json:"recommended"`
	Available   bool        `json:"available"`
	Reason      string      `json:"reason,omitempty"` // why unavailable
}

// =============================================================================
// PLAN
// =============================================================================

// Step is one compiled action on one dependent.
type Step struct {
	Dependent Dependent      `json:"dependent"`
	Action    Action         `json:"action"`
	NewAmount generic.Amount `json:"new_amount"` // left on the dependent
	Removed   generic.Amount `json:"removed"`    // taken off the conflicting record
	ToCredit  generic.Amount `json:"to_credit"`  // moved into a new credit
	Forfeit   bool           `json:"forfeit"`    // allocation amount also leaves its credit
}

// CreditGrant is a credit the plan creates from converted payments.
type CreditGrant struct {
	SourcePaymentID billing.PaymentID `json:"source_payment_id"`
	Amount          generic.Amount    `json:"amount"`
}

type Plan struct {
	Conflict *Conflict      `json:"-"`
	Strategy StrategyKey    `json:"strategy"`
	Steps    []Step         `json:"steps"`
	Covered  generic.Amount `json:"covered"`
	Grants   []CreditGrant  `json:"grants,omitempty"`
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options lists every strategy with its availability for c.
func Options(c *Conflict) []StrategyOption {
	total := Total(c.Dependents)
	payments := Total(c.Payments())

	reduceAll := StrategyOption{
		Key:         StrategyAutoReducePayments,
		Label:       "Reduce latest first",
		Description: fmt.Sprintf("Reduce the most recent payments and allocations first until %s is absorbed", c.Gap),
		Available:   !c.Gap.Exceeds(total),
	}
	if !reduceAll.Available {
		reduceAll.Reason = fmt.Sprintf("dependents total %s, short of %s", total, c.Gap)
	}

	latest := StrategyOption{
		Key:   StrategyAutoReduceLatest,
		Label: "Reduce latest only",
	}
	if len(c.Dependents) > 0 {
		d := c.Dependents[0]
		latest.Description = fmt.Sprintf("Reduce %s %s (%s) by %s", d.Kind, d.ID, d.Amount, c.Gap)
		latest.Available = !c.Gap.Exceeds(d.Amount)
		if !latest.Available {
			latest.Reason = fmt.Sprintf("latest %s %s holds %s, short of %s", d.Kind, d.ID, d.Amount, c.Gap)
		}
	} else {
		latest.Reason = "no dependents"
	}

	convert := StrategyOption{
		Key:         StrategyConvertToCredit,
		Label:       "Convert surplus to credit",
		Description: fmt.Sprintf("Reduce the latest payments by %s and grant it back to the client as credit", c.Gap),
	}
	switch {
	case c.CreditSide():
		convert.Reason = "only applies to receivable overpayment"
	case c.Gap.Exceeds(payments):
		convert.Reason = fmt.Sprintf("payments total %s, short of %s", payments, c.Gap)
	default:
		convert.Available = true
	}

	manual := StrategyOption{
		Key:         StrategyManual,
		Label:       "Decide per record",
		Description: fmt.Sprintf("Choose an action for each of the %d dependent records", len(c.Dependents)),
		Available:   len(c.Dependents) > 0,
	}
	if !manual.Available {
		manual.Reason = "no dependents"
	}

	if convert.Available {
		convert.Recommended = true
	} else if reduceAll.Available {
		reduceAll.Recommended = true
	}
	return []StrategyOption{reduceAll, latest, convert, manual}
}

// =============================================================================
// COMPILE
// =============================================================================

// Compile turns a resolution into an ordered plan, or fails without side
// effects.
func Compile(c *Conflict, r Resolution) (*Plan, error) {
	strategy := r.Strategy
	if strategy == "" && len(r.Decisions) > 0 {
		strategy = StrategyManual
	}

	var (
		plan *Plan
		err  error
	)
	switch strategy {
	case StrategyAutoReducePayments:
		plan = compileLIFO(c, c.Dependents)
	case StrategyAutoReduceLatest:
		plan, err = compileLatest(c)
	case StrategyConvertToCredit:
		plan, err = compileConvert(c)
	case StrategyManual:
		plan, err = compileManual(c, r.Decisions)
	case "":
		return nil, generic.Invalid("strategy", "a resolution strategy is required for %s", c.Kind)
	default:
		return nil, generic.Invalid("strategy", "unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	plan.Conflict = c
	plan.Strategy = strategy
	return plan, complete(c, plan)
}

// complete is the completeness gate.
func complete(c *Conflict, p *Plan) error {
	if c.Gap.Exceeds(p.Covered) {
		return &generic.IncompleteResolutionError{
			Gap:       c.Gap,
			Covered:   p.Covered,
			Uncovered: c.Gap.Sub(p.Covered),
			Reason:    fmt.Sprintf("%s on %s %s", p.Strategy, c.TargetKind, c.TargetID),
		}
	}
	return nil
}

// removal builds the step that takes `take` off d.
func removal(c *Conflict, d Dependent, take generic.Amount) Step {
	left := d.Amount.Sub(take)
	full := !left.IsPositive()
	s := Step{Dependent: d, NewAmount: left.NonNegative(), Removed: take, ToCredit: generic.Zero()}
	switch {
	case d.Kind == DependentPayment && full:
		s.Action = ActionDelete
	case d.Kind == DependentPayment:
		s.Action = ActionReduce
	case full && c.CreditSide():
		s.Action = ActionDeleteAllocation
	case full:
		s.Action = ActionReturnToCredit
	default:
		s.Action = ActionReduceAllocation
	}
	return s
}

func compileLIFO(c *Conflict, ds []Dependent) *Plan {
	p := &Plan{Covered: generic.Zero()}
	remaining := c.Gap
	for _, d := range ds {
		if !remaining.IsPositive() {
			break
		}
		take := d.Amount.Min(remaining)
		if !take.IsPositive() {
			continue
		}
		p.Steps = append(p.Steps, removal(c, d, take))
		p.Covered = p.Covered.Add(take)
		remaining = remaining.Sub(take)
	}
	return p
}

// compileLatest never falls back to the other dependents: a latest
// dependent smaller than the gap is an incomplete resolution.
func compileLatest(c *Conflict) (*Plan, error) {
	if len(c.Dependents) == 0 {
		return nil, generic.Invalid("strategy", "%s has no dependents to reduce", c.TargetID)
	}
	d := c.Dependents[0]
	if c.Gap.Exceeds(d.Amount) {
		return nil, &generic.IncompleteResolutionError{
			Gap:       c.Gap,
			Covered:   d.Amount,
			Uncovered: c.Gap.Sub(d.Amount),
			Reason:    fmt.Sprintf("latest %s %s alone holds %s", d.Kind, d.ID, d.Amount),
		}
	}
	return compileLIFO(c, []Dependent{d}), nil
}

func compileConvert(c *Conflict) (*Plan, error) {
	if c.CreditSide() {
		return nil, generic.Invalid("strategy", "%s only applies to receivable overpayment, not %s", StrategyConvertToCredit, c.Kind)
	}
	payments := c.Payments()
	p := compileLIFO(c, payments)
	for i := range p.Steps {
		s := &p.Steps[i]
		s.Action = ActionConvertToCredit
		s.ToCredit = s.Removed
	}
	if p.Covered.IsPositive() {
		p.Grants = []CreditGrant{{
			SourcePaymentID: billing.PaymentID(p.Steps[0].Dependent.ID),
			Amount:          p.Covered,
		}}
	}
	return p, nil
}

func compileManual(c *Conflict, decisions []Decision) (*Plan, error) {
	if len(decisions) == 0 {
		return nil, generic.Invalid("decisions", "manual resolution needs at least one decision")
	}
	chosen := make(map[string]Decision, len(decisions))
	for i, dec := range decisions {
		d, found := c.find(dec.Kind, dec.ID)
		if !found {
			return nil, generic.Invalid(fmt.Sprintf("decisions[%d]", i), "%s is not a dependent of %s %s", dec.ID, c.TargetKind, c.TargetID)
		}
		if _, dup := chosen[d.ID]; dup {
			return nil, generic.Invalid(fmt.Sprintf("decisions[%d]", i), "more than one decision for %s", dec.ID)
		}
		dec.Kind = d.Kind
		chosen[d.ID] = dec
	}

	p := &Plan{Covered: generic.Zero()}
	for _, d := range c.Dependents {
		dec, decided := chosen[d.ID]
		if !decided || dec.Action == ActionKeep {
			continue
		}
		s, err := manualStep(c, d, dec)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, s)
		p.Covered = p.Covered.Add(s.Removed)
		if s.ToCredit.IsPositive() {
			p.Grants = append(p.Grants, CreditGrant{
				SourcePaymentID: billing.PaymentID(d.ID),
				Amount:          s.ToCredit,
			})
		}
	}
	return p, nil
}

func manualStep(c *Conflict, d Dependent, dec Decision) (Step, error) {
	field := "decisions." + d.ID
	s := Step{Dependent: d, Action: dec.Action, NewAmount: generic.Zero(), Removed: d.Amount, ToCredit: generic.Zero()}

	// newAmount reads the required or optional amount left on d.
	newAmount := func(required bool) error {
		if dec.NewAmount == nil {
			if required {
				return generic.Invalid(field, "%s needs new_amount", dec.Action)
			}
			return nil
		}
		n := *dec.NewAmount
		if n.IsNegative() || !n.LessThan(d.Amount) {
			return generic.Invalid(field, "new_amount %s must be at least 0 and below the current %s", n, d.Amount)
		}
		s.NewAmount = n
		s.Removed = d.Amount.Sub(n)
		return nil
	}

	switch d.Kind {
	case DependentPayment:
		switch dec.Action {
		case ActionDelete:
		case ActionReduce:
			if err := newAmount(true); err != nil {
				return s, err
			}
		case ActionConvertToCredit:
			if err := newAmount(false); err != nil {
				return s, err
			}
			s.ToCredit = s.Removed
		default:
			return s, generic.Invalid(field, "action %q is not allowed for a payment", dec.Action)
		}
	case DependentAllocation:
		switch dec.Action {
		case ActionDeleteAllocation:
			s.Forfeit = !c.CreditSide()
		case ActionReturnToCredit:
			if c.CreditSide() {
				return s, generic.Invalid(field, "%s cannot return to the credit being reduced", d.ID)
			}
		case ActionReduceAllocation:
			if err := newAmount(true); err != nil {
				return s, err
			}
		default:
			return s, generic.Invalid(field, "action %q is not allowed for an allocation", dec.Action)
		}
	}
	return s, nil
}
