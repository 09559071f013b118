/*
Package reconcile detects and resolves ledger conflicts caused by edits.

PURPOSE:
  Operators edit and delete credits, receivables, payments, allocations and
  task amounts after the fact. Some edits would break a ledger invariant
  (a credit below what is allocated from it, an invoice below what was paid
  against it). This package runs the checked-mutation protocol:

    Mutation ──► Check ──ok──────────────────────────────► Commit
                   │
                   └─conflict─► Options ─► Resolution ─► Preview ─► Commit

COMPONENTS:
  checker.go:  Pure invariant checks, returns Conflict with gap + dependents
  resolver.go: Strategy options and plan compilation (completeness gate)
  cascade.go:  Applies a plan to a loaded Workspace, produces a ChangeSet
  preview.go:  Consequences report, shared by preview and commit
  engine.go:   Loads, version-checks, commits atomically, publishes events

INVARIANTS (hold after every commit, 0.01 tolerance):
  credit.allocated <= credit.amount
  receivable.paid  <= receivable.amount

SEE ALSO:
  - billing/summary.go: Derived values
  - billing/posting.go: Record-to-transaction mapping
*/
package reconcile

import (
	"encoding/json"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// MUTATION - A proposed change to one record
// =============================================================================

type MutationKind string

const (
	CreditAmount     MutationKind = "credit_amount"
	CreditDelete     MutationKind = "credit_delete"
	ReceivableAmount MutationKind = "receivable_amount"
	ReceivableDelete MutationKind = "receivable_delete"
	PaymentAmount    MutationKind = "payment_amount"
	PaymentDelete    MutationKind = "payment_delete"
	AllocationAmount MutationKind = "allocation_amount"
	AllocationDelete MutationKind = "allocation_delete"
	TaskAmount       MutationKind = "task_amount"
	TaskPrepaid      MutationKind = "task_prepaid"
	TaskExpense      MutationKind = "task_expense"
)

// Record kinds, as used in conflicts, audit entries and versions.
const (
	KindAccount    = "account"
	KindCredit     = "credit"
	KindAllocation = "allocation"
	KindReceivable = "receivable"
	KindPayment    = "payment"
	KindTask       = "task"
	KindCommission = "commission"
)

// TargetKind returns the record kind the mutation edits.
func (k MutationKind) TargetKind() string {
	switch k {
	case CreditAmount, CreditDelete:
		return KindCredit
	case ReceivableAmount, ReceivableDelete:
		return KindReceivable
	case PaymentAmount, PaymentDelete:
		return KindPayment
	case AllocationAmount, AllocationDelete:
		return KindAllocation
	case TaskAmount, TaskPrepaid, TaskExpense:
		return KindTask
	}
	return ""
}

func (k MutationKind) IsDelete() bool {
	return k == CreditDelete || k == ReceivableDelete || k == PaymentDelete || k == AllocationDelete
}

func (k MutationKind) IsTask() bool {
	return k == TaskAmount || k == TaskPrepaid || k == TaskExpense
}

// Mutation is a proposed change. Amount is the proposed new value and is
// ignored for deletions. ExpectedVersion is the target version the caller
// last read.
type Mutation struct {
	Kind            MutationKind      `json:"kind"`
	TargetID        string            `json:"target_id"`
	Amount          generic.Amount    `json:"amount"`
	ExpectedVersion int64             `json:"expected_version"`
	EffectiveAt     generic.TimePoint `json:"effective_at"`
	ActorID         string            `json:"actor_id,omitempty"`
}

// Validate checks the mutation shape. It does not look at stored records.
func (m Mutation) Validate() error {
	if m.Kind.TargetKind() == "" {
		return generic.Invalid("kind", "unknown mutation kind %q", m.Kind)
	}
	if m.TargetID == "" {
		return generic.Invalid("target_id", "required")
	}
	if m.ExpectedVersion <= 0 {
		return generic.Invalid("version", "expected version of %s %s is required", m.Kind.TargetKind(), m.TargetID)
	}
	if !m.Kind.IsDelete() && m.Amount.IsNegative() {
		return generic.Invalid("amount", "must not be negative, got %s", m.Amount)
	}
	return nil
}

// =============================================================================
// REQUEST - Mutation + optional resolution, as submitted for preview/commit
// =============================================================================

type Request struct {
	Mutation   Mutation    `json:"mutation"`
	Resolution *Resolution `json:"resolution,omitempty"`

	// ExpectedFingerprint, when set, must match the fingerprint of the
	// records as loaded at commit time (see Workspace.Fingerprint).
	ExpectedFingerprint string `json:"expected_fingerprint,omitempty"`
	IdempotencyKey      string `json:"idempotency_key,omitempty"`
}

// seed is the request's contribution to deterministic record IDs.
func (r Request) seed() string {
	b, _ := json.Marshal(struct {
		M Mutation
		R *Resolution
	}{r.Mutation, r.Resolution})
	return string(b)
}

// resolution returns nil when no strategy and no decisions were given.
func (r Request) resolution() *Resolution {
	if r.Resolution == nil || (r.Resolution.Strategy == "" && len(r.Resolution.Decisions) == 0) {
		return nil
	}
	return r.Resolution
}
