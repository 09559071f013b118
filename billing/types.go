/*
Package billing defines the financial records of the company ledger.

PURPOSE:
  Holds the five record types operators create and edit (credits,
  allocations, receivables, payments, task-linked amounts), the accounts
  they belong to, and the commissions derived from approved tasks. It also
  owns every derived-value computation (allocated, paid, remaining, status,
  net earning, commission) so that no caller ever reads those values from a
  cached field.

RECORD GRAPH:

  Client Account ──< Credit ──< Allocation >── Receivable >── Client Account
                                                   │
                                                   ├──< Payment
                                                   │
                                    Task ──────────┘ (at most one receivable)
                                     │
                                     └──< Commission >── Employee Account

DERIVED VALUES (summary.go):
  Credit.allocated   = sum of non-deleted allocations
  Receivable.paid    = sum of non-deleted payments + allocations
  Receivable.status  = unpaid | partially_paid | paid (from paid vs amount)
  Task.net_earning   = amount - expense
  Commission.amount  = net_earning * rate

DELETION:
  Records are soft-deleted (DeletedAt set). Deleted records are ignored by
  every summary but remain in storage for the audit trail.

SEE ALSO:
  - summary.go: Derived value computations
  - posting.go: How records map to account transactions
  - store.go: Persistence interface
*/
package billing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CreditID string
type AllocationID string
type ReceivableID string
type PaymentID string
type TaskID string
type CommissionID string

// NewID returns a random record identifier with a readable prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// ACCOUNT - Client or employee identity + cached balance
// =============================================================================

type AccountKind string

const (
	AccountClient   AccountKind = "client"
	AccountEmployee AccountKind = "employee"
)

// Account is a client or employee. CachedBalance is rewritten from the
// account's transactions on every commit; never treat it as the truth.
type Account struct {
	ID            generic.AccountID
	Kind          AccountKind
	Name          string
	CachedBalance generic.Amount
	Version       int64
	CreatedAt     generic.TimePoint
}

// =============================================================================
// CREDIT - Standing balance a client draws on
// =============================================================================

type Credit struct {
	ID        CreditID
	ClientID  generic.AccountID
	Amount    generic.Amount
	Reason    string
	GrantedAt generic.TimePoint

	// Set when the credit was created by converting a payment.
	SourcePaymentID PaymentID

	Version   int64
	CreatedAt generic.TimePoint
	DeletedAt *generic.TimePoint
}

func (c Credit) Deleted() bool { return c.DeletedAt != nil }

// =============================================================================
// ALLOCATION - Part of a credit applied to a receivable
// =============================================================================

type Allocation struct {
	ID           AllocationID
	CreditID     CreditID
	ReceivableID ReceivableID
	Amount       generic.Amount
	AllocatedAt  generic.TimePoint

	Version   int64
	CreatedAt generic.TimePoint
	DeletedAt *generic.TimePoint
}

func (a Allocation) Deleted() bool { return a.DeletedAt != nil }

// =============================================================================
// RECEIVABLE - Amount billed to a client (invoice)
// =============================================================================

type Receivable struct {
	ID          ReceivableID
	ClientID    generic.AccountID
	TaskID      TaskID // empty when not derived from a task
	Amount      generic.Amount
	Description string
	IssuedAt    generic.TimePoint

	Version   int64
	CreatedAt generic.TimePoint
	DeletedAt *generic.TimePoint
}

func (r Receivable) Deleted() bool { return r.DeletedAt != nil }

type ReceivableStatus string

const (
	StatusUnpaid        ReceivableStatus = "unpaid"
	StatusPartiallyPaid ReceivableStatus = "partially_paid"
	StatusPaid          ReceivableStatus = "paid"
)

// =============================================================================
// PAYMENT - Money received against a receivable
// =============================================================================

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodCard     PaymentMethod = "card"
	MethodPrepaid  PaymentMethod = "prepaid" // Managed by the task's prepaid amount
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCard, MethodPrepaid:
		return true
	}
	return false
}

type Payment struct {
	ID           PaymentID
	ReceivableID ReceivableID
	Amount       generic.Amount
	Method       PaymentMethod
	PaidAt       generic.TimePoint
	Reference    string

	Version   int64
	CreatedAt generic.TimePoint
	DeletedAt *generic.TimePoint
}

func (p Payment) Deleted() bool { return p.DeletedAt != nil }

// =============================================================================
// TASK - Billable work with a prepaid part and expenses
// =============================================================================

type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskApproved TaskStatus = "approved"
)

type Task struct {
	ID             TaskID
	ClientID       generic.AccountID
	EmployeeID     generic.AccountID
	Title          string
	Amount         generic.Amount
	PrepaidAmount  generic.Amount
	ExpenseAmount  generic.Amount
	CommissionRate decimal.Decimal // e.g. 0.10 for 10%
	Status         TaskStatus
	ApprovedAt     *generic.TimePoint

	Version   int64
	CreatedAt generic.TimePoint
}

func (t Task) Approved() bool { return t.Status == TaskApproved }

// =============================================================================
// COMMISSION - Pending item derived from an approved task
// =============================================================================

type CommissionStatus string

const (
	CommissionPending CommissionStatus = "pending"
	CommissionPaid    CommissionStatus = "paid"
)

type Commission struct {
	ID         CommissionID
	TaskID     TaskID
	EmployeeID generic.AccountID
	Rate       decimal.Decimal
	BaseAmount generic.Amount // Net earning the amount was computed from
	Amount     generic.Amount
	Status     CommissionStatus

	Version   int64
	CreatedAt generic.TimePoint
	DeletedAt *generic.TimePoint
}

func (c Commission) Deleted() bool { return c.DeletedAt != nil }

// CommissionShare assigns a commission rate to an employee on approval.
type CommissionShare struct {
	EmployeeID generic.AccountID
	Rate       decimal.Decimal
}
