package billing

import (
	"context"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// RECORD STORE - Billing records + account ledger + audit log
// =============================================================================

// Store persists billing records next to the account transaction ledger.
//
// Get* methods return (nil, nil) when the record does not exist and return
// soft-deleted records as stored. List* methods include deleted records;
// the summaries in summary.go skip them.
//
// Save* methods upsert. Version checks are the caller's job and must run
// inside WithTx so that the check and the write are atomic.
type Store interface {
	generic.Store
	generic.AuditLog

	GetAccount(ctx context.Context, id generic.AccountID) (*Account, error)
	SaveAccount(ctx context.Context, a Account) error
	ListAccounts(ctx context.Context) ([]Account, error)

	GetCredit(ctx context.Context, id CreditID) (*Credit, error)
	SaveCredit(ctx context.Context, c Credit) error
	ListCreditsByClient(ctx context.Context, clientID generic.AccountID) ([]Credit, error)

	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)
	SaveAllocation(ctx context.Context, a Allocation) error
	ListAllocationsByCredit(ctx context.Context, creditID CreditID) ([]Allocation, error)
	ListAllocationsByReceivable(ctx context.Context, receivableID ReceivableID) ([]Allocation, error)

	GetReceivable(ctx context.Context, id ReceivableID) (*Receivable, error)
	SaveReceivable(ctx context.Context, r Receivable) error
	ListReceivablesByClient(ctx context.Context, clientID generic.AccountID) ([]Receivable, error)
	// GetReceivableByTask returns the non-deleted receivable derived from a task.
	GetReceivableByTask(ctx context.Context, taskID TaskID) (*Receivable, error)

	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	SavePayment(ctx context.Context, p Payment) error
	ListPaymentsByReceivable(ctx context.Context, receivableID ReceivableID) ([]Payment, error)

	GetTask(ctx context.Context, id TaskID) (*Task, error)
	SaveTask(ctx context.Context, t Task) error

	GetCommission(ctx context.Context, id CommissionID) (*Commission, error)
	SaveCommission(ctx context.Context, c Commission) error
	ListCommissionsByTask(ctx context.Context, taskID TaskID) ([]Commission, error)

	// WithTx runs fn against a transactional view of the store. If fn returns
	// an error nothing it wrote is kept.
	WithTx(ctx context.Context, fn func(Store) error) error
}
