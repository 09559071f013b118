/*
store.go - Persistence interface for account transactions and the audit log

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The Store handles persistence while maintaining append-only semantics.
  Implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:    Account transaction persistence (append, load, exists)
  AuditLog: Who resolved what, when, with which plan

APPEND-ONLY CONTRACT:
  - Append(): Single transaction write
  - AppendBatch(): Atomic multi-transaction write
  - NO Update() or Delete() methods exist

  Changing a payment from 300 to 250 does not edit the original payment
  transaction: an adjustment of -50 is appended instead.

IDEMPOTENCY:
  Every write may include an idempotency key. If the key already exists,
  the write is rejected with ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite/PostgreSQL
  - store/memory: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
  - billing/store.go: Record store that embeds Store
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for transaction persistence (append-only)
// =============================================================================

// Store handles persistence of account transactions.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists a transaction. Returns error if idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists multiple transactions atomically.
	// Either all succeed or none do.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Load returns all transactions for an account, ordered by EffectiveAt.
	Load(ctx context.Context, accountID AccountID) ([]Transaction, error)

	// LoadByReference returns all transactions posted for a source record.
	LoadByReference(ctx context.Context, referenceID string) ([]Transaction, error)

	// Exists checks if idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditEntry records one committed operation.
type AuditEntry struct {
	ID             string
	Timestamp      TimePoint
	ActorID        string
	Action         AuditAction
	TargetKind     string
	TargetID       string
	IdempotencyKey string
	Payload        map[string]any // action-specific data
}

type AuditAction string

const (
	AuditRecordCreated       AuditAction = "record_created"
	AuditRecordUpdated       AuditAction = "record_updated"
	AuditRecordDeleted       AuditAction = "record_deleted"
	AuditResolutionCommitted AuditAction = "resolution_committed"
	AuditTaskCascaded        AuditAction = "task_cascaded"
	AuditTaskApproved        AuditAction = "task_approved"
	AuditBalanceRepaired     AuditAction = "balance_repaired"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	// AppendAudit persists an entry. A non-empty IdempotencyKey must be unique.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	AuditExists(ctx context.Context, idempotencyKey string) (bool, error)
}

type AuditFilter struct {
	TargetID *string
	ActorID  *string
	Actions  []AuditAction
	From     *TimePoint
	To       *TimePoint
}
