/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing records (which carry no JSON tags) from the external API
  contract. Amounts are JSON numbers, dates are YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Records:
    AccountDTO, CreditDTO, AllocationDTO, ReceivableDTO, PaymentDTO,
    TaskDTO, CommissionDTO

  Checked mutations:
    MutationRequest, DecisionDTO, ConflictDTO

  Balances:
    BalanceDTO, TransactionDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - reconcile/preview.go: Consequences and PreviewReport (already JSON)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
)

// =============================================================================
// RECORDS
// =============================================================================

type AccountDTO struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Name          string         `json:"name"`
	CachedBalance generic.Amount `json:"cached_balance"`
	Version       int64          `json:"version"`
}

type CreateAccountRequest struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Name           string `json:"name"`
	ActorID        string `json:"actor_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreditDTO is a credit with its derived allocated and available amounts.
type CreditDTO struct {
	ID              string            `json:"id"`
	ClientID        string            `json:"client_id"`
	Amount          generic.Amount    `json:"amount"`
	AllocatedAmount generic.Amount    `json:"allocated_amount"`
	AvailableAmount generic.Amount    `json:"available_amount"`
	Reason          string            `json:"reason,omitempty"`
	GrantedAt       generic.TimePoint `json:"granted_at"`
	SourcePaymentID string            `json:"source_payment_id,omitempty"`
	Allocations     []AllocationDTO   `json:"allocations"`
	Version         int64             `json:"version"`
	DeletedAt       *string           `json:"deleted_at,omitempty"`
}

type CreateCreditRequest struct {
	ID        string            `json:"id,omitempty"`
	ClientID  string            `json:"client_id"`
	Amount    generic.Amount    `json:"amount"`
	Reason    string            `json:"reason"`
	GrantedAt generic.TimePoint `json:"granted_at"`
	CreateFlags
}

type AllocationDTO struct {
	ID           string            `json:"id"`
	CreditID     string            `json:"credit_id"`
	ReceivableID string            `json:"receivable_id"`
	Amount       generic.Amount    `json:"amount"`
	AllocatedAt  generic.TimePoint `json:"allocated_at"`
	Version      int64             `json:"version"`
	DeletedAt    *string           `json:"deleted_at,omitempty"`
}

type CreateAllocationRequest struct {
	ID           string            `json:"id,omitempty"`
	CreditID     string            `json:"credit_id"`
	ReceivableID string            `json:"receivable_id"`
	Amount       generic.Amount    `json:"amount"`
	AllocatedAt  generic.TimePoint `json:"allocated_at"`
	CreateFlags
}

// ReceivableDTO is an invoice with paid, remaining and status derived.
type ReceivableDTO struct {
	ID              string            `json:"id"`
	ClientID        string            `json:"client_id"`
	TaskID          string            `json:"task_id,omitempty"`
	Amount          generic.Amount    `json:"amount"`
	PaidAmount      generic.Amount    `json:"paid_amount"`
	RemainingAmount generic.Amount    `json:"remaining_amount"`
	Status          string            `json:"status"`
	Description     string            `json:"description,omitempty"`
	IssuedAt        generic.TimePoint `json:"issued_at"`
	Payments        []PaymentDTO      `json:"payments"`
	Allocations     []AllocationDTO   `json:"allocations"`
	Version         int64             `json:"version"`
	DeletedAt       *string           `json:"deleted_at,omitempty"`
}

type CreateReceivableRequest struct {
	ID          string            `json:"id,omitempty"`
	ClientID    string            `json:"client_id"`
	Amount      generic.Amount    `json:"amount"`
	Description string            `json:"description"`
	IssuedAt    generic.TimePoint `json:"issued_at"`
	CreateFlags
}

type PaymentDTO struct {
	ID           string            `json:"id"`
	ReceivableID string            `json:"receivable_id"`
	Amount       generic.Amount    `json:"amount"`
	Method       string            `json:"method"`
	PaidAt       generic.TimePoint `json:"paid_at"`
	Reference    string            `json:"reference,omitempty"`
	Version      int64             `json:"version"`
	DeletedAt    *string           `json:"deleted_at,omitempty"`
}

type CreatePaymentRequest struct {
	ID        string            `json:"id,omitempty"`
	Amount    generic.Amount    `json:"amount"`
	Method    string            `json:"method"`
	PaidAt    generic.TimePoint `json:"paid_at"`
	Reference string            `json:"reference"`
	CreateFlags
}

type TaskDTO struct {
	ID             string            `json:"id"`
	ClientID       string            `json:"client_id"`
	EmployeeID     string            `json:"employee_id"`
	Title          string            `json:"title"`
	Amount         generic.Amount    `json:"amount"`
	PrepaidAmount  generic.Amount    `json:"prepaid_amount"`
	ExpenseAmount  generic.Amount    `json:"expense_amount"`
	NetEarning     generic.Amount    `json:"net_earning"`
	CommissionRate decimal.Decimal   `json:"commission_rate"`
	Status         string            `json:"status"`
	ApprovedAt     *string           `json:"approved_at,omitempty"`
	Invoice        *ReceivableDTO    `json:"invoice,omitempty"`
	Commissions    []CommissionDTO   `json:"commissions"`
	Version        int64             `json:"version"`
	CreatedAt      generic.TimePoint `json:"created_at"`
}

type CreateTaskRequest struct {
	ID             string          `json:"id,omitempty"`
	ClientID       string          `json:"client_id"`
	EmployeeID     string          `json:"employee_id"`
	Title          string          `json:"title"`
	Amount         generic.Amount  `json:"amount"`
	PrepaidAmount  generic.Amount  `json:"prepaid_amount"`
	ExpenseAmount  generic.Amount  `json:"expense_amount"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	CreateFlags
}

type ApproveTaskRequest struct {
	Version    int64             `json:"version"`
	ApprovedAt generic.TimePoint `json:"approved_at"`
	Shares     []CommissionShare `json:"commission_shares,omitempty"`
	CreateFlags
}

type CommissionShare struct {
	EmployeeID string          `json:"employee_id"`
	Rate       decimal.Decimal `json:"rate"`
}

type CommissionDTO struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	EmployeeID string          `json:"employee_id"`
	Rate       decimal.Decimal `json:"rate"`
	BaseAmount generic.Amount  `json:"net_earning"`
	Amount     generic.Amount  `json:"amount"`
	Status     string          `json:"status"`
	Version    int64           `json:"version"`
}

// CreateFlags are common to every create request.
type CreateFlags struct {
	ActorID        string `json:"actor_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

func (f CreateFlags) options() reconcile.CreateOptions {
	return reconcile.CreateOptions{ActorID: f.ActorID, IdempotencyKey: f.IdempotencyKey, DryRun: f.DryRun}
}

// =============================================================================
// CHECKED MUTATIONS
// =============================================================================

// EngineMutation is a reconcile.Mutation as sent to /api/reconcile/*. The
// amount is kept as a pointer so a missing one is told apart from 0.
type EngineMutation struct {
	reconcile.Mutation
	Amount *generic.Amount `json:"amount"`
}

func (b EngineMutation) mutation() (reconcile.Mutation, error) {
	m := b.Mutation
	if b.Amount != nil {
		m.Amount = *b.Amount
	}
	return m, amountRequired(m.Kind, b.Amount != nil)
}

// EngineRequest is a reconcile.Request as sent to /api/reconcile/preview
// and /api/reconcile/commit.
type EngineRequest struct {
	reconcile.Request
	Mutation EngineMutation `json:"mutation"`
}

func (b EngineRequest) request() (reconcile.Request, error) {
	req := b.Request
	m, err := b.Mutation.mutation()
	req.Mutation = m
	return req, err
}

// MutationRequest is the body of every update, delete and resolve call.
// Version is the target version the caller last read. With dry_run the
// request is previewed and nothing is written; the returned
// preview_fingerprint can be sent back to commit exactly what was previewed.
type MutationRequest struct {
	Amount             *generic.Amount   `json:"amount,omitempty"`
	NewAmount          *generic.Amount   `json:"new_amount,omitempty"`
	Version            int64             `json:"version"`
	EffectiveAt        generic.TimePoint `json:"effective_at"`
	ActorID            string            `json:"actor_id,omitempty"`
	PreviewFingerprint string            `json:"preview_fingerprint,omitempty"`
	IdempotencyKey     string            `json:"idempotency_key,omitempty"`
	DryRun             bool              `json:"dry_run,omitempty"`

	Strategy       reconcile.StrategyKey `json:"strategy,omitempty"`
	ResolutionType reconcile.StrategyKey `json:"resolution_type,omitempty"`

	AllocationAdjustments []DecisionDTO `json:"allocation_adjustments,omitempty"`
	AllocationResolutions []DecisionDTO `json:"allocation_resolutions,omitempty"`
	PaymentDecisions      []DecisionDTO `json:"payment_decisions,omitempty"`
	AllocationDecisions   []DecisionDTO `json:"allocation_decisions,omitempty"`
}

// DecisionDTO is one dependent's fate. Either payment_id or allocation_id
// names it; id is accepted when the kind is implied.
type DecisionDTO struct {
	ID           string           `json:"id,omitempty"`
	PaymentID    string           `json:"payment_id,omitempty"`
	AllocationID string           `json:"allocation_id,omitempty"`
	Action       reconcile.Action `json:"action"`
	NewAmount    *generic.Amount  `json:"new_amount,omitempty"`
}

// ValidateRequest previews a change without naming it in the URL.
type ValidateRequest struct {
	TargetID string `json:"target_id"`
	Delete   bool   `json:"delete,omitempty"`
	Field    string `json:"field,omitempty"` // tasks: amount | prepaid | expense
	MutationRequest
}

// ConflictDTO is the data of a 409 conflict response.
type ConflictDTO struct {
	Kind           string         `json:"kind"`
	TargetKind     string         `json:"target_kind"`
	TargetID       string         `json:"target_id"`
	Version        int64          `json:"version"`
	CurrentAmount  generic.Amount `json:"current_amount"`
	ProposedAmount generic.Amount `json:"proposed_amount"`

	// Credit conflicts
	AllocatedAmount *generic.Amount `json:"allocated_amount,omitempty"`
	Deficit         *generic.Amount `json:"deficit,omitempty"`

	// Receivable and payment conflicts
	TotalPaid *generic.Amount       `json:"total_paid,omitempty"`
	Surplus   *generic.Amount       `json:"surplus,omitempty"`
	Payments  []reconcile.Dependent `json:"payments,omitempty"`

	Allocations       []reconcile.Dependent                              `json:"allocations"`
	ResolutionOptions map[reconcile.StrategyKey]reconcile.StrategyOption `json:"resolution_options"`
}

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	Account     AccountDTO      `json:"account"`
	Balance     generic.Amount  `json:"balance"`
	Charged     generic.Amount  `json:"charged"`
	Received    generic.Amount  `json:"received"`
	Credited    generic.Amount  `json:"credited"`
	Commissions generic.Amount  `json:"commissions"`
	Corrections generic.Amount  `json:"corrections"`
	TxCount     int             `json:"transaction_count"`
	AsOf        string          `json:"as_of,omitempty"`
	BalanceAsOf *generic.Amount `json:"balance_as_of,omitempty"`
	Drift       *DriftDTO       `json:"drift,omitempty"`
}

type DriftDTO struct {
	Cached     generic.Amount `json:"cached_balance"`
	Recomputed generic.Amount `json:"recomputed_balance"`
	Difference generic.Amount `json:"difference"`
}

// TransactionDTO is a ledger transaction with the running balance after it.
type TransactionDTO struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	EffectiveAt   string         `json:"effective_at"`
	Delta         generic.Amount `json:"delta"`
	Type          string         `json:"type"`
	ReferenceKind string         `json:"reference_kind,omitempty"`
	ReferenceID   string         `json:"reference_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     string         `json:"created_at,omitempty"`
	BalanceAfter  generic.Amount `json:"balance_after"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func optionalDate(tp *generic.TimePoint) *string {
	if tp == nil {
		return nil
	}
	s := tp.String()
	return &s
}

func toAccountDTO(a billing.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		Kind:          string(a.Kind),
		Name:          a.Name,
		CachedBalance: a.CachedBalance,
		Version:       a.Version,
	}
}

func toCreditDTO(s billing.CreditSummary) CreditDTO {
	c := s.Credit
	return CreditDTO{
		ID:              string(c.ID),
		ClientID:        string(c.ClientID),
		Amount:          c.Amount,
		AllocatedAmount: s.Allocated,
		AvailableAmount: s.Available,
		Reason:          c.Reason,
		GrantedAt:       c.GrantedAt,
		SourcePaymentID: string(c.SourcePaymentID),
		Allocations:     toAllocationDTOs(s.Allocations),
		Version:         c.Version,
		DeletedAt:       optionalDate(c.DeletedAt),
	}
}

func toAllocationDTO(a billing.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:           string(a.ID),
		CreditID:     string(a.CreditID),
		ReceivableID: string(a.ReceivableID),
		Amount:       a.Amount,
		AllocatedAt:  a.AllocatedAt,
		Version:      a.Version,
		DeletedAt:    optionalDate(a.DeletedAt),
	}
}

func toAllocationDTOs(as []billing.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(as))
	for i, a := range as {
		dtos[i] = toAllocationDTO(a)
	}
	return dtos
}

func toReceivableDTO(s billing.ReceivableSummary) ReceivableDTO {
	r := s.Receivable
	payments := make([]PaymentDTO, len(s.Payments))
	for i, p := range s.Payments {
		payments[i] = toPaymentDTO(p)
	}
	return ReceivableDTO{
		ID:              string(r.ID),
		ClientID:        string(r.ClientID),
		TaskID:          string(r.TaskID),
		Amount:          r.Amount,
		PaidAmount:      s.Paid,
		RemainingAmount: s.Remaining,
		Status:          string(s.Status),
		Description:     r.Description,
		IssuedAt:        r.IssuedAt,
		Payments:        payments,
		Allocations:     toAllocationDTOs(s.Allocations),
		Version:         r.Version,
		DeletedAt:       optionalDate(r.DeletedAt),
	}
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:           string(p.ID),
		ReceivableID: string(p.ReceivableID),
		Amount:       p.Amount,
		Method:       string(p.Method),
		PaidAt:       p.PaidAt,
		Reference:    p.Reference,
		Version:      p.Version,
		DeletedAt:    optionalDate(p.DeletedAt),
	}
}

func toCommissionDTO(c billing.Commission) CommissionDTO {
	return CommissionDTO{
		ID:         string(c.ID),
		TaskID:     string(c.TaskID),
		EmployeeID: string(c.EmployeeID),
		Rate:       c.Rate,
		BaseAmount: c.BaseAmount,
		Amount:     c.Amount,
		Status:     string(c.Status),
		Version:    c.Version,
	}
}

func toTaskDTO(t billing.Task) TaskDTO {
	return TaskDTO{
		ID:             string(t.ID),
		ClientID:       string(t.ClientID),
		EmployeeID:     string(t.EmployeeID),
		Title:          t.Title,
		Amount:         t.Amount,
		PrepaidAmount:  t.PrepaidAmount,
		ExpenseAmount:  t.ExpenseAmount,
		NetEarning:     billing.NetEarning(t),
		CommissionRate: t.CommissionRate,
		Status:         string(t.Status),
		ApprovedAt:     optionalDate(t.ApprovedAt),
		Commissions:    []CommissionDTO{},
		Version:        t.Version,
		CreatedAt:      t.CreatedAt,
	}
}

func toTaskDetailDTO(d reconcile.TaskDetail) TaskDTO {
	dto := toTaskDTO(d.Task)
	for _, c := range d.Commissions {
		dto.Commissions = append(dto.Commissions, toCommissionDTO(c))
	}
	if d.Invoice != nil {
		inv := toReceivableDTO(*d.Invoice)
		dto.Invoice = &inv
	}
	return dto
}

func toBalanceDTO(b reconcile.AccountBalance) BalanceDTO {
	dto := BalanceDTO{
		Account:     toAccountDTO(b.Account),
		Balance:     b.Balance.Total,
		Charged:     b.Balance.Charged,
		Received:    b.Balance.Received,
		Credited:    b.Balance.Credited,
		Commissions: b.Balance.Commissions,
		Corrections: b.Balance.Corrections,
		TxCount:     b.Balance.TxCount,
	}
	if !b.Balance.AsOf.IsZero() {
		dto.AsOf = b.Balance.AsOf.String()
	}
	if b.Drift != nil {
		dto.Drift = &DriftDTO{Cached: b.Drift.Cached, Recomputed: b.Drift.Recomputed, Difference: b.Drift.Difference}
	}
	return dto
}

// toTransactionDTOs converts transactions in effective order and carries
// the running balance.
func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	running := generic.Zero()
	for i, tx := range txs {
		running = running.Add(tx.Delta)
		dtos[i] = TransactionDTO{
			ID:            string(tx.ID),
			AccountID:     string(tx.AccountID),
			EffectiveAt:   tx.EffectiveAt.String(),
			Delta:         tx.Delta,
			Type:          string(tx.Type),
			ReferenceKind: tx.ReferenceKind,
			ReferenceID:   tx.ReferenceID,
			Reason:        tx.Reason,
			CreatedBy:     tx.CreatedBy,
			BalanceAfter:  running,
		}
		if !tx.CreatedAt.IsZero() {
			dtos[i].CreatedAt = tx.CreatedAt.Time.Format(time.RFC3339)
		}
	}
	return dtos
}

// toRecordDTO converts the record carried by a ConcurrentModificationError.
func toRecordDTO(record any) any {
	switch r := record.(type) {
	case billing.Credit:
		return toCreditDTO(billing.CreditSummary{Credit: r, Allocations: []billing.Allocation{}, Allocated: generic.Zero(), Available: r.Amount})
	case billing.Allocation:
		return toAllocationDTO(r)
	case billing.Receivable:
		return ReceivableDTO{
			ID: string(r.ID), ClientID: string(r.ClientID), TaskID: string(r.TaskID), Amount: r.Amount,
			Description: r.Description, IssuedAt: r.IssuedAt, Version: r.Version, DeletedAt: optionalDate(r.DeletedAt),
			Payments: []PaymentDTO{}, Allocations: []AllocationDTO{},
		}
	case billing.Payment:
		return toPaymentDTO(r)
	case billing.Task:
		return toTaskDTO(r)
	}
	return record
}

func toConflictDTO(c *reconcile.Conflict, options []reconcile.StrategyOption) ConflictDTO {
	dto := ConflictDTO{
		Kind:              string(c.Kind),
		TargetKind:        c.TargetKind,
		TargetID:          c.TargetID,
		Version:           c.Mutation.ExpectedVersion,
		CurrentAmount:     c.CurrentAmount,
		ProposedAmount:    c.ProposedAmount,
		Allocations:       c.Allocations(),
		ResolutionOptions: make(map[reconcile.StrategyKey]reconcile.StrategyOption, len(options)),
	}
	if dto.Allocations == nil {
		dto.Allocations = []reconcile.Dependent{}
	}
	if c.CreditSide() {
		allocated, gap := c.Allocated, c.Gap
		dto.AllocatedAmount = &allocated
		dto.Deficit = &gap
	} else {
		paid, gap := c.TotalPaid, c.Gap
		dto.TotalPaid = &paid
		dto.Surplus = &gap
		dto.Payments = c.Payments()
		if dto.Payments == nil {
			dto.Payments = []reconcile.Dependent{}
		}
	}
	for _, o := range options {
		dto.ResolutionOptions[o.Key] = o
	}
	return dto
}
