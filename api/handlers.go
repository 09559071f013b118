/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the checked-mutation protocol over REST. Handles HTTP
  request/response and JSON, and delegates every decision to the
  reconcile.Engine. No handler computes a derived amount itself.

ENDPOINTS:
  Credits:
    POST   /api/credits                          Create credit
    GET    /api/credits/{id}                     Credit with allocated/available
    PUT    /api/credits/{id}                     Change amount (409 on deficit)
    DELETE /api/credits/{id}                     Delete (409 when allocated)
    POST   /api/credits/{id}/resolve-reduction   Amount change + allocation plan
    POST   /api/credits/{id}/resolve-deletion    Deletion + allocation plan

  Receivables:
    POST   /api/receivables                               Create invoice
    GET    /api/receivables/{id}                          Invoice with paid/remaining/status
    PUT    /api/receivables/{id}                          Change amount (409 on overpayment)
    DELETE /api/receivables/{id}                          Delete (409 when paid)
    POST   /api/receivables/{id}/resolve-overpayment      Amount change + plan
    POST   /api/receivables/{id}/auto-resolve-overpayment Amount change + named strategy
    POST   /api/receivables/{id}/resolve-deletion         Deletion + plan
    POST   /api/receivables/{id}/payments                 Record payment

  Payments, allocations, tasks:
    PUT    /api/payments/{id}, DELETE /api/payments/{id}
    POST   /api/allocations, DELETE /api/allocations/{id}
    POST   /api/tasks, GET /api/tasks/{id}, POST /api/tasks/{id}/approve
    POST   /api/cascade/task/{id}/{field}       field = amount | prepaid | expense

  Validation (preview only, never writes):
    POST   /api/invoices/validate, /api/transactions/validate, /api/tasks/validate

  Engine (raw protocol, reconcile.Request bodies):
    POST   /api/reconcile/check, /resolve, /preview, /commit

  Accounts:
    POST   /api/accounts, GET /api/accounts/{id},
    GET    /api/accounts/{id}/transactions, POST /api/accounts/{id}/recalculate

REQUEST FLOW (checked mutations):
  1. Parse body (MutationRequest) and URL
  2. Build reconcile.Request (mutation + optional resolution)
  3. dry_run: Preview, 200 with the report
     otherwise: Commit, 200 with the result
  4. Errors go through writeEngineError

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: Conflict (invariant violation with resolution options),
         concurrent modification (data.current), stale preview,
         duplicate idempotency key, nothing left to resolve
  - 422: Incomplete resolution (data.uncovered)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *reconcile.Engine
	Logger *zap.Logger

	reset func(context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over engine. Scenario loading needs a store
// that can be reset (both store implementations can).
func NewHandler(engine *reconcile.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{Engine: engine, Logger: logger}
	switch st := engine.Store().(type) {
	case interface{ Reset(context.Context) error }:
		h.reset = st.Reset
	case interface{ Reset() }:
		h.reset = func(context.Context) error { st.Reset(); return nil }
	}
	return h
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount opens a client or employee account.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.OpenAccount(r.Context(), billing.Account{
		ID:   generic.AccountID(req.ID),
		Kind: billing.AccountKind(req.Kind),
		Name: req.Name,
	}, reconcile.CreateOptions{ActorID: req.ActorID, IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetAccount returns the account with its balance recomputed from
// transactions and any drift from the cached balance. With ?as_of=YYYY-MM-DD
// the balance on that date is added.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := generic.AccountID(chi.URLParam(r, "id"))
	b, err := h.Engine.AccountBalance(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := toBalanceDTO(*b)
	if v := r.URL.Query().Get("as_of"); v != "" {
		at, err := generic.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
			return
		}
		amount, err := h.Engine.AccountBalanceAt(r.Context(), id, at)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		dto.BalanceAsOf = &amount
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetTransactions returns the account ledger with running balances.
// GET /api/accounts/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.AccountTransactions(r.Context(), generic.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": toTransactionDTOs(txs)})
}

// RecalculateAccount rewrites the cached balance from transactions.
// POST /api/accounts/{id}/recalculate
func (h *Handler) RecalculateAccount(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.RecalculateAccount(r.Context(), generic.AccountID(chi.URLParam(r, "id")), r.URL.Query().Get("actor_id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*b))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// CreateCredit grants a credit to a client.
// POST /api/credits
func (h *Handler) CreateCredit(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CreateCredit(r.Context(), billing.Credit{
		ID:        billing.CreditID(req.ID),
		ClientID:  generic.AccountID(req.ClientID),
		Amount:    req.Amount,
		Reason:    req.Reason,
		GrantedAt: req.GrantedAt,
	}, req.options())
	h.writeCreated(w, res, err)
}

// GetCredit returns a credit with its derived amounts.
// GET /api/credits/{id}
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.CreditSummary(r.Context(), billing.CreditID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(*s))
}

// UpdateCredit changes the credit amount. Reducing below the allocated
// amount answers 409 credit_reduction_conflict.
// PUT /api/credits/{id}
func (h *Handler) UpdateCredit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.CreditAmount, false)
}

// DeleteCredit soft-deletes the credit. A credit with allocations answers
// 409 credit_deletion_conflict.
// DELETE /api/credits/{id}
func (h *Handler) DeleteCredit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.CreditDelete, false)
}

// ResolveCreditReduction commits an amount change with an allocation plan.
// POST /api/credits/{id}/resolve-reduction
func (h *Handler) ResolveCreditReduction(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.CreditAmount, true)
}

// ResolveCreditDeletion commits a deletion with an allocation plan.
// POST /api/credits/{id}/resolve-deletion
func (h *Handler) ResolveCreditDeletion(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.CreditDelete, true)
}

// =============================================================================
// RECEIVABLE HANDLERS
// =============================================================================

// CreateReceivable issues an invoice to a client.
// POST /api/receivables
func (h *Handler) CreateReceivable(w http.ResponseWriter, r *http.Request) {
	var req CreateReceivableRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CreateReceivable(r.Context(), billing.Receivable{
		ID:          billing.ReceivableID(req.ID),
		ClientID:    generic.AccountID(req.ClientID),
		Amount:      req.Amount,
		Description: req.Description,
		IssuedAt:    req.IssuedAt,
	}, req.options())
	h.writeCreated(w, res, err)
}

// GetReceivable returns an invoice with paid, remaining and status.
// GET /api/receivables/{id}
func (h *Handler) GetReceivable(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.ReceivableSummary(r.Context(), billing.ReceivableID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceivableDTO(*s))
}

// UpdateReceivable changes the invoice amount. Reducing below the paid
// amount answers 409 overpayment_detected.
// PUT /api/receivables/{id}
func (h *Handler) UpdateReceivable(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.ReceivableAmount, false)
}

// DeleteReceivable soft-deletes the invoice. An invoice with payments or
// allocations answers 409 deletion_conflict_financial_records_exist.
// DELETE /api/receivables/{id}
func (h *Handler) DeleteReceivable(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.ReceivableDelete, false)
}

// ResolveOverpayment commits an amount change with a plan.
// POST /api/receivables/{id}/resolve-overpayment
func (h *Handler) ResolveOverpayment(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.ReceivableAmount, true)
}

// AutoResolveOverpayment commits an amount change with a named strategy
// (resolution_type).
// POST /api/receivables/{id}/auto-resolve-overpayment
func (h *Handler) AutoResolveOverpayment(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.ReceivableAmount, true)
}

// ResolveReceivableDeletion commits a deletion with payment and allocation
// decisions.
// POST /api/receivables/{id}/resolve-deletion
func (h *Handler) ResolveReceivableDeletion(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.ReceivableDelete, true)
}

// CreatePayment records a payment on the invoice.
// POST /api/receivables/{id}/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CreatePayment(r.Context(), billing.Payment{
		ID:           billing.PaymentID(req.ID),
		ReceivableID: billing.ReceivableID(chi.URLParam(r, "id")),
		Amount:       req.Amount,
		Method:       billing.PaymentMethod(req.Method),
		PaidAt:       req.PaidAt,
		Reference:    req.Reference,
	}, req.options())
	h.writeCreated(w, res, err)
}

// =============================================================================
// PAYMENT & ALLOCATION HANDLERS
// =============================================================================

// UpdatePayment changes a payment amount. An increase that overpays the
// invoice answers 409 overpayment_detected; resend with a strategy or
// decisions for the other payments and allocations.
// PUT /api/payments/{id}
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.PaymentAmount, false)
}

// DeletePayment soft-deletes a payment. Never conflicts.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.PaymentDelete, false)
}

// CreateAllocation applies part of a credit to an invoice.
// POST /api/allocations
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req CreateAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CreateAllocation(r.Context(), billing.Allocation{
		ID:           billing.AllocationID(req.ID),
		CreditID:     billing.CreditID(req.CreditID),
		ReceivableID: billing.ReceivableID(req.ReceivableID),
		Amount:       req.Amount,
		AllocatedAt:  req.AllocatedAt,
	}, req.options())
	h.writeCreated(w, res, err)
}

// UpdateAllocation changes an allocation amount.
// PUT /api/allocations/{id}
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.AllocationAmount, false)
}

// DeleteAllocation frees the allocated amount back onto the credit.
// DELETE /api/allocations/{id}
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, reconcile.AllocationDelete, false)
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// CreateTask records billable work.
// POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CreateTask(r.Context(), billing.Task{
		ID:             billing.TaskID(req.ID),
		ClientID:       generic.AccountID(req.ClientID),
		EmployeeID:     generic.AccountID(req.EmployeeID),
		Title:          req.Title,
		Amount:         req.Amount,
		PrepaidAmount:  req.PrepaidAmount,
		ExpenseAmount:  req.ExpenseAmount,
		CommissionRate: req.CommissionRate,
	}, req.options())
	h.writeCreated(w, res, err)
}

// GetTask returns the task, its invoice and commissions.
// GET /api/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.TaskDetail(r.Context(), billing.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDetailDTO(*d))
}

// ApproveTask invoices the task and creates its commissions.
// POST /api/tasks/{id}/approve
func (h *Handler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	var req ApproveTaskRequest
	if !decode(w, r, &req) {
		return
	}
	in := reconcile.ApproveTaskInput{ExpectedVersion: req.Version, ApprovedAt: req.ApprovedAt}
	for _, s := range req.Shares {
		in.Shares = append(in.Shares, billing.CommissionShare{EmployeeID: generic.AccountID(s.EmployeeID), Rate: s.Rate})
	}
	res, err := h.Engine.ApproveTask(r.Context(), billing.TaskID(chi.URLParam(r, "id")), in, req.options())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CascadeTask changes the task amount, prepaid amount or expense amount and
// cascades to the invoice, the prepaid payment and the commissions.
// POST /api/cascade/task/{id}/{field}
func (h *Handler) CascadeTask(w http.ResponseWriter, r *http.Request) {
	kind, ok := taskMutation(chi.URLParam(r, "field"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown task field", fmt.Errorf("field %q", chi.URLParam(r, "field")))
		return
	}
	h.mutate(w, r, kind, false)
}

func taskMutation(field string) (reconcile.MutationKind, bool) {
	switch field {
	case "amount":
		return reconcile.TaskAmount, true
	case "prepaid", "prepaid_amount":
		return reconcile.TaskPrepaid, true
	case "expense", "expense_amount":
		return reconcile.TaskExpense, true
	}
	return "", false
}

// =============================================================================
// VALIDATION (PREVIEW) HANDLERS
// =============================================================================

// ValidateInvoice previews an invoice amount change or deletion.
// POST /api/invoices/validate
func (h *Handler) ValidateInvoice(w http.ResponseWriter, r *http.Request) {
	h.validate(w, r, func(req ValidateRequest) (reconcile.MutationKind, bool) {
		if req.Delete {
			return reconcile.ReceivableDelete, true
		}
		return reconcile.ReceivableAmount, true
	})
}

// ValidateTransaction previews a payment amount change or deletion.
// POST /api/transactions/validate
func (h *Handler) ValidateTransaction(w http.ResponseWriter, r *http.Request) {
	h.validate(w, r, func(req ValidateRequest) (reconcile.MutationKind, bool) {
		if req.Delete {
			return reconcile.PaymentDelete, true
		}
		return reconcile.PaymentAmount, true
	})
}

// ValidateTask previews a task amount, prepaid or expense change.
// POST /api/tasks/validate
func (h *Handler) ValidateTask(w http.ResponseWriter, r *http.Request) {
	h.validate(w, r, func(req ValidateRequest) (reconcile.MutationKind, bool) {
		if req.Field == "" {
			return reconcile.TaskAmount, true
		}
		return taskMutation(req.Field)
	})
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request, kindOf func(ValidateRequest) (reconcile.MutationKind, bool)) {
	var req ValidateRequest
	if !decode(w, r, &req) {
		return
	}
	kind, ok := kindOf(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown field", fmt.Errorf("field %q", req.Field))
		return
	}
	if err := amountRequired(kind, req.Amount != nil || req.NewAmount != nil); err != nil {
		h.writeEngineError(w, err)
		return
	}
	req.DryRun = true
	h.run(w, r, buildRequest(kind, req.TargetID, req.MutationRequest))
}

// =============================================================================
// ENGINE HANDLERS - reconcile.Request bodies, no URL conventions
// =============================================================================

// Check runs the invariant check.
// POST /api/reconcile/check
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var body EngineMutation
	if !decode(w, r, &body) {
		return
	}
	m, err := body.mutation()
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	res, err := h.Engine.Check(r.Context(), m)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resolve lists the strategies for the conflict the mutation raises.
// POST /api/reconcile/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var body EngineMutation
	if !decode(w, r, &body) {
		return
	}
	m, err := body.mutation()
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	offer, err := h.Engine.Resolve(r.Context(), m)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictDTO(offer.Conflict, offer.Options))
}

// Preview runs a request without persisting.
// POST /api/reconcile/preview
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var body EngineRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.preview(w, r, req)
}

// Commit applies a request atomically.
// POST /api/reconcile/commit
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var body EngineRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.commit(w, r, req)
}

// =============================================================================
// CHECKED MUTATION FLOW
// =============================================================================

// mutate runs kind on the {id} URL parameter. Resolve endpoints
// (withPlan) require a strategy or at least one decision.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, kind reconcile.MutationKind, withPlan bool) {
	var body MutationRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	if body.Version == 0 {
		if v := r.URL.Query().Get("version"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid version", err)
				return
			}
			body.Version = parsed
		}
	}
	if err := amountRequired(kind, body.Amount != nil || body.NewAmount != nil); err != nil {
		h.writeEngineError(w, err)
		return
	}
	req := buildRequest(kind, chi.URLParam(r, "id"), body)
	if withPlan && req.Resolution == nil {
		writeError(w, http.StatusBadRequest, "A resolution strategy or decisions are required",
			generic.Invalid("strategy", "required"))
		return
	}
	h.run(w, r, req)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, req previewable) {
	if req.dryRun {
		h.preview(w, r, req.Request)
		return
	}
	h.commit(w, r, req.Request)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request, req reconcile.Request) {
	report, err := h.Engine.Preview(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request, req reconcile.Request) {
	res, err := h.Engine.Commit(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// previewable is a request plus the dry-run flag from the body.
type previewable struct {
	reconcile.Request
	dryRun bool
}

// buildRequest maps the wire body to an engine request. Decisions from
// every list are merged; a named strategy wins over resolution_type.
func buildRequest(kind reconcile.MutationKind, targetID string, body MutationRequest) previewable {
	m := reconcile.Mutation{
		Kind:            kind,
		TargetID:        targetID,
		ExpectedVersion: body.Version,
		EffectiveAt:     body.EffectiveAt,
		ActorID:         body.ActorID,
	}
	switch {
	case body.NewAmount != nil:
		m.Amount = *body.NewAmount
	case body.Amount != nil:
		m.Amount = *body.Amount
	}

	var decisions []reconcile.Decision
	for _, list := range [][]DecisionDTO{body.AllocationAdjustments, body.AllocationResolutions, body.AllocationDecisions} {
		for _, d := range list {
			decisions = append(decisions, d.decision(reconcile.DependentAllocation))
		}
	}
	for _, d := range body.PaymentDecisions {
		decisions = append(decisions, d.decision(reconcile.DependentPayment))
	}

	strategy := body.Strategy
	if strategy == "" {
		strategy = body.ResolutionType
	}
	if strategy == "" && len(decisions) > 0 {
		strategy = reconcile.StrategyManual
	}

	req := reconcile.Request{
		Mutation:            m,
		ExpectedFingerprint: body.PreviewFingerprint,
		IdempotencyKey:      body.IdempotencyKey,
	}
	if strategy != "" {
		req.Resolution = &reconcile.Resolution{Strategy: strategy, Decisions: decisions}
	}
	return previewable{Request: req, dryRun: body.DryRun}
}

// amountRequired rejects a change that names no amount. A missing amount
// would otherwise decode as zero and set the record to 0.
func amountRequired(kind reconcile.MutationKind, present bool) error {
	if present || kind.IsDelete() || kind.TargetKind() == "" {
		return nil
	}
	return generic.Invalid("amount", "required for %s", kind)
}

func (d DecisionDTO) decision(implied reconcile.DependentKind) reconcile.Decision {
	dec := reconcile.Decision{ID: d.ID, Action: d.Action, NewAmount: d.NewAmount}
	switch {
	case d.PaymentID != "":
		dec.ID, dec.Kind = d.PaymentID, reconcile.DependentPayment
	case d.AllocationID != "":
		dec.ID, dec.Kind = d.AllocationID, reconcile.DependentAllocation
	default:
		dec.Kind = implied
	}
	return dec
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeCreated(w http.ResponseWriter, res *reconcile.CreateResult, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// writeEngineError maps engine errors to status codes. It is the only place
// that does.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var (
		conflict   *reconcile.ConflictError
		concurrent *generic.ConcurrentModificationError
		incomplete *generic.IncompleteResolutionError
		invalid    *generic.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  conflict.Code(),
			Data:  toConflictDTO(conflict.Conflict, conflict.Options),
		})
	case errors.As(err, &concurrent):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "concurrent_modification",
			Data: map[string]any{
				"expected_version": concurrent.ExpectedVersion,
				"actual_version":   concurrent.ActualVersion,
				"current":          toRecordDTO(concurrent.Current),
			},
		})
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "incomplete_resolution",
			Data: map[string]any{
				"gap":       incomplete.Gap,
				"covered":   incomplete.Covered,
				"uncovered": incomplete.Uncovered,
			},
		})
	case errors.Is(err, generic.ErrStalePreview):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "stale_preview"})
	case errors.Is(err, generic.ErrNothingToResolve):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "nothing_to_resolve"})
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate_request"})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "validation_error",
			Data:  map[string]string{"field": invalid.Field},
		})
	case errors.Is(err, generic.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation_error"})
	case generic.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	default:
		h.Logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Code: "internal_error", Details: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body (DELETE with ?version=).
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}
