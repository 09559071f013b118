/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with the four reference situations an operator
	meets when editing money after the fact. Each scenario leaves the
	records one edit away from a conflict, so the UI (or curl) can walk
	through check, resolve, preview and commit.

AVAILABLE SCENARIOS:

	credit-reduction:  Credit 1000 with 600 allocated; reduce it to 500
	overpayment:       Invoice 1000 fully paid; reduce it to 800
	invoice-deletion:  Invoice with payments of 300 and 700; delete it
	task-cascade:      Approved task 1000, expense 200, 10% commission;
	                   raise the amount to 1200
	all:               All of the above in one ledger

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Open the client and employee accounts
 3. Create records through the engine (same validation as the API)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overpayment"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Endpoints the scenarios are meant to be explored with
  - reconcile/engine_test.go: The same situations as tests
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "credit-reduction",
		Name:        "Credit Reduction",
		Description: "Credit cr-a of 1000 with 600 allocated to invoice rcv-a. Reducing it to 500 leaves a deficit of 100.",
	},
	{
		ID:          "overpayment",
		Name:        "Overpayment",
		Description: "Invoice rcv-b of 1000 fully paid by pay-b. Reducing it to 800 leaves a surplus of 200 to convert to credit.",
	},
	{
		ID:          "invoice-deletion",
		Name:        "Invoice Deletion",
		Description: "Invoice rcv-c paid by pay-c1 (300) and pay-c2 (700). Deleting it requires a decision for each payment.",
	},
	{
		ID:          "task-cascade",
		Name:        "Task Cascade",
		Description: "Approved task task-d of 1000 with 200 expenses and a 10% commission. Raising it to 1200 moves the commission from 80 to 100.",
	},
	{
		ID:          "all",
		Name:        "All Scenarios",
		Description: "Every scenario above in one ledger.",
	},
}

const (
	scenarioClient   = "client-demo"
	scenarioEmployee = "employee-demo"
	scenarioActor    = "scenario-loader"
)

func scenarioDay(d int) generic.TimePoint {
	return generic.NewTimePoint(2026, time.February, d)
}

// ListScenarios returns the available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err := h.Load(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.resetStore(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (h *Handler) resetStore(ctx context.Context) error {
	if h.reset == nil {
		return fmt.Errorf("store does not support reset")
	}
	if err := h.reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// Load resets the store and loads scenario id.
func (h *Handler) Load(ctx context.Context, id string) error {
	if !knownScenario(id) {
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err := h.resetStore(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}

	l := &scenarioLoader{ctx: ctx, engine: h.Engine}
	l.accounts()
	switch id {
	case "credit-reduction":
		l.creditReduction()
	case "overpayment":
		l.overpayment()
	case "invoice-deletion":
		l.invoiceDeletion()
	case "task-cascade":
		l.taskCascade()
	case "all":
		l.creditReduction()
		l.overpayment()
		l.invoiceDeletion()
		l.taskCascade()
	}
	if l.err != nil {
		return l.err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", zap.String("scenario", id), zap.Int("records", l.records))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioLoader stops at the first error and keeps it.
type scenarioLoader struct {
	ctx     context.Context
	engine  *reconcile.Engine
	err     error
	records int
}

func (l *scenarioLoader) do(what string, fn func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error)) *reconcile.CreateResult {
	if l.err != nil {
		return nil
	}
	res, err := fn(reconcile.CreateOptions{ActorID: scenarioActor})
	if err != nil {
		l.err = fmt.Errorf("%s: %w", what, err)
		return nil
	}
	l.records++
	return res
}

func (l *scenarioLoader) accounts() {
	l.do("open client account", func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.OpenAccount(l.ctx, billing.Account{ID: scenarioClient, Kind: billing.AccountClient, Name: "Demo Client"}, opts)
	})
	l.do("open employee account", func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.OpenAccount(l.ctx, billing.Account{ID: scenarioEmployee, Kind: billing.AccountEmployee, Name: "Demo Employee"}, opts)
	})
}

func (l *scenarioLoader) receivable(id, amount, description string, day int) {
	l.do("create receivable "+id, func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.CreateReceivable(l.ctx, billing.Receivable{
			ID: billing.ReceivableID(id), ClientID: scenarioClient, Amount: generic.MustParseAmount(amount),
			Description: description, IssuedAt: scenarioDay(day),
		}, opts)
	})
}

func (l *scenarioLoader) payment(id, receivable, amount string, method billing.PaymentMethod, day int) {
	l.do("create payment "+id, func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.CreatePayment(l.ctx, billing.Payment{
			ID: billing.PaymentID(id), ReceivableID: billing.ReceivableID(receivable),
			Amount: generic.MustParseAmount(amount), Method: method, PaidAt: scenarioDay(day),
		}, opts)
	})
}

// creditReduction: credit 1000, 600 allocated.
func (l *scenarioLoader) creditReduction() {
	l.do("create credit cr-a", func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.CreateCredit(l.ctx, billing.Credit{
			ID: "cr-a", ClientID: scenarioClient, Amount: generic.MustParseAmount("1000"),
			Reason: "Prepaid retainer", GrantedAt: scenarioDay(1),
		}, opts)
	})
	l.receivable("rcv-a", "1000", "Quarterly bookkeeping", 2)
	l.do("create allocation al-a", func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.CreateAllocation(l.ctx, billing.Allocation{
			ID: "al-a", CreditID: "cr-a", ReceivableID: "rcv-a",
			Amount: generic.MustParseAmount("600"), AllocatedAt: scenarioDay(3),
		}, opts)
	})
}

// overpayment: invoice 1000 fully paid.
func (l *scenarioLoader) overpayment() {
	l.receivable("rcv-b", "1000", "Annual tax filing", 4)
	l.payment("pay-b", "rcv-b", "1000", billing.MethodTransfer, 5)
}

// invoiceDeletion: invoice paid in two parts.
func (l *scenarioLoader) invoiceDeletion() {
	l.receivable("rcv-c", "1000", "Payroll setup", 6)
	l.payment("pay-c1", "rcv-c", "300", billing.MethodCash, 7)
	l.payment("pay-c2", "rcv-c", "700", billing.MethodCard, 8)
}

// taskCascade: approved task with expenses and a 10% commission.
func (l *scenarioLoader) taskCascade() {
	created := l.do("create task task-d", func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.CreateTask(l.ctx, billing.Task{
			ID: "task-d", ClientID: scenarioClient, EmployeeID: scenarioEmployee, Title: "Financial audit",
			Amount: generic.MustParseAmount("1000"), ExpenseAmount: generic.MustParseAmount("200"),
			CommissionRate: decimal.RequireFromString("0.10"),
		}, opts)
	})
	if created == nil {
		return
	}
	l.do("approve task task-d", func(opts reconcile.CreateOptions) (*reconcile.CreateResult, error) {
		return l.engine.ApproveTask(l.ctx, "task-d", reconcile.ApproveTaskInput{
			ExpectedVersion: created.Version, ApprovedAt: scenarioDay(10),
		}, opts)
	})
}
