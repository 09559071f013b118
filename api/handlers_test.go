/*
handlers_test.go - HTTP tests for the checked-mutation endpoints

Tests for:
- 409 conflict payloads and their resolution endpoints (scenarios A-D)
- Error mapping: 422 incomplete, 409 concurrent/stale/duplicate, 400, 404
- dry_run previews and preview fingerprints
- Record creation and account ledgers
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
	"github.com/warp/reconciliation-engine/store/sqlstore"
)

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := sqlstore.Open(sqlstore.DriverSQLite3, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := reconcile.NewEngine(st, reconcile.WithClock(func() time.Time { return now }))
	h := NewHandler(engine, nil)
	return &testServer{t: t, handler: h, router: NewRouter(h, nil)}
}

func (s *testServer) load(scenario string) {
	s.t.Helper()
	require.NoError(s.t, s.handler.Load(context.Background(), scenario))
}

// do sends body as JSON and decodes the response into a map.
func (s *testServer) do(method, path string, body any) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (s *testServer) version(path string) float64 {
	s.t.Helper()
	code, body := s.do(http.MethodGet, path, nil)
	require.Equal(s.t, http.StatusOK, code, body)
	return body["version"].(float64)
}

func jsonNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mustAmount(s string) generic.Amount {
	return generic.MustParseAmount(s)
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data: %v", body)
	return d
}

// =============================================================================
// CONFLICT & RESOLUTION FLOWS
// =============================================================================

func TestCreditReduction_ConflictThenResolve(t *testing.T) {
	// GIVEN: credit cr-a of 1000 with 600 allocated
	s := newTestServer(t)
	s.load("credit-reduction")
	v := s.version("/api/credits/cr-a")

	// WHEN: the credit is reduced to 500
	code, body := s.do(http.MethodPut, "/api/credits/cr-a", map[string]any{"amount": 500, "version": v})

	// THEN: 409 with the deficit, the allocation and the strategies
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "credit_reduction_conflict", body["code"])
	d := data(t, body)
	assert.Equal(t, 100.0, d["deficit"])
	assert.Equal(t, 600.0, d["allocated_amount"])
	assert.Len(t, d["allocations"], 1)
	assert.Contains(t, d["resolution_options"], "manual_resolution")

	// WHEN: resolved by reducing the allocation to 500
	code, body = s.do(http.MethodPost, "/api/credits/cr-a/resolve-reduction", map[string]any{
		"new_amount": 500,
		"version":    v,
		"allocation_adjustments": []map[string]any{
			{"allocation_id": "al-a", "action": "reduce_allocation", "new_amount": 500},
		},
	})
	require.Equal(t, http.StatusOK, code, body)

	// THEN: the credit is 500 and fully allocated
	code, body = s.do(http.MethodGet, "/api/credits/cr-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 500.0, body["amount"])
	assert.Equal(t, 500.0, body["allocated_amount"])
	assert.Equal(t, 0.0, body["available_amount"])
}

func TestOverpayment_AutoResolveConvertsToCredit(t *testing.T) {
	// GIVEN: invoice rcv-b of 1000 fully paid
	s := newTestServer(t)
	s.load("overpayment")
	v := s.version("/api/receivables/rcv-b")

	// WHEN: reduced to 800
	code, body := s.do(http.MethodPut, "/api/receivables/rcv-b", map[string]any{"amount": 800, "version": v})

	// THEN: overpayment with a surplus of 200
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "overpayment_detected", body["code"])
	d := data(t, body)
	assert.Equal(t, 200.0, d["surplus"])
	assert.Equal(t, 1000.0, d["total_paid"])
	assert.Len(t, d["payments"], 1)

	// WHEN: the surplus is converted to credit
	code, body = s.do(http.MethodPost, "/api/receivables/rcv-b/auto-resolve-overpayment", map[string]any{
		"new_amount":      800,
		"version":         v,
		"resolution_type": "convert_surplus_to_credit",
	})
	require.Equal(t, http.StatusOK, code, body)
	consequences := body["consequences"].(map[string]any)
	require.Len(t, consequences["created_credits"], 1)
	created := consequences["created_credits"].([]any)[0].(map[string]any)
	assert.Equal(t, 200.0, created["amount"])

	// THEN: the invoice is paid with nothing remaining
	_, body = s.do(http.MethodGet, "/api/receivables/rcv-b", nil)
	assert.Equal(t, 0.0, body["remaining_amount"])
	assert.Equal(t, "paid", body["status"])
}

func TestInvoiceDeletion_ResolveWithDecisions(t *testing.T) {
	// GIVEN: invoice rcv-c with two payments
	s := newTestServer(t)
	s.load("invoice-deletion")
	v := s.version("/api/receivables/rcv-c")

	// WHEN: deletion is attempted with the version in the query
	code, body := s.do(http.MethodDelete, "/api/receivables/rcv-c?version="+jsonNumber(v), nil)

	// THEN: the conflict lists both payments
	require.Equal(t, http.StatusConflict, code, body)
	assert.Equal(t, "deletion_conflict_financial_records_exist", body["code"])
	assert.Len(t, data(t, body)["payments"], 2)

	// WHEN: both payments are deleted
	code, body = s.do(http.MethodPost, "/api/receivables/rcv-c/resolve-deletion", map[string]any{
		"version": v,
		"payment_decisions": []map[string]any{
			{"payment_id": "pay-c1", "action": "delete"},
			{"payment_id": "pay-c2", "action": "delete"},
		},
	})
	require.Equal(t, http.StatusOK, code, body)

	// THEN: the invoice is deleted
	_, body = s.do(http.MethodGet, "/api/receivables/rcv-c", nil)
	assert.NotNil(t, body["deleted_at"])
	_, body = s.do(http.MethodGet, "/api/accounts/"+scenarioClient, nil)
	assert.Equal(t, 0.0, body["balance"])
}

func TestTaskCascade_ReportsCommissionDifference(t *testing.T) {
	// GIVEN: approved task task-d, 1000 with 200 expenses at 10%
	s := newTestServer(t)
	s.load("task-cascade")
	code, task := s.do(http.MethodGet, "/api/tasks/task-d", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, task["commissions"], 1)
	assert.Equal(t, 80.0, task["commissions"].([]any)[0].(map[string]any)["amount"])

	// WHEN: the amount is cascaded to 1200
	code, body := s.do(http.MethodPost, "/api/cascade/task/task-d/amount", map[string]any{
		"amount": 1200, "version": task["version"],
	})

	// THEN: the commission moves by 20
	require.Equal(t, http.StatusOK, code, body)
	affected := body["consequences"].(map[string]any)["commissions_affected"].([]any)
	require.Len(t, affected, 1)
	assert.Equal(t, 20.0, affected[0].(map[string]any)["commission_difference"])

	_, task = s.do(http.MethodGet, "/api/tasks/task-d", nil)
	assert.Equal(t, 1000.0, task["net_earning"])
	assert.Equal(t, 100.0, task["commissions"].([]any)[0].(map[string]any)["amount"])
}

func TestCascadeTask_UnknownFieldIs404(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(http.MethodPost, "/api/cascade/task/task-d/colour", map[string]any{"amount": 1, "version": 1})
	assert.Equal(t, http.StatusNotFound, code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestIncompleteResolution_Returns422(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")
	v := s.version("/api/credits/cr-a")

	code, body := s.do(http.MethodPost, "/api/credits/cr-a/resolve-reduction", map[string]any{
		"new_amount": 500,
		"version":    v,
		"allocation_adjustments": []map[string]any{
			{"allocation_id": "al-a", "action": "reduce_allocation", "new_amount": 550},
		},
	})

	require.Equal(t, http.StatusUnprocessableEntity, code, body)
	assert.Equal(t, "incomplete_resolution", body["code"])
	assert.Equal(t, 50.0, data(t, body)["uncovered"])

	_, credit := s.do(http.MethodGet, "/api/credits/cr-a", nil)
	assert.Equal(t, 1000.0, credit["amount"], "nothing applied")
}

func TestResolveEndpoint_RequiresAPlan(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")
	code, _ := s.do(http.MethodPost, "/api/credits/cr-a/resolve-reduction", map[string]any{"new_amount": 500, "version": 1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConcurrentModification_Returns409WithCurrent(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")

	code, body := s.do(http.MethodPut, "/api/credits/cr-a", map[string]any{"amount": 900, "version": 99})

	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "concurrent_modification", body["code"])
	current := data(t, body)["current"].(map[string]any)
	assert.Equal(t, "cr-a", current["id"])
	assert.Equal(t, 1000.0, current["amount"])
}

func TestValidationError_Returns400(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")
	v := s.version("/api/credits/cr-a")

	code, body := s.do(http.MethodPut, "/api/credits/cr-a", map[string]any{"amount": -5, "version": v})

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["code"])
	assert.Equal(t, "amount", data(t, body)["field"])
}

func TestMissingAmount_Returns400AndChangesNothing(t *testing.T) {
	// GIVEN: a credit of 1000 and an approved task
	s := newTestServer(t)
	s.load("all")
	v := s.version("/api/credits/cr-a")
	tv := s.version("/api/tasks/task-d")

	// WHEN: changes are sent with a version but no amount
	requests := []struct {
		path string
		body map[string]any
	}{
		{"/api/credits/cr-a", map[string]any{"version": v}},
		{"/api/cascade/task/task-d/amount", map[string]any{"version": tv}},
		{"/api/invoices/validate", map[string]any{"target_id": "rcv-b", "version": 1}},
		{"/api/reconcile/check", map[string]any{"kind": "credit_amount", "target_id": "cr-a", "expected_version": v}},
		{"/api/reconcile/commit", map[string]any{
			"mutation": map[string]any{"kind": "credit_amount", "target_id": "cr-a", "expected_version": v},
		}},
	}
	for _, r := range requests {
		method := http.MethodPost
		if r.path == "/api/credits/cr-a" {
			method = http.MethodPut
		}
		code, body := s.do(method, r.path, r.body)

		// THEN: each is rejected as invalid input
		assert.Equalf(t, http.StatusBadRequest, code, "%s: %v", r.path, body)
		assert.Equalf(t, "validation_error", body["code"], r.path)
		assert.Equalf(t, "amount", data(t, body)["field"], r.path)
	}

	// THEN: the records are untouched
	_, credit := s.do(http.MethodGet, "/api/credits/cr-a", nil)
	assert.Equal(t, 1000.0, credit["amount"])
	assert.Equal(t, v, credit["version"])
	assert.Equal(t, tv, s.version("/api/tasks/task-d"))
}

func TestCommit_WithoutWarningsReturnsEmptyList(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")
	v := s.version("/api/credits/cr-a")

	code, body := s.do(http.MethodPut, "/api/credits/cr-a", map[string]any{"amount": 1200, "version": v})

	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []any{}, body["warnings"])
}

func TestMissingRecord_Returns404(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/api/credits/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])
}

func TestDuplicateIdempotencyKey_Returns409(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")
	v := s.version("/api/credits/cr-a")

	code, body := s.do(http.MethodPut, "/api/credits/cr-a", map[string]any{"amount": 1200, "version": v, "idempotency_key": "edit-1"})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.do(http.MethodPut, "/api/credits/cr-a", map[string]any{"amount": 1300, "version": body["version"], "idempotency_key": "edit-1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate_request", body["code"])
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestValidateInvoice_PreviewThenCommitWithFingerprint(t *testing.T) {
	// GIVEN: the overpayment scenario
	s := newTestServer(t)
	s.load("overpayment")
	v := s.version("/api/receivables/rcv-b")

	// WHEN: the conversion is previewed
	code, report := s.do(http.MethodPost, "/api/invoices/validate", map[string]any{
		"target_id": "rcv-b", "new_amount": 800, "version": v, "strategy": "convert_surplus_to_credit",
	})

	// THEN: the report carries consequences and a fingerprint, nothing is written
	require.Equal(t, http.StatusOK, code, report)
	assert.Empty(t, report["errors"])
	fingerprint, _ := report["preview_fingerprint"].(string)
	require.NotEmpty(t, fingerprint)
	assert.Equal(t, v, s.version("/api/receivables/rcv-b"))

	// WHEN: committed with a wrong fingerprint
	code, body := s.do(http.MethodPost, "/api/receivables/rcv-b/auto-resolve-overpayment", map[string]any{
		"new_amount": 800, "version": v, "resolution_type": "convert_surplus_to_credit", "preview_fingerprint": "stale",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "stale_preview", body["code"])

	// WHEN: committed with the previewed fingerprint
	code, body = s.do(http.MethodPost, "/api/receivables/rcv-b/auto-resolve-overpayment", map[string]any{
		"new_amount": 800, "version": v, "resolution_type": "convert_surplus_to_credit", "preview_fingerprint": fingerprint,
	})
	require.Equal(t, http.StatusOK, code, body)
	previewed := report["consequences"].(map[string]any)["created_credits"].([]any)
	committed := body["consequences"].(map[string]any)["created_credits"].([]any)
	require.Len(t, committed, 1)
	assert.Equal(t, previewed[0].(map[string]any)["amount"], committed[0].(map[string]any)["amount"])
}

func TestValidateTask_BlockedChangeIsReportedAsError(t *testing.T) {
	s := newTestServer(t)
	s.load("task-cascade")
	_, task := s.do(http.MethodGet, "/api/tasks/task-d", nil)

	code, report := s.do(http.MethodPost, "/api/tasks/validate", map[string]any{
		"target_id": "task-d", "field": "prepaid", "amount": 5000, "version": task["version"],
	})

	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, report["errors"])
}

func TestUpdatePayment_IncreaseOverpays(t *testing.T) {
	s := newTestServer(t)
	s.load("invoice-deletion")
	_, rcv := s.do(http.MethodGet, "/api/receivables/rcv-c", nil)
	var version any
	for _, p := range rcv["payments"].([]any) {
		if p.(map[string]any)["id"] == "pay-c1" {
			version = p.(map[string]any)["version"]
		}
	}

	code, body := s.do(http.MethodPut, "/api/payments/pay-c1", map[string]any{"amount": 400, "version": version})

	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "overpayment_detected", body["code"])
	assert.Equal(t, 100.0, data(t, body)["surplus"])
}

// =============================================================================
// RAW ENGINE ENDPOINTS
// =============================================================================

func TestEngineEndpoints_CheckAndResolve(t *testing.T) {
	s := newTestServer(t)
	s.load("credit-reduction")
	v := s.version("/api/credits/cr-a")
	m := map[string]any{"kind": "credit_amount", "target_id": "cr-a", "amount": 500, "expected_version": v}

	code, check := s.do(http.MethodPost, "/api/reconcile/check", m)
	require.Equal(t, http.StatusOK, code, check)
	assert.Equal(t, false, check["ok"])
	assert.Equal(t, "credit_reduction_conflict", check["conflict"].(map[string]any)["kind"])

	code, offer := s.do(http.MethodPost, "/api/reconcile/resolve", m)
	require.Equal(t, http.StatusOK, code, offer)
	options := offer["resolution_options"].(map[string]any)
	assert.Contains(t, options, "auto_reduce_payments")
	convert := options["convert_surplus_to_credit"].(map[string]any)
	assert.Equal(t, false, convert["available"])
}

// =============================================================================
// CREATION & ACCOUNTS
// =============================================================================

func TestCreateRecords_AccountLedger(t *testing.T) {
	// GIVEN: a new client
	s := newTestServer(t)
	code, body := s.do(http.MethodPost, "/api/accounts", map[string]any{"id": "acme", "kind": "client", "name": "Acme"})
	require.Equal(t, http.StatusCreated, code, body)

	// WHEN: invoiced 1000 and paid 400
	code, body = s.do(http.MethodPost, "/api/receivables", map[string]any{
		"id": "inv-1", "client_id": "acme", "amount": 1000, "issued_at": "2026-02-01",
	})
	require.Equal(t, http.StatusCreated, code, body)
	code, body = s.do(http.MethodPost, "/api/receivables/inv-1/payments", map[string]any{
		"amount": 400, "method": "transfer", "paid_at": "2026-02-03",
	})
	require.Equal(t, http.StatusCreated, code, body)

	// THEN: the invoice is partially paid and the client owes 600
	_, rcv := s.do(http.MethodGet, "/api/receivables/inv-1", nil)
	assert.Equal(t, "partially_paid", rcv["status"])
	assert.Equal(t, 600.0, rcv["remaining_amount"])

	_, acct := s.do(http.MethodGet, "/api/accounts/acme", nil)
	assert.Equal(t, -600.0, acct["balance"])
	assert.Nil(t, acct["drift"])

	_, acct = s.do(http.MethodGet, "/api/accounts/acme?as_of=2000-01-01", nil)
	assert.Equal(t, 0.0, acct["balance_as_of"])
	_, acct = s.do(http.MethodGet, "/api/accounts/acme?as_of=2099-12-31", nil)
	assert.Equal(t, -600.0, acct["balance_as_of"])

	_, ledger := s.do(http.MethodGet, "/api/accounts/acme/transactions", nil)
	txs := ledger["transactions"].([]any)
	require.Len(t, txs, 2)
	assert.Equal(t, -600.0, txs[1].(map[string]any)["balance_after"])
}

func TestCreatePayment_DryRunWritesNothing(t *testing.T) {
	s := newTestServer(t)
	s.load("invoice-deletion")
	s.do(http.MethodPost, "/api/receivables", map[string]any{
		"id": "inv-2", "client_id": scenarioClient, "amount": 100, "issued_at": "2026-02-01",
	})

	code, body := s.do(http.MethodPost, "/api/receivables/inv-2/payments", map[string]any{
		"amount": 100, "method": "cash", "dry_run": true,
	})

	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["dry_run"])
	_, rcv := s.do(http.MethodGet, "/api/receivables/inv-2", nil)
	assert.Equal(t, "unpaid", rcv["status"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconcile_engine_previews_total")
}

// =============================================================================
// REQUEST MAPPING
// =============================================================================

func TestBuildRequest_MergesDecisionsAndDefaultsToManual(t *testing.T) {
	amount := mustAmount("50")
	req := buildRequest(reconcile.ReceivableDelete, "rcv-1", MutationRequest{
		Version:             3,
		PaymentDecisions:    []DecisionDTO{{PaymentID: "pay-1", Action: reconcile.ActionDelete}},
		AllocationDecisions: []DecisionDTO{{ID: "al-1", Action: reconcile.ActionReduceAllocation, NewAmount: &amount}},
	})

	require.NotNil(t, req.Resolution)
	assert.Equal(t, reconcile.StrategyManual, req.Resolution.Strategy)
	require.Len(t, req.Resolution.Decisions, 2)
	assert.Equal(t, reconcile.DependentAllocation, req.Resolution.Decisions[0].Kind)
	assert.Equal(t, reconcile.DependentPayment, req.Resolution.Decisions[1].Kind)
	assert.Equal(t, int64(3), req.Mutation.ExpectedVersion)
	assert.False(t, req.dryRun)
}

func TestBuildRequest_NoPlanMeansNoResolution(t *testing.T) {
	amount := mustAmount("800")
	req := buildRequest(reconcile.ReceivableAmount, "rcv-1", MutationRequest{Amount: &amount, Version: 1})
	assert.Nil(t, req.Resolution)
	assert.True(t, req.Mutation.Amount.Equal(amount))
}

func TestAmountRequired_OnlyForAmountChanges(t *testing.T) {
	assert.ErrorIs(t, amountRequired(reconcile.CreditAmount, false), generic.ErrValidation)
	assert.ErrorIs(t, amountRequired(reconcile.TaskExpense, false), generic.ErrValidation)
	assert.NoError(t, amountRequired(reconcile.CreditAmount, true))
	assert.NoError(t, amountRequired(reconcile.ReceivableDelete, false))
	assert.NoError(t, amountRequired("bogus", false), "unknown kinds are reported by the engine")
}
