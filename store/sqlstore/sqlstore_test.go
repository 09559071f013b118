package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(DriverSQLite3, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func amt(s string) generic.Amount { return generic.MustParseAmount(s) }

// =============================================================================
// SCHEMA & DIALECT
// =============================================================================

func TestMigrate_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Migrate(context.Background()))

	for _, table := range []string{"transactions", "audit_log", "accounts", "credits", "allocations", "receivables", "payments", "tasks", "commissions"} {
		var count int
		err := st.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equalf(t, 1, count, "table %s", table)
	}
}

func TestRebind_PostgresPlaceholders(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)",
		pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestParseDriver(t *testing.T) {
	d, err := ParseDriver("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite3, d)

	d, err = ParseDriver("postgresql")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, d)

	_, err = ParseDriver("oracle")
	assert.Error(t, err)
}

func TestOpen_PureGoDriver(t *testing.T) {
	st, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.SaveAccount(ctx, billing.Account{ID: "c-1", Kind: billing.AccountClient, Name: "Acme", CachedBalance: generic.Zero(), Version: 1}))
	a, err := st.GetAccount(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Acme", a.Name)
}

// =============================================================================
// RECORDS
// =============================================================================

func TestGet_MissingRecordIsNil(t *testing.T) {
	st := newTestStore(t)
	c, err := st.GetCredit(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSaveCredit_UpsertsAndKeepsDeletedRecords(t *testing.T) {
	// GIVEN: a stored credit
	st := newTestStore(t)
	ctx := context.Background()
	created := generic.Instant(time.Date(2026, 3, 1, 9, 30, 0, 123, time.UTC))
	c := billing.Credit{
		ID: "cr-1", ClientID: "c-1", Amount: amt("1000.50"), Reason: "goodwill",
		GrantedAt: generic.NewTimePoint(2026, time.February, 1), Version: 1, CreatedAt: created,
	}
	require.NoError(t, st.SaveCredit(ctx, c))

	// WHEN: it is reduced and soft-deleted
	deletedAt := generic.Instant(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	c.Amount = amt("400")
	c.Version = 2
	c.DeletedAt = &deletedAt
	require.NoError(t, st.SaveCredit(ctx, c))

	// THEN: one row, with the new amount and the deletion
	got, err := st.GetCredit(ctx, "cr-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(amt("400")))
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Deleted())
	assert.True(t, got.GrantedAt.Equal(c.GrantedAt))
	assert.True(t, got.CreatedAt.Time.Equal(created.Time), "nanoseconds survive")
	assert.Equal(t, generic.GranularityInstant, got.CreatedAt.Granularity)

	all, err := st.ListCreditsByClient(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSave_RejectsStaleVersion(t *testing.T) {
	for _, driver := range []Driver{DriverSQLite3, DriverSQLite} {
		t.Run(string(driver), func(t *testing.T) {
			st, err := Open(driver, ":memory:")
			require.NoError(t, err)
			defer st.Close()
			ctx := context.Background()

			// GIVEN: a credit that one writer moved from version 1 to 2
			c := billing.Credit{ID: "cr-1", ClientID: "c-1", Amount: amt("1000"), Version: 1}
			require.NoError(t, st.SaveCredit(ctx, c))
			first := c
			first.Amount, first.Version = amt("800"), 2
			require.NoError(t, st.SaveCredit(ctx, first))

			// WHEN: a second writer that also read version 1 saves its version 2
			second := c
			second.Amount, second.Version = amt("0"), 2
			err = st.SaveCredit(ctx, second)

			// THEN: rejected with the stored version, the first write survives
			require.ErrorIs(t, err, generic.ErrConcurrentModification)
			var concurrent *generic.ConcurrentModificationError
			require.True(t, errors.As(err, &concurrent))
			assert.Equal(t, int64(1), concurrent.ExpectedVersion)
			assert.Equal(t, int64(2), concurrent.ActualVersion)

			got, err := st.GetCredit(ctx, "cr-1")
			require.NoError(t, err)
			assert.True(t, got.Amount.Equal(amt("800")))

			// AND: accounts follow the same rule
			acct := billing.Account{ID: "c-1", Kind: billing.AccountClient, CachedBalance: generic.Zero(), Version: 1}
			require.NoError(t, st.SaveAccount(ctx, acct))
			err = st.SaveAccount(ctx, acct)
			assert.ErrorIs(t, err, generic.ErrConcurrentModification)
		})
	}
}

func TestGetReceivableByTask_SkipsDeleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	day := generic.NewTimePoint(2026, time.March, 1)

	require.NoError(t, st.SaveReceivable(ctx, billing.Receivable{
		ID: "rcv-old", ClientID: "c-1", TaskID: "task-1", Amount: amt("10"), IssuedAt: day, Version: 2, DeletedAt: &day,
	}))
	require.NoError(t, st.SaveReceivable(ctx, billing.Receivable{
		ID: "rcv-new", ClientID: "c-1", TaskID: "task-1", Amount: amt("20"), IssuedAt: day, Version: 1,
	}))

	r, err := st.GetReceivableByTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, billing.ReceivableID("rcv-new"), r.ID)
}

func TestSaveTask_KeepsRateAndApproval(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	approved := generic.NewTimePoint(2026, time.March, 5)

	require.NoError(t, st.SaveTask(ctx, billing.Task{
		ID: "task-1", ClientID: "c-1", EmployeeID: "e-1", Title: "Audit",
		Amount: amt("1000"), PrepaidAmount: amt("300"), ExpenseAmount: amt("200"),
		CommissionRate: decimal.RequireFromString("0.125"), Status: billing.TaskApproved,
		ApprovedAt: &approved, Version: 2,
	}))

	got, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CommissionRate.Equal(decimal.RequireFromString("0.125")))
	assert.True(t, got.Approved())
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approved))
	assert.True(t, billing.NetEarning(*got).Equal(amt("800")))
}

// =============================================================================
// LEDGER & AUDIT
// =============================================================================

func TestAppendBatch_DuplicateIdempotencyKeyWritesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	day := generic.NewTimePoint(2026, time.March, 1)

	require.NoError(t, st.Append(ctx, generic.Transaction{
		ID: "tx-1", AccountID: "c-1", EffectiveAt: day, Delta: amt("100"), Type: generic.TxPayment,
		ReferenceID: "pay-1", ReferenceKind: "payment", IdempotencyKey: "k-1",
		Metadata: map[string]string{"origin": "test"},
	}))

	err := st.AppendBatch(ctx, []generic.Transaction{
		{ID: "tx-2", AccountID: "c-1", EffectiveAt: day, Delta: amt("5"), Type: generic.TxPayment},
		{ID: "tx-3", AccountID: "c-1", EffectiveAt: day, Delta: amt("7"), Type: generic.TxPayment, IdempotencyKey: "k-1"},
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	txs, err := st.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "test", txs[0].Metadata["origin"])

	exists, err := st.Exists(ctx, "k-1")
	require.NoError(t, err)
	assert.True(t, exists)

	byRef, err := st.LoadByReference(ctx, "pay-1")
	require.NoError(t, err)
	assert.Len(t, byRef, 1)
}

func TestQueryAudit_Filters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := generic.Instant(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, st.AppendAudit(ctx, generic.AuditEntry{
		ID: "a-1", Timestamp: at, ActorID: "ops", Action: generic.AuditResolutionCommitted,
		TargetKind: "receivable", TargetID: "rcv-1", IdempotencyKey: "req-1",
		Payload: map[string]any{"strategy": "auto_reduce_latest"},
	}))
	require.NoError(t, st.AppendAudit(ctx, generic.AuditEntry{
		ID: "a-2", Timestamp: at, ActorID: "ops", Action: generic.AuditRecordUpdated,
		TargetKind: "credit", TargetID: "cr-1",
	}))
	err := st.AppendAudit(ctx, generic.AuditEntry{ID: "a-3", Timestamp: at, Action: generic.AuditRecordUpdated, TargetKind: "credit", TargetID: "cr-1", IdempotencyKey: "req-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	target := "rcv-1"
	entries, err := st.QueryAudit(ctx, generic.AuditFilter{TargetID: &target})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "auto_reduce_latest", entries[0].Payload["strategy"])

	entries, err = st.QueryAudit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditRecordUpdated, generic.AuditResolutionCommitted}})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	later := generic.Instant(at.Time.Add(time.Hour))
	entries, err = st.QueryAudit(ctx, generic.AuditFilter{From: &later})
	require.NoError(t, err)
	assert.Empty(t, entries)

	seen, err := st.AuditExists(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that writes and then fails
	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.SaveAccount(ctx, billing.Account{ID: "c-1", Kind: billing.AccountClient, Name: "Acme", CachedBalance: generic.Zero(), Version: 1}))
		require.NoError(t, tx.Append(ctx, generic.Transaction{ID: "tx-1", AccountID: "c-1", Delta: amt("1"), Type: generic.TxPayment}))

		// reads inside the transaction see its own writes
		a, err := tx.GetAccount(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, a)
		return boom
	})

	// THEN: nothing was kept
	assert.ErrorIs(t, err, boom)
	a, err := st.GetAccount(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, a)
	txs, err := st.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReset_ClearsEverything(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveAccount(ctx, billing.Account{ID: "c-1", Kind: billing.AccountClient, CachedBalance: generic.Zero(), Version: 1}))

	require.NoError(t, st.Reset(ctx))

	accounts, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

// =============================================================================
// ENGINE ON SQL
// =============================================================================

func TestEngine_OverpaymentConvertedOnSQL(t *testing.T) {
	// GIVEN: an invoice of 1000 paid in full, stored in SQLite
	st := newTestStore(t)
	ctx := context.Background()
	e := reconcile.NewEngine(st)

	_, err := e.OpenAccount(ctx, billing.Account{ID: "c-1", Kind: billing.AccountClient, Name: "Acme"}, reconcile.CreateOptions{})
	require.NoError(t, err)
	_, err = e.CreateReceivable(ctx, billing.Receivable{ID: "rcv-1", ClientID: "c-1", Amount: amt("1000"), IssuedAt: generic.NewTimePoint(2026, time.February, 1)}, reconcile.CreateOptions{})
	require.NoError(t, err)
	_, err = e.CreatePayment(ctx, billing.Payment{ID: "pay-1", ReceivableID: "rcv-1", Amount: amt("1000"), Method: billing.MethodCash, PaidAt: generic.NewTimePoint(2026, time.February, 2)}, reconcile.CreateOptions{})
	require.NoError(t, err)

	// WHEN: the invoice drops to 800 and the surplus becomes credit
	res, err := e.Commit(ctx, reconcile.Request{
		Mutation:   reconcile.Mutation{Kind: reconcile.ReceivableAmount, TargetID: "rcv-1", Amount: amt("800"), ExpectedVersion: 1},
		Resolution: &reconcile.Resolution{Strategy: reconcile.StrategyConvertToCredit},
	})
	require.NoError(t, err)

	// THEN: the records and the ledger agree
	require.Len(t, res.Consequences.CreatedCredits, 1)
	summary, err := e.ReceivableSummary(ctx, "rcv-1")
	require.NoError(t, err)
	assert.True(t, summary.Paid.Equal(amt("800")))

	balance, err := e.AccountBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, balance.Drift)
	assert.True(t, balance.Balance.Total.Equal(amt("200")), "got %s", balance.Balance.Total)
}
