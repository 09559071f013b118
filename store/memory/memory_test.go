package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

func TestWithTx_RestoresStateOnError(t *testing.T) {
	// GIVEN: a store with one credit
	m := New()
	ctx := context.Background()
	require.NoError(t, m.SaveCredit(ctx, billing.Credit{ID: "cr-1", ClientID: "c-1", Amount: generic.MustParseAmount("100"), Version: 1}))

	// WHEN: a transaction changes it, appends to the ledger, then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.SaveCredit(ctx, billing.Credit{ID: "cr-1", ClientID: "c-1", Amount: generic.MustParseAmount("50"), Version: 2}))
		require.NoError(t, tx.Append(ctx, generic.Transaction{ID: "tx-1", AccountID: "c-1", Delta: generic.MustParseAmount("-50"), Type: generic.TxAdjustment}))
		c, err := tx.GetCredit(ctx, "cr-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Version, "the transaction sees its own writes")
		return boom
	})

	// THEN: the store is as before
	assert.ErrorIs(t, err, boom)
	c, err := m.GetCredit(ctx, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)
	txs, err := m.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestWithTx_RestoresStateOnPanic(t *testing.T) {
	// GIVEN: a store with one credit
	m := New()
	ctx := context.Background()
	require.NoError(t, m.SaveCredit(ctx, billing.Credit{ID: "cr-1", ClientID: "c-1", Amount: generic.MustParseAmount("100"), Version: 1}))

	// WHEN: a transaction writes, then panics
	assert.PanicsWithValue(t, "mid-cascade", func() {
		_ = m.WithTx(ctx, func(tx billing.Store) error {
			require.NoError(t, tx.SaveCredit(ctx, billing.Credit{ID: "cr-1", ClientID: "c-1", Amount: generic.MustParseAmount("0"), Version: 2}))
			panic("mid-cascade")
		})
	})

	// THEN: the write is undone and the store is still usable
	c, err := m.GetCredit(ctx, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)
	assert.True(t, c.Amount.Equal(generic.MustParseAmount("100")))
}

func TestGet_ReturnsCopies(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.SavePayment(ctx, billing.Payment{ID: "pay-1", ReceivableID: "rcv-1", Amount: generic.MustParseAmount("10"), Version: 1}))

	p, err := m.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	p.Amount = generic.MustParseAmount("999")

	again, err := m.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, again.Amount.Equal(generic.MustParseAmount("10")))

	missing, err := m.GetPayment(ctx, "pay-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAppend_KeepsEffectiveOrder(t *testing.T) {
	m := New()
	ctx := context.Background()
	later := generic.NewTimePoint(2026, time.March, 10)
	earlier := generic.NewTimePoint(2026, time.March, 1)

	require.NoError(t, m.Append(ctx, generic.Transaction{ID: "tx-late", AccountID: "c-1", EffectiveAt: later, Delta: generic.MustParseAmount("1")}))
	require.NoError(t, m.Append(ctx, generic.Transaction{ID: "tx-early", AccountID: "c-1", EffectiveAt: earlier, Delta: generic.MustParseAmount("2")}))

	txs, err := m.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, generic.TransactionID("tx-early"), txs[0].ID)
}

func TestAppendBatch_RejectsDuplicateKeysAtomically(t *testing.T) {
	m := New()
	ctx := context.Background()

	err := m.AppendBatch(ctx, []generic.Transaction{
		{ID: "tx-1", AccountID: "c-1", IdempotencyKey: "k"},
		{ID: "tx-2", AccountID: "c-1", IdempotencyKey: "k"},
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	txs, err := m.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestAudit_IdempotencyAndFilter(t *testing.T) {
	m := New()
	ctx := context.Background()
	entry := generic.AuditEntry{ID: "a-1", ActorID: "ops", Action: generic.AuditRecordDeleted, TargetKind: "credit", TargetID: "cr-1", IdempotencyKey: "req-1"}

	require.NoError(t, m.AppendAudit(ctx, entry))
	entry.ID = "a-2"
	assert.ErrorIs(t, m.AppendAudit(ctx, entry), generic.ErrDuplicateIdempotencyKey)

	seen, err := m.AuditExists(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, seen)

	actor := "someone-else"
	entries, err := m.QueryAudit(ctx, generic.AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceivableByTask_IgnoresDeleted(t *testing.T) {
	m := New()
	ctx := context.Background()
	day := generic.NewTimePoint(2026, time.March, 1)
	require.NoError(t, m.SaveReceivable(ctx, billing.Receivable{ID: "rcv-1", ClientID: "c-1", TaskID: "task-1", DeletedAt: &day}))

	r, err := m.GetReceivableByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, r)
}
