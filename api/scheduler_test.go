package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
	"github.com/warp/reconciliation-engine/store/memory"
)

func TestBalanceAudit_RepairsDrift(t *testing.T) {
	// GIVEN: a loaded scenario whose client balance cache was corrupted
	ctx := context.Background()
	st := memory.New()
	engine := reconcile.NewEngine(st)
	require.NoError(t, NewHandler(engine, nil).Load(ctx, "overpayment"))

	acct, err := st.GetAccount(ctx, scenarioClient)
	require.NoError(t, err)
	acct.CachedBalance = generic.MustParseAmount("250")
	require.NoError(t, st.SaveAccount(ctx, *acct))

	s := NewBalanceAuditScheduler(engine, nil)

	// WHEN: the audit runs
	drifts := s.RunOnce(ctx)

	// THEN: the one drift is reported and repaired
	require.Len(t, drifts, 1)
	assert.Equal(t, generic.AccountID(scenarioClient), drifts[0].AccountID)
	assert.True(t, drifts[0].Cached.Equal(generic.MustParseAmount("250")))
	assert.True(t, drifts[0].Recomputed.IsZero())

	assert.Empty(t, s.RunOnce(ctx), "second run finds nothing")
	last, lastDrifts := s.LastRun()
	assert.False(t, last.IsZero())
	assert.Empty(t, lastDrifts)
}

func TestBalanceAudit_StartStop(t *testing.T) {
	s := NewBalanceAuditScheduler(reconcile.NewEngine(memory.New()), nil)
	s.CheckInterval = time.Hour

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	last, _ := s.LastRun()
	assert.False(t, last.IsZero(), "runs once on start")
}

func TestBalanceAudit_DisabledDoesNotRun(t *testing.T) {
	s := NewBalanceAuditScheduler(reconcile.NewEngine(memory.New()), nil)
	s.Enabled = false

	s.Start()
	s.Stop()

	last, _ := s.LastRun()
	assert.True(t, last.IsZero())
}
