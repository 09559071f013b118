/*
engine.go - ReconciliationEngine: check, resolve, preview, commit

PURPOSE:
  The single entry point for checked mutations. It owns the store
  transaction: everything a commit reads and writes happens inside one
  WithTx, so the version check, the live re-check of the invariants and the
  writes are atomic.

PROTOCOL:
  1. Check    - is the mutation safe? If not, the conflict and its gap
  2. Resolve  - the strategies available for that conflict
  3. Preview  - the full consequences of mutation + resolution, no writes
  4. Commit   - re-check against live data, apply, persist, publish

  Preview and Commit run the same Executor. A commit may carry the
  fingerprint returned by the preview; if any record read has changed since,
  the commit fails with ErrStalePreview instead of applying a plan computed
  from old numbers.

FAILURES (Commit):
  *ConflictError                       conflict, no resolution given
  *generic.IncompleteResolutionError   plan does not cover the gap
  *generic.ConcurrentModificationError target version moved
  *generic.ValidationError             malformed mutation or decision
  ErrStalePreview                      fingerprint mismatch
  ErrNothingToResolve                  resolution given, no conflict left
  ErrDuplicateIdempotencyKey           request already applied

SEE ALSO:
  - cascade.go: What a run changes
  - create.go: Record creation and task approval
  - queries.go: Read side (summaries, balances)
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/events"
	"github.com/warp/reconciliation-engine/generic"
)

// ReconciliationEngine is the checked-mutation protocol.
type ReconciliationEngine interface {
	Check(ctx context.Context, m Mutation) (*CheckResult, error)
	Resolve(ctx context.Context, m Mutation) (*ResolutionOffer, error)
	Preview(ctx context.Context, req Request) (*PreviewReport, error)
	Commit(ctx context.Context, req Request) (*CommitResult, error)
}

// ResolutionOffer is a conflict with the strategies that can resolve it.
type ResolutionOffer struct {
	Conflict *Conflict        `json:"conflict"`
	Options  []StrategyOption `json:"resolution_options"`
}

// CommitResult is what a successful commit did.
type CommitResult struct {
	Consequences  Consequences `json:"consequences"`
	Warnings      []string     `json:"warnings"`
	Plan          *Plan        `json:"plan,omitempty"`
	TargetVersion int64        `json:"version"`
	Fingerprint   string       `json:"fingerprint"`
	AuditID       string       `json:"audit_id"`
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     billing.Store
	executor  *Executor
	publisher events.Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

var _ ReconciliationEngine = (*Engine)(nil)

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock fixes the clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(st billing.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor = NewExecutor(e.clock)
	return e
}

// Store exposes the underlying record store (read side, scenario loading).
func (e *Engine) Store() billing.Store {
	return e.store
}

// =============================================================================
// CHECK & RESOLVE
// =============================================================================

// Check runs the invariant check on current data. It never writes.
func (e *Engine) Check(ctx context.Context, m Mutation) (*CheckResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	ws, err := Load(ctx, e.store, m)
	if err != nil {
		return nil, err
	}
	res, err := Check(m, ws)
	if err != nil {
		return nil, err
	}
	if res.Conflict != nil {
		e.conflictDetected(res.Conflict)
	}
	return res, nil
}

// Resolve returns the strategies for the conflict m raises. A mutation
// without conflict fails with ErrNothingToResolve.
func (e *Engine) Resolve(ctx context.Context, m Mutation) (*ResolutionOffer, error) {
	res, err := e.Check(ctx, m)
	if err != nil {
		return nil, err
	}
	if res.Conflict == nil {
		return nil, fmt.Errorf("%w: %s on %s %s is safe as is",
			generic.ErrNothingToResolve, m.Kind, m.Kind.TargetKind(), m.TargetID)
	}
	return &ResolutionOffer{Conflict: res.Conflict, Options: Options(res.Conflict)}, nil
}

// =============================================================================
// PREVIEW
// =============================================================================

// Preview runs the request without persisting anything. Problems the
// caller can fix (validation, incomplete plans, a pending conflict) are
// reported in the PreviewReport; only missing records, version mismatches
// and storage failures are returned as errors.
func (e *Engine) Preview(ctx context.Context, req Request) (*PreviewReport, error) {
	Previews.Inc()
	report := &PreviewReport{Warnings: []string{}, Errors: []string{}}

	if err := req.Mutation.Validate(); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, nil
	}

	var out *Outcome
	var execErr error
	err := e.store.WithTx(ctx, func(tx billing.Store) error {
		ws, err := Load(ctx, tx, req.Mutation)
		if err != nil {
			return err
		}
		if err := ws.VerifyVersion(req.Mutation); err != nil {
			return err
		}
		report.Fingerprint = ws.Fingerprint()
		out, execErr = e.executor.Execute(ws, req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var conflict *ConflictError
	switch {
	case execErr == nil:
		report.Consequences = &out.Consequences
		report.Warnings = append(report.Warnings, out.Warnings...)
		report.Plan = out.Plan
		report.Conflict = out.Check.Conflict
	case errors.As(execErr, &conflict):
		e.conflictDetected(conflict.Conflict)
		report.Conflict = conflict.Conflict
		report.Options = conflict.Options
		report.Warnings = append(report.Warnings, conflict.Error()+"; choose a resolution strategy")
	case generic.IsClientError(execErr), errors.Is(execErr, generic.ErrInvariantViolation):
		report.Errors = append(report.Errors, execErr.Error())
	default:
		return nil, execErr
	}
	return report, nil
}

// =============================================================================
// COMMIT
// =============================================================================

// Commit applies req atomically. Nothing is written unless every step
// succeeds.
func (e *Engine) Commit(ctx context.Context, req Request) (*CommitResult, error) {
	start := e.clock()
	m := req.Mutation

	var out *Outcome
	var version int64
	err := e.store.WithTx(ctx, func(tx billing.Store) error {
		if req.IdempotencyKey != "" {
			seen, err := tx.AuditExists(ctx, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("check idempotency key: %w", err)
			}
			if seen {
				return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, req.IdempotencyKey)
			}
		}
		if err := m.Validate(); err != nil {
			return err
		}
		ws, err := Load(ctx, tx, m)
		if err != nil {
			return err
		}
		if err := ws.VerifyVersion(m); err != nil {
			return err
		}
		if req.ExpectedFingerprint != "" && req.ExpectedFingerprint != ws.Fingerprint() {
			return fmt.Errorf("%w: records read by the preview of %s %s changed since",
				generic.ErrStalePreview, m.Kind.TargetKind(), m.TargetID)
		}

		out, err = e.executor.Execute(ws, req)
		if err != nil {
			return err
		}
		out.Changes.Audit.IdempotencyKey = req.IdempotencyKey
		if err := out.Changes.Persist(ctx, tx); err != nil {
			return err
		}
		version, _, _ = ws.targetVersion(m)
		return nil
	})
	CommitDuration.Observe(e.clock().Sub(start).Seconds())

	if err != nil {
		e.commitFailed(m, err)
		return nil, err
	}

	strategy := strategyOf(out.Plan)
	Commits.WithLabelValues(string(m.Kind), strategy).Inc()
	e.logger.Info("mutation committed",
		zap.String("mutation", string(m.Kind)),
		zap.String("target_id", m.TargetID),
		zap.String("strategy", strategy),
		zap.Int("steps", stepsOf(out.Plan)),
		zap.Int("transactions", len(out.Changes.Transactions)),
		zap.String("actor", m.ActorID),
	)
	e.publish(ctx, events.Event{
		ID:         out.Changes.Audit.ID,
		Type:       eventType(out.Changes.Audit.Action),
		TargetKind: m.Kind.TargetKind(),
		TargetID:   m.TargetID,
		Mutation:   string(m.Kind),
		Strategy:   strategy,
		Summary:    out.Consequences.Messages,
		At:         e.clock(),
	})

	return &CommitResult{
		Consequences:  out.Consequences,
		Warnings:      append([]string{}, out.Warnings...),
		Plan:          out.Plan,
		TargetVersion: version,
		Fingerprint:   out.Fingerprint,
		AuditID:       out.Changes.Audit.ID,
	}, nil
}

func (e *Engine) commitFailed(m Mutation, err error) {
	reason := failureReason(err)
	CommitFailures.WithLabelValues(reason).Inc()

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		e.conflictDetected(conflict.Conflict)
		return
	}
	level := e.logger.Info
	if reason == "internal" {
		level = e.logger.Error
	}
	level("commit rolled back",
		zap.String("mutation", string(m.Kind)),
		zap.String("target_id", m.TargetID),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (e *Engine) conflictDetected(c *Conflict) {
	ConflictsDetected.WithLabelValues(string(c.Kind)).Inc()
	e.logger.Info("conflict detected",
		zap.String("kind", string(c.Kind)),
		zap.String("target_kind", c.TargetKind),
		zap.String("target_id", c.TargetID),
		zap.String("gap_kind", string(c.GapKind)),
		zap.String("gap", c.Gap.String()),
		zap.Int("dependents", len(c.Dependents)),
	)
}

// publish delivers e best-effort; a broker outage never undoes a commit.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("type", string(ev.Type)),
			zap.String("target_id", ev.TargetID),
			zap.Error(err),
		)
	}
}

func eventType(a generic.AuditAction) events.Type {
	switch a {
	case generic.AuditResolutionCommitted:
		return events.ResolutionCommitted
	case generic.AuditTaskCascaded:
		return events.TaskCascaded
	case generic.AuditTaskApproved:
		return events.TaskApproved
	case generic.AuditRecordDeleted:
		return events.RecordDeleted
	case generic.AuditRecordCreated:
		return events.RecordCreated
	case generic.AuditBalanceRepaired:
		return events.BalanceRepaired
	}
	return events.RecordUpdated
}
