package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// TRANSACTION STORE (generic.Store)
// =============================================================================

const txColumns = `id, account_id, effective_at, delta, tx_type, reference_id, reference_kind,
	reason, idempotency_key, metadata_json, created_by, created_at`

// Append adds a transaction to the ledger. Outside WithTx it runs in its own
// database transaction.
func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.AppendBatch(ctx, []generic.Transaction{tx})
}

// AppendBatch adds multiple transactions atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	keys := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if keys[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		keys[tx.IdempotencyKey] = true
	}

	if !s.inTx {
		return s.WithTx(ctx, func(st billing.Store) error { return st.AppendBatch(ctx, txs) })
	}
	for _, tx := range txs {
		if err := s.appendTx(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendTx(ctx context.Context, tx generic.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of transaction %s: %w", tx.ID, err)
	}

	err = s.exec(ctx, `
		INSERT INTO transactions (seq, `+txColumns+`)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.AccountID,
		timeText(tx.EffectiveAt),
		tx.Delta.String(),
		tx.Type,
		nullString(tx.ReferenceID),
		nullString(tx.ReferenceKind),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		string(metadataJSON),
		nullString(tx.CreatedBy),
		timeText(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Load returns all transactions of an account in effective order.
func (s *Store) Load(ctx context.Context, accountID generic.AccountID) ([]generic.Transaction, error) {
	return list(ctx, s, "transactions", scanTransaction,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ? ORDER BY effective_at, seq`, accountID)
}

func (s *Store) LoadByReference(ctx context.Context, referenceID string) ([]generic.Transaction, error) {
	return list(ctx, s, "transactions", scanTransaction,
		`SELECT `+txColumns+` FROM transactions WHERE reference_id = ? ORDER BY seq`, referenceID)
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func scanTransaction(sc scanner) (generic.Transaction, error) {
	var (
		tx                                      generic.Transaction
		effectiveAt, delta, createdAt           string
		referenceID, referenceKind, reason, key sql.NullString
		metadataJSON, createdBy                 sql.NullString
	)
	if err := sc.Scan(&tx.ID, &tx.AccountID, &effectiveAt, &delta, &tx.Type, &referenceID, &referenceKind,
		&reason, &key, &metadataJSON, &createdBy, &createdAt); err != nil {
		return tx, err
	}
	var f fields
	tx.EffectiveAt = f.time(effectiveAt)
	tx.Delta = f.amount(delta)
	tx.ReferenceID = referenceID.String
	tx.ReferenceKind = referenceKind.String
	tx.Reason = reason.String
	tx.IdempotencyKey = key.String
	tx.CreatedBy = createdBy.String
	tx.CreatedAt = f.time(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil && f.err == nil {
			f.err = fmt.Errorf("invalid metadata on transaction %s: %w", tx.ID, err)
		}
	}
	return tx, f.err
}

// =============================================================================
// AUDIT LOG (generic.AuditLog)
// =============================================================================

const auditColumns = `id, ts, actor_id, action, target_kind, target_id, idempotency_key, payload_json`

func (s *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO audit_log (seq, `+auditColumns+`)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_log), ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, timeText(e.Timestamp), nullString(e.ActorID), e.Action, e.TargetKind, e.TargetID,
		nullString(e.IdempotencyKey), string(payload))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit filters by target, actor and action in SQL and by time range
// on the decoded timestamps.
func (s *Store) QueryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.TargetID != nil {
		where = append(where, "target_id = ?")
		args = append(args, *f.TargetID)
	}
	if f.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	entries, err := list(ctx, s, "audit entries", scanAudit, query, args...)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if f.From != nil && e.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && e.Timestamp.After(*f.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) AuditExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE idempotency_key = ?`, key,
	).Scan(&count)
	return count > 0, err
}

func scanAudit(sc scanner) (generic.AuditEntry, error) {
	var (
		e                   generic.AuditEntry
		ts                  string
		actor, key, payload sql.NullString
	)
	if err := sc.Scan(&e.ID, &ts, &actor, &e.Action, &e.TargetKind, &e.TargetID, &key, &payload); err != nil {
		return e, err
	}
	var f fields
	e.Timestamp = f.time(ts)
	e.ActorID = actor.String
	e.IdempotencyKey = key.String
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil && f.err == nil {
			f.err = fmt.Errorf("invalid payload on audit entry %s: %w", e.ID, err)
		}
	}
	return e, f.err
}
