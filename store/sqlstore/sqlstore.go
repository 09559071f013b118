/*
Package sqlstore provides a SQL-backed implementation of billing.Store.

PURPOSE:
  Persists billing records, the account transaction ledger and the audit log
  through database/sql. The same code serves three drivers; only the
  placeholder syntax differs.

DRIVERS:
  sqlite3   github.com/mattn/go-sqlite3 (cgo, default)
  sqlite    modernc.org/sqlite (pure Go)
  postgres  github.com/lib/pq

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on transactions or audit_log
  - Records are soft-deleted (deleted_at) and upserted by id
  - Corrections to balances are new transactions (see billing/posting.go)

KEY TABLES:
  transactions:  Immutable ledger of account balance changes
  audit_log:     One entry per committed operation
  accounts, credits, allocations, receivables, payments, tasks, commissions

DATES:
  Calendar dates are stored as YYYY-MM-DD, instants as fixed-width RFC3339
  in UTC, so both sort as text.

CONCURRENCY:
  WithTx runs on a database transaction and holds a store-wide mutex so
  that the version check and the writes of one commit never interleave with
  another commit. Across processes, every record upsert only updates the
  row it read (version = new version - 1); a lost race surfaces as
  generic.ConcurrentModificationError and rolls the commit back. SQLite is
  limited to one open connection; ":memory:" is then one database, not one
  per connection.

USAGE:
  st, err := sqlstore.Open(sqlstore.DriverSQLite3, "./reconcile.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  engine := reconcile.NewEngine(st)

SEE ALSO:
  - billing/store.go: Interface definition
  - store/memory: In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/warp/reconciliation-engine/billing"
)

type Driver string

const (
	DriverSQLite3  Driver = "sqlite3"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

func (d Driver) sqlite() bool { return d == DriverSQLite3 || d == DriverSQLite }

// ParseDriver accepts the driver names used in configuration.
func ParseDriver(name string) (Driver, error) {
	switch Driver(strings.ToLower(name)) {
	case DriverSQLite3, "":
		return DriverSQLite3, nil
	case DriverSQLite:
		return DriverSQLite, nil
	case DriverPostgres, "postgresql", "pq":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("unknown store driver %q (want sqlite3, sqlite or postgres)", name)
}

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.Store. A Store returned by Open reads and writes
// through the connection pool; the Store handed to a WithTx callback reads
// and writes through that transaction.
type Store struct {
	db     *sql.DB
	q      querier
	driver Driver
	mu     *sync.Mutex
	logger *zap.Logger
	inTx   bool
}

var _ billing.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects and migrates. For the sqlite drivers, dsn is a file path or
// ":memory:"; for postgres, a connection string.
func Open(driver Driver, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(string(driver), dataSource(driver, dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver.sqlite() {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	s := &Store{db: db, q: db, driver: driver, mu: &sync.Mutex{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.logger.Debug("store opened", zap.String("driver", string(driver)))
	return s, nil
}

func dataSource(driver Driver, dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	switch driver {
	case DriverSQLite3:
		return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
	case DriverSQLite:
		return dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return dsn
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Driver() Driver { return s.driver }

// =============================================================================
// MIGRATIONS
// =============================================================================

// migrations returns the schema, one statement per string. Types are chosen
// to mean the same thing in SQLite and PostgreSQL.
func migrations() []string {
	return []string{
		// Transactions (append-only ledger)
		`CREATE TABLE IF NOT EXISTS transactions (
			id              TEXT PRIMARY KEY,
			seq             BIGINT NOT NULL,
			account_id      TEXT NOT NULL,
			effective_at    TEXT NOT NULL,
			delta           TEXT NOT NULL,
			tx_type         TEXT NOT NULL,
			reference_id    TEXT,
			reference_kind  TEXT,
			reason          TEXT,
			idempotency_key TEXT,
			metadata_json   TEXT,
			created_by      TEXT,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_date
			ON transactions(account_id, effective_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_reference
			ON transactions(reference_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
			ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL`,

		// Audit log (append-only)
		`CREATE TABLE IF NOT EXISTS audit_log (
			id              TEXT PRIMARY KEY,
			seq             BIGINT NOT NULL,
			ts              TEXT NOT NULL,
			actor_id        TEXT,
			action          TEXT NOT NULL,
			target_kind     TEXT NOT NULL,
			target_id       TEXT NOT NULL,
			idempotency_key TEXT,
			payload_json    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_idempotency
			ON audit_log(idempotency_key) WHERE idempotency_key IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			name           TEXT NOT NULL,
			cached_balance TEXT NOT NULL,
			version        BIGINT NOT NULL,
			created_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credits (
			id                TEXT PRIMARY KEY,
			client_id         TEXT NOT NULL,
			amount            TEXT NOT NULL,
			reason            TEXT,
			granted_at        TEXT NOT NULL,
			source_payment_id TEXT,
			version           BIGINT NOT NULL,
			created_at        TEXT NOT NULL,
			deleted_at        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credits_client ON credits(client_id)`,

		`CREATE TABLE IF NOT EXISTS allocations (
			id            TEXT PRIMARY KEY,
			credit_id     TEXT NOT NULL,
			receivable_id TEXT NOT NULL,
			amount        TEXT NOT NULL,
			allocated_at  TEXT NOT NULL,
			version       BIGINT NOT NULL,
			created_at    TEXT NOT NULL,
			deleted_at    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_allocations_credit ON allocations(credit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_allocations_receivable ON allocations(receivable_id)`,

		`CREATE TABLE IF NOT EXISTS receivables (
			id          TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			task_id     TEXT,
			amount      TEXT NOT NULL,
			description TEXT,
			issued_at   TEXT NOT NULL,
			version     BIGINT NOT NULL,
			created_at  TEXT NOT NULL,
			deleted_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receivables_client ON receivables(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receivables_task ON receivables(task_id)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id            TEXT PRIMARY KEY,
			receivable_id TEXT NOT NULL,
			amount        TEXT NOT NULL,
			method        TEXT NOT NULL,
			paid_at       TEXT NOT NULL,
			reference     TEXT,
			version       BIGINT NOT NULL,
			created_at    TEXT NOT NULL,
			deleted_at    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_receivable ON payments(receivable_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			client_id       TEXT NOT NULL,
			employee_id     TEXT NOT NULL,
			title           TEXT,
			amount          TEXT NOT NULL,
			prepaid_amount  TEXT NOT NULL,
			expense_amount  TEXT NOT NULL,
			commission_rate TEXT NOT NULL,
			status          TEXT NOT NULL,
			approved_at     TEXT,
			version         BIGINT NOT NULL,
			created_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS commissions (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			rate        TEXT NOT NULL,
			base_amount TEXT NOT NULL,
			amount      TEXT NOT NULL,
			status      TEXT NOT NULL,
			version     BIGINT NOT NULL,
			created_at  TEXT NOT NULL,
			deleted_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commissions_task ON commissions(task_id)`,
	}
}

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Store{db: s.db, q: sqlTx, driver: s.driver, mu: s.mu, logger: s.logger, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// Reset deletes every row. For tests and the demo scenario loader only.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"transactions", "audit_log", "accounts", "credits", "allocations",
		"receivables", "payments", "tasks", "commissions",
	}
	return s.WithTx(ctx, func(st billing.Store) error {
		tx := st.(*Store)
		for _, t := range tables {
			if err := tx.exec(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset %s: %w", t, err)
			}
		}
		return nil
	})
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
