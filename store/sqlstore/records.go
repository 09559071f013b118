package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/billing"
	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// CODEC
// =============================================================================

// instantLayout is fixed width so that instants sort as text.
const instantLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func timeText(tp generic.TimePoint) string {
	switch {
	case tp.IsZero():
		return ""
	case tp.Granularity == generic.GranularityDay:
		return tp.Time.Format(generic.DateLayout)
	}
	return tp.Time.UTC().Format(instantLayout)
}

func parseTime(s string) (generic.TimePoint, error) {
	switch len(s) {
	case 0:
		return generic.TimePoint{}, nil
	case len(generic.DateLayout):
		return generic.ParseDate(s)
	}
	t, err := time.Parse(instantLayout, s)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return generic.Instant(t), nil
}

func nullTime(tp *generic.TimePoint) sql.NullString {
	if tp == nil {
		return sql.NullString{}
	}
	return nullString(timeText(*tp))
}

func parseNullTime(ns sql.NullString) (*generic.TimePoint, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	tp, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

// fields collects decode errors so scan functions stay linear.
type fields struct{ err error }

func (f *fields) amount(s string) generic.Amount {
	a, err := generic.ParseAmount(s)
	if err != nil && f.err == nil {
		f.err = err
	}
	return a
}

func (f *fields) decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("invalid stored decimal %q: %w", s, err)
	}
	return d
}

func (f *fields) time(s string) generic.TimePoint {
	tp, err := parseTime(s)
	if err != nil && f.err == nil {
		f.err = err
	}
	return tp
}

func (f *fields) nullTime(ns sql.NullString) *generic.TimePoint {
	tp, err := parseNullTime(ns)
	if err != nil && f.err == nil {
		f.err = err
	}
	return tp
}

func getOne[T any](ctx context.Context, s *Store, kind string, scan func(scanner) (T, error), query string, args ...any) (*T, error) {
	v, err := scan(s.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	return &v, nil
}

func list[T any](ctx context.Context, s *Store, kind string, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, kind, name, cached_balance, version, created_at`

func scanAccount(sc scanner) (billing.Account, error) {
	var (
		a                billing.Account
		balance, created string
	)
	if err := sc.Scan(&a.ID, &a.Kind, &a.Name, &balance, &a.Version, &created); err != nil {
		return a, err
	}
	var f fields
	a.CachedBalance = f.amount(balance)
	a.CreatedAt = f.time(created)
	return a, f.err
}

// saveVersioned runs an upsert whose update only applies over the previous
// version. An update that matches nothing means another writer got there
// first.
func (s *Store) saveVersioned(ctx context.Context, kind, table, id string, version int64, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var stored int64
	if err := s.queryRow(ctx, `SELECT version FROM `+table+` WHERE id = ?`, id).Scan(&stored); err != nil {
		return fmt.Errorf("read stored version of %s %s: %w", kind, id, err)
	}
	return &generic.ConcurrentModificationError{
		RecordKind:      kind,
		RecordID:        id,
		ExpectedVersion: version - 1,
		ActualVersion:   stored,
	}
}

func (s *Store) GetAccount(ctx context.Context, id generic.AccountID) (*billing.Account, error) {
	return getOne(ctx, s, "account", scanAccount,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
}

func (s *Store) SaveAccount(ctx context.Context, a billing.Account) error {
	err := s.saveVersioned(ctx, "account", "accounts", string(a.ID), a.Version, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind, name = excluded.name,
			cached_balance = excluded.cached_balance, version = excluded.version
		WHERE accounts.version = excluded.version - 1`,
		a.ID, a.Kind, a.Name, a.CachedBalance.String(), a.Version, timeText(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]billing.Account, error) {
	return list(ctx, s, "accounts", scanAccount,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
}

// =============================================================================
// CREDITS
// =============================================================================

const creditColumns = `id, client_id, amount, reason, granted_at, source_payment_id, version, created_at, deleted_at`

func scanCredit(sc scanner) (billing.Credit, error) {
	var (
		c                        billing.Credit
		amount, granted, created string
		reason, source, deleted  sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.ClientID, &amount, &reason, &granted, &source, &c.Version, &created, &deleted); err != nil {
		return c, err
	}
	var f fields
	c.Amount = f.amount(amount)
	c.Reason = reason.String
	c.GrantedAt = f.time(granted)
	c.SourcePaymentID = billing.PaymentID(source.String)
	c.CreatedAt = f.time(created)
	c.DeletedAt = f.nullTime(deleted)
	return c, f.err
}

func (s *Store) GetCredit(ctx context.Context, id billing.CreditID) (*billing.Credit, error) {
	return getOne(ctx, s, "credit", scanCredit,
		`SELECT `+creditColumns+` FROM credits WHERE id = ?`, id)
}

func (s *Store) SaveCredit(ctx context.Context, c billing.Credit) error {
	err := s.saveVersioned(ctx, "credit", "credits", string(c.ID), c.Version, `
		INSERT INTO credits (`+creditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount, reason = excluded.reason,
			version = excluded.version, deleted_at = excluded.deleted_at
		WHERE credits.version = excluded.version - 1`,
		c.ID, c.ClientID, c.Amount.String(), nullString(c.Reason), timeText(c.GrantedAt),
		nullString(string(c.SourcePaymentID)), c.Version, timeText(c.CreatedAt), nullTime(c.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save credit %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) ListCreditsByClient(ctx context.Context, clientID generic.AccountID) ([]billing.Credit, error) {
	return list(ctx, s, "credits", scanCredit,
		`SELECT `+creditColumns+` FROM credits WHERE client_id = ? ORDER BY id`, clientID)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

const allocationColumns = `id, credit_id, receivable_id, amount, allocated_at, version, created_at, deleted_at`

func scanAllocation(sc scanner) (billing.Allocation, error) {
	var (
		a                          billing.Allocation
		amount, allocated, created string
		deleted                    sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.CreditID, &a.ReceivableID, &amount, &allocated, &a.Version, &created, &deleted); err != nil {
		return a, err
	}
	var f fields
	a.Amount = f.amount(amount)
	a.AllocatedAt = f.time(allocated)
	a.CreatedAt = f.time(created)
	a.DeletedAt = f.nullTime(deleted)
	return a, f.err
}

func (s *Store) GetAllocation(ctx context.Context, id billing.AllocationID) (*billing.Allocation, error) {
	return getOne(ctx, s, "allocation", scanAllocation,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
}

func (s *Store) SaveAllocation(ctx context.Context, a billing.Allocation) error {
	err := s.saveVersioned(ctx, "allocation", "allocations", string(a.ID), a.Version, `
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount, version = excluded.version, deleted_at = excluded.deleted_at
		WHERE allocations.version = excluded.version - 1`,
		a.ID, a.CreditID, a.ReceivableID, a.Amount.String(), timeText(a.AllocatedAt),
		a.Version, timeText(a.CreatedAt), nullTime(a.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save allocation %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) ListAllocationsByCredit(ctx context.Context, creditID billing.CreditID) ([]billing.Allocation, error) {
	return list(ctx, s, "allocations", scanAllocation,
		`SELECT `+allocationColumns+` FROM allocations WHERE credit_id = ? ORDER BY id`, creditID)
}

func (s *Store) ListAllocationsByReceivable(ctx context.Context, id billing.ReceivableID) ([]billing.Allocation, error) {
	return list(ctx, s, "allocations", scanAllocation,
		`SELECT `+allocationColumns+` FROM allocations WHERE receivable_id = ? ORDER BY id`, id)
}

// =============================================================================
// RECEIVABLES
// =============================================================================

const receivableColumns = `id, client_id, task_id, amount, description, issued_at, version, created_at, deleted_at`

func scanReceivable(sc scanner) (billing.Receivable, error) {
	var (
		r                       billing.Receivable
		amount, issued, created string
		task, desc, deleted     sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.ClientID, &task, &amount, &desc, &issued, &r.Version, &created, &deleted); err != nil {
		return r, err
	}
	var f fields
	r.TaskID = billing.TaskID(task.String)
	r.Amount = f.amount(amount)
	r.Description = desc.String
	r.IssuedAt = f.time(issued)
	r.CreatedAt = f.time(created)
	r.DeletedAt = f.nullTime(deleted)
	return r, f.err
}

func (s *Store) GetReceivable(ctx context.Context, id billing.ReceivableID) (*billing.Receivable, error) {
	return getOne(ctx, s, "receivable", scanReceivable,
		`SELECT `+receivableColumns+` FROM receivables WHERE id = ?`, id)
}

func (s *Store) SaveReceivable(ctx context.Context, r billing.Receivable) error {
	err := s.saveVersioned(ctx, "receivable", "receivables", string(r.ID), r.Version, `
		INSERT INTO receivables (`+receivableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount, description = excluded.description,
			version = excluded.version, deleted_at = excluded.deleted_at
		WHERE receivables.version = excluded.version - 1`,
		r.ID, r.ClientID, nullString(string(r.TaskID)), r.Amount.String(), nullString(r.Description),
		timeText(r.IssuedAt), r.Version, timeText(r.CreatedAt), nullTime(r.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save receivable %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) ListReceivablesByClient(ctx context.Context, clientID generic.AccountID) ([]billing.Receivable, error) {
	return list(ctx, s, "receivables", scanReceivable,
		`SELECT `+receivableColumns+` FROM receivables WHERE client_id = ? ORDER BY id`, clientID)
}

func (s *Store) GetReceivableByTask(ctx context.Context, taskID billing.TaskID) (*billing.Receivable, error) {
	return getOne(ctx, s, "receivable", scanReceivable,
		`SELECT `+receivableColumns+` FROM receivables
		 WHERE task_id = ? AND deleted_at IS NULL ORDER BY id LIMIT 1`, taskID)
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, receivable_id, amount, method, paid_at, reference, version, created_at, deleted_at`

func scanPayment(sc scanner) (billing.Payment, error) {
	var (
		p                     billing.Payment
		amount, paid, created string
		reference, deleted    sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.ReceivableID, &amount, &p.Method, &paid, &reference, &p.Version, &created, &deleted); err != nil {
		return p, err
	}
	var f fields
	p.Amount = f.amount(amount)
	p.PaidAt = f.time(paid)
	p.Reference = reference.String
	p.CreatedAt = f.time(created)
	p.DeletedAt = f.nullTime(deleted)
	return p, f.err
}

func (s *Store) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	return getOne(ctx, s, "payment", scanPayment,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	err := s.saveVersioned(ctx, "payment", "payments", string(p.ID), p.Version, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount, method = excluded.method, reference = excluded.reference,
			version = excluded.version, deleted_at = excluded.deleted_at
		WHERE payments.version = excluded.version - 1`,
		p.ID, p.ReceivableID, p.Amount.String(), p.Method, timeText(p.PaidAt), nullString(p.Reference),
		p.Version, timeText(p.CreatedAt), nullTime(p.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListPaymentsByReceivable(ctx context.Context, id billing.ReceivableID) ([]billing.Payment, error) {
	return list(ctx, s, "payments", scanPayment,
		`SELECT `+paymentColumns+` FROM payments WHERE receivable_id = ? ORDER BY id`, id)
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, client_id, employee_id, title, amount, prepaid_amount, expense_amount,
	commission_rate, status, approved_at, version, created_at`

func scanTask(sc scanner) (billing.Task, error) {
	var (
		t                                       billing.Task
		amount, prepaid, expense, rate, created string
		title, approved                         sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.ClientID, &t.EmployeeID, &title, &amount, &prepaid, &expense,
		&rate, &t.Status, &approved, &t.Version, &created); err != nil {
		return t, err
	}
	var f fields
	t.Title = title.String
	t.Amount = f.amount(amount)
	t.PrepaidAmount = f.amount(prepaid)
	t.ExpenseAmount = f.amount(expense)
	t.CommissionRate = f.decimal(rate)
	t.ApprovedAt = f.nullTime(approved)
	t.CreatedAt = f.time(created)
	return t, f.err
}

func (s *Store) GetTask(ctx context.Context, id billing.TaskID) (*billing.Task, error) {
	return getOne(ctx, s, "task", scanTask,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
}

func (s *Store) SaveTask(ctx context.Context, t billing.Task) error {
	err := s.saveVersioned(ctx, "task", "tasks", string(t.ID), t.Version, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title, amount = excluded.amount,
			prepaid_amount = excluded.prepaid_amount, expense_amount = excluded.expense_amount,
			commission_rate = excluded.commission_rate, status = excluded.status,
			approved_at = excluded.approved_at, version = excluded.version
		WHERE tasks.version = excluded.version - 1`,
		t.ID, t.ClientID, t.EmployeeID, nullString(t.Title), t.Amount.String(), t.PrepaidAmount.String(),
		t.ExpenseAmount.String(), t.CommissionRate.String(), t.Status, nullTime(t.ApprovedAt),
		t.Version, timeText(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `id, task_id, employee_id, rate, base_amount, amount, status, version, created_at, deleted_at`

func scanCommission(sc scanner) (billing.Commission, error) {
	var (
		c                           billing.Commission
		rate, base, amount, created string
		deleted                     sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.TaskID, &c.EmployeeID, &rate, &base, &amount, &c.Status, &c.Version, &created, &deleted); err != nil {
		return c, err
	}
	var f fields
	c.Rate = f.decimal(rate)
	c.BaseAmount = f.amount(base)
	c.Amount = f.amount(amount)
	c.CreatedAt = f.time(created)
	c.DeletedAt = f.nullTime(deleted)
	return c, f.err
}

func (s *Store) GetCommission(ctx context.Context, id billing.CommissionID) (*billing.Commission, error) {
	return getOne(ctx, s, "commission", scanCommission,
		`SELECT `+commissionColumns+` FROM commissions WHERE id = ?`, id)
}

func (s *Store) SaveCommission(ctx context.Context, c billing.Commission) error {
	err := s.saveVersioned(ctx, "commission", "commissions", string(c.ID), c.Version, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rate = excluded.rate, base_amount = excluded.base_amount, amount = excluded.amount,
			status = excluded.status, version = excluded.version, deleted_at = excluded.deleted_at
		WHERE commissions.version = excluded.version - 1`,
		c.ID, c.TaskID, c.EmployeeID, c.Rate.String(), c.BaseAmount.String(), c.Amount.String(),
		c.Status, c.Version, timeText(c.CreatedAt), nullTime(c.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save commission %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) ListCommissionsByTask(ctx context.Context, taskID billing.TaskID) ([]billing.Commission, error) {
	return list(ctx, s, "commissions", scanCommission,
		`SELECT `+commissionColumns+` FROM commissions WHERE task_id = ? ORDER BY id`, taskID)
}
