/*
Package generic provides the domain-agnostic money and ledger primitives.

PURPOSE:
  This package contains the building blocks every financial record in the
  system is made of: exact decimal amounts, calendar dates, and the
  append-only account transaction log from which every account balance is
  recomputed. The billing entities and the reconciliation engine sit on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: An exact decimal money value (single currency)
  - Transaction: An immutable account ledger entry
  - Account/Transaction IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed or adjusted
  2. Precision: Uses decimal.Decimal, never float64
  3. Tolerance: Comparisons absorb 0.01 of rounding noise (see Tolerance)
  4. Auditability: Every transaction has reason, reference, and idempotency key

USAGE:
  amount := generic.NewAmount(250)
  tx := generic.Transaction{
      AccountID:   "client-42",
      Delta:       amount,
      Type:        generic.TxPayment,
      ReferenceID: "pay-1",
  }

SEE ALSO:
  - balance.go: Balance calculation from transactions
  - ledger.go: Transaction persistence interface
  - errors.go: Sentinel and structured errors
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Exact decimal money value
// =============================================================================

// Amount is a monetary value. The ledger is single-currency, so an Amount
// carries no unit.
type Amount struct {
	Value decimal.Decimal
}

// Tolerance absorbs rounding noise when comparing amounts (0.01 currency units).
var Tolerance = decimal.New(1, -2)

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

// ParseAmount parses a decimal string such as "1250.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func Zero() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.String() }
func (a Amount) Float64() float64             { f, _ := a.Value.Float64(); return f }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ApproxEqual reports whether a and b differ by no more than Tolerance.
func (a Amount) ApproxEqual(b Amount) bool {
	return a.Value.Sub(b.Value).Abs().LessThanOrEqual(Tolerance)
}

// Exceeds reports whether a is greater than b by more than Tolerance.
func (a Amount) Exceeds(b Amount) bool {
	return a.Value.Sub(b.Value).GreaterThan(Tolerance)
}

// Material reports whether the amount is larger than rounding noise.
func (a Amount) Material() bool {
	return a.Value.Abs().GreaterThan(Tolerance)
}

// NonNegative clamps tolerance-level negatives (e.g. -0.004) to zero.
func (a Amount) NonNegative() Amount {
	if a.IsNegative() {
		return Zero()
	}
	return a
}

// MarshalJSON writes the amount as a bare JSON number, never a quoted string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Value.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and numeric strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		a.Value = decimal.Zero
		return nil
	}
	return a.Value.UnmarshalJSON(data)
}

// Sum adds a list of amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// TRANSACTION - Immutable change to an account balance
// =============================================================================

type TransactionType string

const (
	TxCharge      TransactionType = "charge"       // Receivable billed to a client (negative)
	TxPayment     TransactionType = "payment"      // Payment received from a client
	TxCreditGrant TransactionType = "credit_grant" // Standing credit granted to a client
	TxCommission  TransactionType = "commission"   // Commission owed to an employee
	TxAdjustment  TransactionType = "adjustment"   // Amount change on an existing source record
	TxReversal    TransactionType = "reversal"     // Undo of a deleted source record
)

type Transaction struct {
	ID             TransactionID
	AccountID      AccountID
	EffectiveAt    TimePoint
	Delta          Amount
	Type           TransactionType
	ReferenceID    string // ID of the source record (payment, credit, ...)
	ReferenceKind  string // "payment", "credit", "receivable", "commission"
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// Audit fields
	CreatedBy string
	CreatedAt TimePoint
}
