package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// CurrencyCode is an ISO-4217 code (e.g., "USD", "EGP").
type CurrencyCode string

// currencyScale holds the number of fractional digits conventionally used
// by a currency. Unknown currencies default to 2. This is deliberately a
// small, static table — the full currency registry referenced by
// ReferenceSnapshot.CurrencyRegistryVersion is external reference data,
// not a core kernel concern.
var currencyScale = map[CurrencyCode]int32{
	"JPY": 0,
	"KWD": 3,
	"BHD": 3,
}

// Scale returns the conventional number of fractional digits for cur.
func (cur CurrencyCode) Scale() int32 {
	if s, ok := currencyScale[cur]; ok {
		return s
	}
	return 2
}

// Tolerance returns the largest residual, in this currency's smallest unit,
// that the journal writer may absorb into a single rounding line.
func (cur CurrencyCode) Tolerance(lineCount int) decimal.Decimal {
	ulp := decimal.New(1, -cur.Scale())
	return ulp.Mul(decimal.NewFromInt(int64(lineCount)))
}

// Money is a fixed-precision decimal amount paired with a currency. The
// kernel never represents money as float64; Decimal precision is fixed at
// 38 total digits / 9 fractional digits per spec, enforced by Normalize.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency CurrencyCode    `json:"currency"`
}

const (
	moneyTotalDigits = 38
	moneyFracDigits  = 9
)

// NewMoney constructs a Money value from a decimal string, rejecting
// anything that would require float64 round-tripping.
func NewMoney(amount string, currency CurrencyCode) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, NewKernelError(KindMalformedPayload, fmt.Sprintf("amount %q is not a valid decimal: %v", amount, err))
	}
	m := Money{Amount: d, Currency: currency}
	return m.Normalize()
}

// Normalize rounds Amount to the kernel's fixed fractional precision and
// validates it fits within the total-digit budget.
func (m Money) Normalize() (Money, error) {
	rounded := m.Amount.Round(moneyFracDigits)
	digits := len(rounded.Coefficient().String())
	if digits > moneyTotalDigits {
		return Money{}, NewKernelError(KindMalformedPayload, "amount exceeds 38 total digits of precision")
	}
	return Money{Amount: rounded, Currency: m.Currency}, nil
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// IsNegative reports whether the amount is strictly negative. Journal line
// amounts must never be negative; sign is conveyed by Side.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Add returns m + other. Both must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, NewKernelError(KindInvalidCurrency, fmt.Sprintf("cannot add %s to %s", other.Currency, m.Currency))
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. Both must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, NewKernelError(KindInvalidCurrency, fmt.Sprintf("cannot subtract %s from %s", other.Currency, m.Currency))
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Abs returns the absolute value of m.
func (m Money) Abs() Money { return Money{Amount: m.Amount.Abs(), Currency: m.Currency} }

// Quantity is a non-monetary decimal measure (e.g. units received), kept
// distinct from Money so unit-of-measure mismatches can never silently
// become currency mismatches.
type Quantity struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit,omitempty"`
}

// CanonicalHash computes a stable SHA-256 hash over v by first canonicalizing
// it to JSON with deterministically sorted object keys. This is the
// canonicalize-then-hash approach used across the retrieval pack for
// payload hashing (event payload hashes, audit payload hashes, and the
// compiled policy pack fingerprint all route through this function) so
// that hashing a semantically-identical-but-reordered structure always
// produces the same digest.
func CanonicalHash(v interface{}) (string, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize converts v (via a JSON round-trip) into a form built from
// maps/slices/scalars whose map keys marshal in sorted order, by relying on
// encoding/json's own behavior of sorting map[string]any keys, combined
// with recursively normalizing nested structures that came from structs
// (whose field order is fixed by Go, which is itself deterministic).
func canonicalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return sortValue(generic), nil
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(val))
		for _, k := range keys {
			ordered[k] = sortValue(val[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sortValue(item)
		}
		return out
	default:
		return val
	}
}
