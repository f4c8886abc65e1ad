package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

// DefaultCurrency is appended to amount descriptions
const DefaultCurrency = "EGP"

type options struct {
	tolerance decimal.Decimal
	currency  string
}

// Option configures a reconciliation run
type Option func(*options)

// WithTolerance ignores amount differences up to and including tol
func WithTolerance(tol decimal.Decimal) Option {
	return func(o *options) { o.tolerance = tol }
}

// WithCurrency sets the currency code used in descriptions
func WithCurrency(code string) Option {
	return func(o *options) {
		if code = strings.TrimSpace(code); code != "" {
			o.currency = code
		}
	}
}

// entry is a validated record with its parsed amount
type entry struct {
	Record
	key    string
	amount decimal.Decimal
}

// sideIndex holds the first occurrence of each key and how often it was seen
type sideIndex struct {
	first  map[string]entry
	counts map[string]int
}

// Reconcile compares our records with the provider's and returns every discrepancy.
//
// Records are matched on ProviderRef, falling back to TransactionID. The result is
// sorted by key and then by type (missing, unknown, mismatch, duplicate). Any
// record without a key or with a non-numeric amount fails the whole run with a
// ValidationError; no partial result is returned.
func Reconcile(ours, theirs []Record, opts ...Option) ([]Discrepancy, error) {
	o := options{tolerance: decimal.Zero, currency: DefaultCurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tolerance.IsNegative() {
		return nil, apperrors.NewValidationError("tolerance", "must not be negative, got %s", o.tolerance)
	}

	ourIdx, err := index(SideOurs, ours)
	if err != nil {
		return nil, err
	}
	theirIdx, err := index(SideTheirs, theirs)
	if err != nil {
		return nil, err
	}

	var out []Discrepancy

	for key, their := range theirIdx.first {
		our, ok := ourIdx.first[key]
		if !ok {
			amt := their.amount
			out = append(out, Discrepancy{
				Type:           MissingTransaction,
				Key:            key,
				TransactionID:  their.TransactionID,
				ProviderRef:    their.ProviderRef,
				ProviderAmount: &amt,
				Description:    "Transaction found in provider file but missing in our records",
			})
			continue
		}

		delta := our.amount.Sub(their.amount)
		if delta.Abs().GreaterThan(o.tolerance) {
			ourAmt, theirAmt := our.amount, their.amount
			out = append(out, Discrepancy{
				Type:           AmountMismatch,
				Key:            key,
				TransactionID:  firstNonEmpty(our.TransactionID, their.TransactionID),
				ProviderRef:    firstNonEmpty(their.ProviderRef, our.ProviderRef),
				OurAmount:      &ourAmt,
				ProviderAmount: &theirAmt,
				Description:    fmt.Sprintf("Amount difference of %s %s", signed(delta), o.currency),
			})
		}
	}

	for key, our := range ourIdx.first {
		if _, ok := theirIdx.first[key]; ok {
			continue
		}
		amt := our.amount
		out = append(out, Discrepancy{
			Type:          UnknownTransaction,
			Key:           key,
			TransactionID: our.TransactionID,
			ProviderRef:   our.ProviderRef,
			OurAmount:     &amt,
			Description:   "Transaction found in our records but missing in provider file",
		})
	}

	out = append(out, duplicates(SideOurs, ourIdx)...)
	out = append(out, duplicates(SideTheirs, theirIdx)...)

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.Type.order() != b.Type.order() {
			return a.Type.order() < b.Type.order()
		}
		return a.Side < b.Side
	})

	if out == nil {
		out = []Discrepancy{}
	}
	return out, nil
}

// Key returns the matching key of a record
func Key(r Record) string {
	if ref := strings.TrimSpace(r.ProviderRef); ref != "" {
		return ref
	}
	return strings.TrimSpace(r.TransactionID)
}

// ParseAmount parses a record amount, rejecting blanks and non-numeric text
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("amount is empty")
	}
	amt, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q is not numeric", raw)
	}
	return amt, nil
}

func index(side Side, records []Record) (sideIndex, error) {
	idx := sideIndex{
		first:  make(map[string]entry, len(records)),
		counts: make(map[string]int, len(records)),
	}

	for i, r := range records {
		key := Key(r)
		if key == "" {
			return sideIndex{}, apperrors.NewValidationError(fmt.Sprintf("%s[%d]", side, i), "record has neither providerRef nor transactionId")
		}
		amt, err := ParseAmount(r.Amount)
		if err != nil {
			return sideIndex{}, apperrors.NewValidationError(fmt.Sprintf("%s[%d] (key %s)", side, i, key), "%v", err)
		}

		idx.counts[key]++
		if _, seen := idx.first[key]; !seen {
			idx.first[key] = entry{Record: r, key: key, amount: amt}
		}
	}
	return idx, nil
}

func duplicates(side Side, idx sideIndex) []Discrepancy {
	where := "our records"
	if side == SideTheirs {
		where = "provider file"
	}

	var out []Discrepancy
	for key, n := range idx.counts {
		if n < 2 {
			continue
		}
		first := idx.first[key]
		amt := first.amount
		d := Discrepancy{
			Type:          Duplicate,
			Key:           key,
			TransactionID: first.TransactionID,
			ProviderRef:   first.ProviderRef,
			Side:          side,
			Occurrences:   n,
			Description:   fmt.Sprintf("Key %s appears %d times in %s", key, n, where),
		}
		if side == SideOurs {
			d.OurAmount = &amt
		} else {
			d.ProviderAmount = &amt
		}
		out = append(out, d)
	}
	return out
}

// fixed renders an amount with at least two decimals and never drops precision
func fixed(d decimal.Decimal) string {
	places := int32(2)
	if exp := -d.Exponent(); exp > places {
		places = exp
	}
	return d.StringFixed(places)
}

// signed is fixed with an explicit leading sign
func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + fixed(d)
	}
	return fixed(d)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
