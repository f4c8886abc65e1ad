package reconcile

import (
	"github.com/shopspring/decimal"
)

// DiscrepancyType classifies a difference between our ledger and a provider file
type DiscrepancyType string

const (
	MissingTransaction DiscrepancyType = "missing_transaction"
	UnknownTransaction DiscrepancyType = "unknown_transaction"
	AmountMismatch     DiscrepancyType = "amount_mismatch"
	Duplicate          DiscrepancyType = "duplicate"
)

// order is the position of a type within a single key's discrepancies
func (t DiscrepancyType) order() int {
	switch t {
	case MissingTransaction:
		return 0
	case UnknownTransaction:
		return 1
	case AmountMismatch:
		return 2
	default:
		return 3
	}
}

// Side names which record set a record came from
type Side string

const (
	SideOurs   Side = "ours"
	SideTheirs Side = "theirs"
)

// Record is one transaction on either side of a reconciliation.
// Amount is kept as the source text so malformed values can be reported verbatim.
type Record struct {
	TransactionID string `json:"transactionId,omitempty"`
	ProviderRef   string `json:"providerRef,omitempty"`
	Amount        string `json:"amount"`
}

// Discrepancy is a single difference found by Reconcile
type Discrepancy struct {
	Type           DiscrepancyType  `json:"type"`
	Key            string           `json:"key"`
	TransactionID  string           `json:"transactionId,omitempty"`
	ProviderRef    string           `json:"providerRef,omitempty"`
	OurAmount      *decimal.Decimal `json:"ourAmount,omitempty"`
	ProviderAmount *decimal.Decimal `json:"providerAmount,omitempty"`
	Side           Side             `json:"side,omitempty"` // set on duplicates only
	Occurrences    int              `json:"occurrences,omitempty"`
	Description    string           `json:"description"`
}
