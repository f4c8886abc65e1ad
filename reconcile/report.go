package reconcile

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
)

var reportHeader = []string{"Type", "Key", "Transaction ID", "Provider Ref", "Our Amount", "Provider Amount", "Description"}

// WriteReportCSV writes a discrepancy report with one row per discrepancy
func WriteReportCSV(w io.Writer, discrepancies []Discrepancy) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(reportHeader); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}
	for _, d := range discrepancies {
		row := []string{
			string(d.Type),
			d.Key,
			d.TransactionID,
			d.ProviderRef,
			amountText(d.OurAmount),
			amountText(d.ProviderAmount),
			d.Description,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func amountText(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return fixed(*d)
}
