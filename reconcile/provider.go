package reconcile

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

// Provider names detected from upload filenames
const (
	ProviderVodafoneCash = "Vodafone Cash"
	ProviderInstaPay     = "InstaPay"
	ProviderBankTransfer = "Bank Transfer"
	ProviderUnknown      = "Unknown"
)

// DetectProvider guesses the payment provider from a settlement filename
func DetectProvider(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "vodafone"):
		return ProviderVodafoneCash
	case strings.Contains(lower, "instapay"):
		return ProviderInstaPay
	case strings.Contains(lower, "bank"):
		return ProviderBankTransfer
	default:
		return ProviderUnknown
	}
}

// column aliases, compared after lowercasing and removing separators
var (
	refColumns    = []string{"providerref", "reference", "ref", "referencenumber"}
	idColumns     = []string{"transactionid", "id", "txnid", "txn"}
	amountColumns = []string{"amount", "value", "total"}
)

// ParseProviderFile reads a provider settlement file into records.
// The format is chosen from the extension: .csv, .json or .xlsx.
func ParseProviderFile(filename string, r io.Reader) ([]Record, error) {
	var (
		records []Record
		err     error
	)

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv":
		records, err = parseCSV(r)
	case ".json":
		records, err = parseJSON(r)
	case ".xlsx":
		records, err = parseXLSX(r)
	default:
		return nil, apperrors.NewValidationError(filename, "unsupported file type %q (use .csv, .json or .xlsx)", ext)
	}
	if err != nil {
		var vErr *apperrors.ValidationError
		if errors.As(err, &vErr) {
			return nil, err
		}
		return nil, apperrors.NewValidationError(filename, "%v", err)
	}
	return records, nil
}

func parseCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV: %w", err)
	}
	return rowsToRecords(rows)
}

func parseXLSX(r io.Reader) ([]Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("invalid spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("spreadsheet has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rowsToRecords(rows)
}

// rowsToRecords maps a header row plus data rows onto records. Blank rows are skipped.
func rowsToRecords(rows [][]string) ([]Record, error) {
	if len(rows) == 0 {
		return nil, errors.New("file is empty")
	}

	header := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		header[normalizeColumn(name)] = i
	}

	refCol, hasRef := findColumn(header, refColumns)
	idCol, hasID := findColumn(header, idColumns)
	amountCol, hasAmount := findColumn(header, amountColumns)
	if !hasAmount {
		return nil, errors.New("header has no amount column")
	}
	if !hasRef && !hasID {
		return nil, errors.New("header needs a provider_ref or transaction_id column")
	}

	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		rec := Record{Amount: cell(row, amountCol)}
		if hasRef {
			rec.ProviderRef = cell(row, refCol)
		}
		if hasID {
			rec.TransactionID = cell(row, idCol)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseJSON(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}
	data = bytes.TrimSpace(bytes.TrimPrefix(data, []byte(utf8BOM)))
	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}

	var items []map[string]json.RawMessage
	if data[0] == '{' {
		var doc struct {
			Transactions []map[string]json.RawMessage `json:"transactions"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		items = doc.Transactions
	} else if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		fields := make(map[string]string, len(item))
		for k, v := range item {
			s, err := scalarText(v)
			if err != nil {
				return nil, fmt.Errorf("transaction %d field %q: %w", i, k, err)
			}
			fields[normalizeColumn(k)] = s
		}
		records = append(records, Record{
			ProviderRef:   firstField(fields, refColumns),
			TransactionID: firstField(fields, idColumns),
			Amount:        firstField(fields, amountColumns),
		})
	}
	return records, nil
}

// scalarText renders a JSON string or number as plain text; null becomes ""
func scalarText(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("must be a string or number")
	default:
		// numbers and booleans keep their literal text
		return string(v), nil
	}
}

// utf8BOM is prepended by Excel and many bank exports
const utf8BOM = "\ufeff"

func normalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, utf8BOM)))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(name)
}

func findColumn(header map[string]int, aliases []string) (int, bool) {
	for _, a := range aliases {
		if i, ok := header[a]; ok {
			return i, true
		}
	}
	return 0, false
}

func firstField(fields map[string]string, aliases []string) string {
	for _, a := range aliases {
		if v := strings.TrimSpace(fields[a]); v != "" {
			return v
		}
	}
	return ""
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
