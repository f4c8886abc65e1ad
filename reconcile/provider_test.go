package reconcile

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

func TestDetectProvider(t *testing.T) {
	testCases := map[string]string{
		"Vodafone_March.csv":       ProviderVodafoneCash,
		"instapay-2025-03-12.json": ProviderInstaPay,
		"NBE bank statement.xlsx":  ProviderBankTransfer,
		"settlement.csv":           ProviderUnknown,
	}
	for name, want := range testCases {
		assert.Equal(t, want, DetectProvider(name), name)
	}
}

func TestParseProviderFileWithByteOrderMark(t *testing.T) {
	records, err := ParseProviderFile("vodafone.csv", strings.NewReader("\ufeffprovider_ref,amount\nT1,25\n"))
	require.NoError(t, err)
	assert.Equal(t, []Record{{ProviderRef: "T1", Amount: "25"}}, records)

	records, err = ParseProviderFile("instapay.json", strings.NewReader("\ufeff[{\"providerRef\": \"T2\", \"amount\": \"5\"}]"))
	require.NoError(t, err)
	assert.Equal(t, []Record{{ProviderRef: "T2", Amount: "5"}}, records)
}

func TestParseProviderFileCSV(t *testing.T) {
	data := "Transaction ID,Provider_Ref,Amount\n" +
		"TXN-1, REF-1 ,25.00\n" +
		"\n" +
		"TXN-2,,15\n"

	records, err := ParseProviderFile("vodafone.csv", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{TransactionID: "TXN-1", ProviderRef: "REF-1", Amount: "25.00"},
		{TransactionID: "TXN-2", Amount: "15"},
	}, records)
}

func TestParseProviderFileCSVHeaderErrors(t *testing.T) {
	_, err := ParseProviderFile("p.csv", strings.NewReader("ref,note\nR1,x\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "amount column")

	_, err = ParseProviderFile("p.csv", strings.NewReader("amount,note\n1,x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider_ref or transaction_id")

	_, err = ParseProviderFile("p.csv", strings.NewReader(""))
	require.Error(t, err)
}

func TestParseProviderFileJSON(t *testing.T) {
	testCases := map[string]string{
		"array":   `[{"provider_ref":"REF-1","amount":25.5},{"transactionId":"TXN-2","amount":"15.00"}]`,
		"wrapped": `{"transactions":[{"ref":"REF-1","amount":25.5},{"id":"TXN-2","amount":"15.00"}]}`,
	}

	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			records, err := ParseProviderFile("instapay.json", strings.NewReader(data))
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, Record{ProviderRef: "REF-1", Amount: "25.5"}, records[0])
			assert.Equal(t, Record{TransactionID: "TXN-2", Amount: "15.00"}, records[1])
		})
	}
}

func TestParseProviderFileJSONErrors(t *testing.T) {
	_, err := ParseProviderFile("x.json", strings.NewReader(`[{"ref":"R1","amount":{"value":1}}]`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = ParseProviderFile("x.json", strings.NewReader(`{"transactions":`))
	require.Error(t, err)
}

func TestParseProviderFileXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Reference", "Amount"},
		{"REF-1", "25.00"},
		{"REF-2", "24.50"},
	}
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cellRef, &row))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	records, err := ParseProviderFile("bank.xlsx", &buf)
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{ProviderRef: "REF-1", Amount: "25.00"},
		{ProviderRef: "REF-2", Amount: "24.50"},
	}, records)
}

func TestParseProviderFileUnsupportedType(t *testing.T) {
	_, err := ParseProviderFile("statement.pdf", strings.NewReader("%PDF"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}
