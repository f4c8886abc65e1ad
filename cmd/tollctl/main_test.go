package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/tollpricing/fees"
	"github.com/liamcoop/tollpricing/reconcile"
)

const rulesJSON = `[
  {"id": "base", "name": "Base", "ruleType": "flat", "baseAmount": "10", "isActive": true, "priority": 1},
  {"id": "peak", "name": "Peak", "ruleType": "time_of_day", "baseAmount": "20", "isActive": true, "priority": 10,
   "timeConditions": {"windows": [{"start": "07:00", "end": "09:00"}]}},
  {"id": "truck", "name": "Trucks", "ruleType": "vehicle_type", "vehicleType": "truck", "baseAmount": "35", "isActive": true, "priority": 20}
]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQuote_PeakWindow(t *testing.T) {
	rules := writeFile(t, "rules.json", rulesJSON)

	out, err := execute(t, "quote", "--rules", rules, "--vehicle", "car", "--at", "2025-03-12T08:15:00Z")
	require.NoError(t, err, out)

	var q fees.FeeQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.True(t, q.CalculatedFee.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, []string{"Peak"}, q.AppliedRules)
	assert.Equal(t, []string{"Peak", "Base"}, q.MatchedRules)
}

func TestQuote_LastMatchMode(t *testing.T) {
	rules := writeFile(t, "rules.json", rulesJSON)

	out, err := execute(t, "quote", "--rules", rules, "--vehicle", "car",
		"--at", "2025-03-12T08:15:00Z", "--mode", "last_match")
	require.NoError(t, err, out)

	var q fees.FeeQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.True(t, q.CalculatedFee.Equal(decimal.NewFromInt(10)))
}

func TestQuote_WrappedRulesAndTimezone(t *testing.T) {
	rules := writeFile(t, "rules.json", `{"rules": `+rulesJSON+`}`)

	// 06:15 UTC is 08:15 in Cairo
	out, err := execute(t, "quote", "--rules", rules, "--vehicle", "car",
		"--at", "2025-03-12T06:15:00Z", "--timezone", "Africa/Cairo")
	require.NoError(t, err, out)

	var q fees.FeeQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, []string{"Peak"}, q.AppliedRules)
}

func TestQuote_VehicleFromEnvironment(t *testing.T) {
	rules := writeFile(t, "rules.json", rulesJSON)
	t.Setenv("TOLLCTL_QUOTE_VEHICLE", "truck")

	out, err := execute(t, "quote", "--rules", rules, "--at", "2025-03-12T12:00:00Z")
	require.NoError(t, err, out)

	var q fees.FeeQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.True(t, q.CalculatedFee.Equal(decimal.NewFromInt(35)))
}

func TestQuote_Errors(t *testing.T) {
	rules := writeFile(t, "rules.json", rulesJSON)

	tests := []struct {
		name string
		args []string
	}{
		{"missing rules", []string{"quote", "--vehicle", "car"}},
		{"missing vehicle", []string{"quote", "--rules", rules}},
		{"bad mode", []string{"quote", "--rules", rules, "--vehicle", "car", "--mode", "cheapest"}},
		{"bad time", []string{"quote", "--rules", rules, "--vehicle", "car", "--at", "tomorrow"}},
		{"unreadable rules", []string{"quote", "--rules", filepath.Join(t.TempDir(), "none.json"), "--vehicle", "car"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestReconcile_JSONOutput(t *testing.T) {
	ours := writeFile(t, "ours.csv", "transaction_id,provider_ref,amount\nT1,R1,10.00\nT2,R2,15.00\n")
	theirs := writeFile(t, "theirs.json", `{"transactions": [{"providerRef": "R1", "amount": "10.40"}, {"providerRef": "R3", "amount": "5"}]}`)

	out, err := execute(t, "reconcile", "--ours", ours, "--theirs", theirs)
	require.NoError(t, err, out)

	var ds []reconcile.Discrepancy
	require.NoError(t, json.Unmarshal([]byte(out), &ds))
	require.Len(t, ds, 3)
	assert.Equal(t, reconcile.AmountMismatch, ds[0].Type)
	assert.Equal(t, "Amount difference of -0.40 EGP", ds[0].Description)
	assert.Equal(t, reconcile.UnknownTransaction, ds[1].Type)
	assert.Equal(t, reconcile.MissingTransaction, ds[2].Type)
}

func TestReconcile_ToleranceAndCSV(t *testing.T) {
	ours := writeFile(t, "ours.csv", "transaction_id,provider_ref,amount\nT1,R1,10.00\n")
	theirs := writeFile(t, "theirs.csv", "reference,value\nR1,10.40\n")

	out, err := execute(t, "reconcile", "--ours", ours, "--theirs", theirs, "--tolerance", "0.50", "--format", "csv")
	require.NoError(t, err, out)

	rows, err := csv.NewReader(bytes.NewBufferString(out)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1, "only the header is written when nothing differs")
}

func TestReconcile_Errors(t *testing.T) {
	ours := writeFile(t, "ours.csv", "transaction_id,amount\nT1,10\n")
	bad := writeFile(t, "theirs.csv", "transaction_id,amount\nT1,ten\n")

	_, err := execute(t, "reconcile", "--ours", ours)
	assert.Error(t, err)

	_, err = execute(t, "reconcile", "--ours", ours, "--theirs", bad)
	assert.Error(t, err)

	_, err = execute(t, "reconcile", "--ours", ours, "--theirs", ours, "--format", "xml")
	assert.Error(t, err)
}
