package reconcile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

func ours(pairs ...string) []Record {
	out := make([]Record, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Record{TransactionID: pairs[i], Amount: pairs[i+1]})
	}
	return out
}

func theirs(pairs ...string) []Record {
	out := make([]Record, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Record{ProviderRef: pairs[i], Amount: pairs[i+1]})
	}
	return out
}

func kinds(ds []Discrepancy) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = fmt.Sprintf("%s:%s", d.Key, d.Type)
	}
	return out
}

func TestReconcileIdenticalSidesHaveNoDiscrepancies(t *testing.T) {
	ds, err := Reconcile(ours("T1", "25.00", "T2", "15"), theirs("T2", "15.00", "T1", "25"))
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.NotNil(t, ds)
}

func TestReconcileMissingTransactionScenario(t *testing.T) {
	ds, err := Reconcile(ours("T1", "25"), theirs("T1", "25", "T2", "15"))
	require.NoError(t, err)
	require.Len(t, ds, 1)

	d := ds[0]
	assert.Equal(t, MissingTransaction, d.Type)
	assert.Equal(t, "T2", d.Key)
	assert.Equal(t, "T2", d.ProviderRef)
	assert.Nil(t, d.OurAmount)
	require.NotNil(t, d.ProviderAmount)
	assert.True(t, d.ProviderAmount.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, "Transaction found in provider file but missing in our records", d.Description)
}

func TestReconcileAmountMismatch(t *testing.T) {
	ours := []Record{{TransactionID: "TXN-001", ProviderRef: "REF-123", Amount: "25.00"}}
	theirs := []Record{{ProviderRef: "REF-123", Amount: "24.50"}}

	ds, err := Reconcile(ours, theirs)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	d := ds[0]
	assert.Equal(t, AmountMismatch, d.Type)
	assert.Equal(t, "TXN-001", d.TransactionID)
	assert.Equal(t, "REF-123", d.ProviderRef)
	assert.Equal(t, "25.00", d.OurAmount.StringFixed(2))
	assert.Equal(t, "24.50", d.ProviderAmount.StringFixed(2))
	assert.Equal(t, "Amount difference of +0.50 EGP", d.Description)
}

func TestReconcileMismatchDescriptionIsSigned(t *testing.T) {
	testCases := []struct {
		our, their string
		want       string
	}{
		{"24.50", "25.00", "Amount difference of -0.50 USD"},
		{"10", "7", "Amount difference of +3.00 USD"},
		{"1.005", "1", "Amount difference of +0.005 USD"},
	}

	for _, tc := range testCases {
		ds, err := Reconcile(ours("T1", tc.our), theirs("T1", tc.their), WithCurrency("USD"))
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, tc.want, ds[0].Description)
	}
}

func TestReconcileTolerance(t *testing.T) {
	ds, err := Reconcile(ours("T1", "25.00"), theirs("T1", "24.99"), WithTolerance(decimal.RequireFromString("0.01")))
	require.NoError(t, err)
	assert.Empty(t, ds, "difference equal to the tolerance is accepted")

	ds, err = Reconcile(ours("T1", "25.00"), theirs("T1", "24.98"), WithTolerance(decimal.RequireFromString("0.01")))
	require.NoError(t, err)
	assert.Equal(t, []string{"T1:amount_mismatch"}, kinds(ds))

	_, err = Reconcile(nil, nil, WithTolerance(decimal.NewFromInt(-1)))
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestReconcileDegenerateSides(t *testing.T) {
	ds, err := Reconcile(ours("A", "1", "B", "2"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A:unknown_transaction", "B:unknown_transaction"}, kinds(ds))
	assert.Equal(t, "Transaction found in our records but missing in provider file", ds[0].Description)
	assert.Nil(t, ds[0].ProviderAmount)

	ds, err = Reconcile(nil, theirs("A", "1", "B", "2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A:missing_transaction", "B:missing_transaction"}, kinds(ds))

	ds, err = Reconcile(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestReconcileOneMissingPerTheirOnlyKey(t *testing.T) {
	ds, err := Reconcile(ours("K2", "5"), theirs("K1", "1", "K2", "5", "K3", "3", "K4", "4"))
	require.NoError(t, err)
	assert.Equal(t, []string{"K1:missing_transaction", "K3:missing_transaction", "K4:missing_transaction"}, kinds(ds))
}

func TestReconcileDuplicates(t *testing.T) {
	ds, err := Reconcile(
		ours("T1", "10", "T1", "10", "T2", "5"),
		theirs("T1", "12", "T2", "5", "T2", "5", "T2", "6"),
	)
	require.NoError(t, err)

	// first occurrences are compared: T1 10 vs 12, T2 5 vs 5
	assert.Equal(t, []string{"T1:amount_mismatch", "T1:duplicate", "T2:duplicate"}, kinds(ds))

	dupOurs := ds[1]
	assert.Equal(t, SideOurs, dupOurs.Side)
	assert.Equal(t, 2, dupOurs.Occurrences)
	assert.Equal(t, "Key T1 appears 2 times in our records", dupOurs.Description)
	require.NotNil(t, dupOurs.OurAmount)
	assert.Nil(t, dupOurs.ProviderAmount)

	dupTheirs := ds[2]
	assert.Equal(t, SideTheirs, dupTheirs.Side)
	assert.Equal(t, 3, dupTheirs.Occurrences)
	assert.Equal(t, "Key T2 appears 3 times in provider file", dupTheirs.Description)
}

func TestReconcileDuplicateOnBothSides(t *testing.T) {
	ds, err := Reconcile(ours("T1", "1", "T1", "1"), theirs("T1", "1", "T1", "1"))
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, SideOurs, ds[0].Side)
	assert.Equal(t, SideTheirs, ds[1].Side)
}

func TestReconcileOrderIsDeterministic(t *testing.T) {
	our := ours("B", "1", "C", "2", "A", "3")
	their := theirs("C", "9", "D", "4", "A", "3")

	first, err := Reconcile(our, their)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Reconcile(our, their)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	assert.Equal(t, []string{"B:unknown_transaction", "C:amount_mismatch", "D:missing_transaction"}, kinds(first))
}

func TestReconcileKeyPrefersProviderRef(t *testing.T) {
	assert.Equal(t, "REF-1", Key(Record{TransactionID: "TXN-1", ProviderRef: " REF-1 "}))
	assert.Equal(t, "TXN-1", Key(Record{TransactionID: "TXN-1"}))
	assert.Equal(t, "", Key(Record{Amount: "1"}))
}

func TestReconcileValidationErrors(t *testing.T) {
	testCases := []struct {
		name    string
		ours    []Record
		theirs  []Record
		subject string
	}{
		{"missing key ours", []Record{{Amount: "1"}}, nil, "ours[0]"},
		{"missing key theirs", nil, []Record{{ProviderRef: "R1", Amount: "1"}, {Amount: "2"}}, "theirs[1]"},
		{"non numeric", nil, []Record{{ProviderRef: "R1", Amount: "12,5"}}, "theirs[0] (key R1)"},
		{"empty amount", []Record{{TransactionID: "T9", Amount: " "}}, nil, "ours[0] (key T9)"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ds, err := Reconcile(tc.ours, tc.theirs)
			require.Error(t, err)
			assert.Nil(t, ds, "no partial result on validation failure")

			var vErr *apperrors.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tc.subject, vErr.Subject)
		})
	}
}
