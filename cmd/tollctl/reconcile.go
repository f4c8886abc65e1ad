package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/tollpricing/reconcile"
)

func reconcileCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare our transaction export with a provider settlement file",
		Long: `Both files may be CSV, JSON or XLSX. Records are matched on providerRef,
falling back to transactionId.`,
		Example: `  tollctl reconcile --ours ledger.csv --theirs vodafone_march.xlsx
  tollctl reconcile --ours ledger.json --theirs bank.csv --format csv > report.csv`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, v)
		},
	}

	cmd.Flags().String("ours", "", "our transaction export (required)")
	cmd.Flags().String("theirs", "", "provider settlement file (required)")
	cmd.Flags().String("tolerance", "0", "largest amount difference that is not reported")
	cmd.Flags().String("format", "json", "output format: json or csv")

	for _, name := range []string{"ours", "theirs", "tolerance", "format"} {
		_ = v.BindPFlag("reconcile."+name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runReconcile(cmd *cobra.Command, v *viper.Viper) error {
	oursPath, theirsPath := v.GetString("reconcile.ours"), v.GetString("reconcile.theirs")
	if oursPath == "" || theirsPath == "" {
		return fmt.Errorf("--ours and --theirs are required")
	}

	format := v.GetString("reconcile.format")
	if format != "json" && format != "csv" {
		return fmt.Errorf("unknown --format %q (use json or csv)", format)
	}

	tolerance, err := decimal.NewFromString(v.GetString("reconcile.tolerance"))
	if err != nil {
		return fmt.Errorf("invalid --tolerance: %w", err)
	}

	ours, err := readRecords(oursPath)
	if err != nil {
		return err
	}
	theirs, err := readRecords(theirsPath)
	if err != nil {
		return err
	}

	discrepancies, err := reconcile.Reconcile(ours, theirs,
		reconcile.WithTolerance(tolerance),
		reconcile.WithCurrency(v.GetString("currency")),
	)
	if err != nil {
		return err
	}

	if format == "csv" {
		return reconcile.WriteReportCSV(cmd.OutOrStdout(), discrepancies)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(discrepancies)
}

func readRecords(path string) ([]reconcile.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return reconcile.ParseProviderFile(filepath.Base(path), f)
}
