package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/tollpricing/fees"
)

func quoteCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a single crossing against a rules file",
		Example: `  tollctl quote --rules rules.json --vehicle truck --at 2025-03-12T08:15:00+02:00
  tollctl quote --rules rules.json --vehicle car --mode last_match`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuote(cmd, v)
		},
	}

	cmd.Flags().String("rules", "", "JSON file with a rule array or {\"rules\": [...]} (required)")
	cmd.Flags().String("vehicle", "", "vehicle type of the crossing (required)")
	cmd.Flags().String("plate", "", "plate number")
	cmd.Flags().String("device", "", "toll device ID")
	cmd.Flags().String("at", "", "entry time, RFC 3339 (default now)")
	cmd.Flags().String("mode", string(fees.ResolveHighestPriority), "resolution mode: highest_priority or last_match")
	cmd.Flags().String("fallback", fees.DefaultFallbackFee.String(), "fee charged when no rule matches")
	cmd.Flags().String("timezone", "UTC", "IANA zone used for time windows and validity dates")

	for _, name := range []string{"rules", "vehicle", "plate", "device", "at", "mode", "fallback", "timezone"} {
		_ = v.BindPFlag("quote."+name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runQuote(cmd *cobra.Command, v *viper.Viper) error {
	rulesPath := v.GetString("quote.rules")
	if rulesPath == "" {
		return fmt.Errorf("--rules is required")
	}
	ruleSet, err := loadRules(rulesPath)
	if err != nil {
		return err
	}

	mode, err := fees.ParseResolutionMode(v.GetString("quote.mode"))
	if err != nil {
		return err
	}
	fallback, err := decimal.NewFromString(v.GetString("quote.fallback"))
	if err != nil {
		return fmt.Errorf("invalid --fallback: %w", err)
	}
	loc, err := time.LoadLocation(v.GetString("quote.timezone"))
	if err != nil {
		return fmt.Errorf("invalid --timezone: %w", err)
	}

	entry := time.Now()
	if at := v.GetString("quote.at"); at != "" {
		entry, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	engine, err := fees.NewEngine(
		fees.WithResolutionMode(mode),
		fees.WithFallbackFee(fallback),
		fees.WithCurrency(v.GetString("currency")),
		fees.WithLocation(loc),
	)
	if err != nil {
		return err
	}

	quote, err := engine.ComputeFee(ruleSet, fees.CrossingEvent{
		VehicleType: v.GetString("quote.vehicle"),
		PlateNumber: v.GetString("quote.plate"),
		DeviceID:    v.GetString("quote.device"),
		EntryTime:   entry,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(quote)
}

// loadRules reads either a bare rule array or an object with a "rules" field
func loadRules(path string) ([]*fees.FeeRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	data = bytes.TrimSpace(data)
	var ruleSet []*fees.FeeRule
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Rules []*fees.FeeRule `json:"rules"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
		}
		ruleSet = wrapped.Rules
	} else if err := json.Unmarshal(data, &ruleSet); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	return ruleSet, nil
}
