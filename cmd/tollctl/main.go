package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/tollpricing/internal/logger"
)

// newRootCmd builds the command tree. Flags are bound to v so every option can
// also come from a TOLLCTL_* environment variable.
func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "tollctl",
		Short: "Offline toll fee quotes and settlement reconciliation",
		Long: `tollctl runs the fee rule engine and the reconciliation engine against local
files, without a database or the HTTP server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, err := logger.ParseLevel(v.GetString("log_level"))
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("currency", "EGP", "currency code for fees and discrepancy descriptions")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("currency", root.PersistentFlags().Lookup("currency"))

	v.SetEnvPrefix("TOLLCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root.AddCommand(quoteCmd(v))
	root.AddCommand(reconcileCmd(v))
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(viper.New()).ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
