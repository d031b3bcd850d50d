// Package cli implements the tokengate command-line interface.
package cli

import (
	"os"
	"path/filepath"

	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	log *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokengate",
		Short: "tokengate — AI generation dispatch and token metering engine",
		Long:  "tokengate routes generation requests to AI providers, streams their output and meters every request against prepaid token balances.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				cfgFile = defaultConfigPath()
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tokengate/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBalanceCmd())
	cmd.AddCommand(newModelsCmd())

	return cmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".tokengate", "config.yaml")
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
