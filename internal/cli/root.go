package cli

import (
	"fmt"
	"os"

	"github.com/manav2701/Aperture/internal/infra"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "aperturectl",
	Short:         "Operator tool for the Aperture payment policy engine",
	Long:          "Schema migrations, seeding of owners, policies and approvals, manual expiry sweeps,\nusage inspection and evaluate/settle calls against a running gateway.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./config.yaml or ./configs/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aperturectl: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime: конфиг и логгер для команд, работающих с хранилищами напрямую.
func loadRuntime() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfigFrom(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
