package cli

import (
	"fmt"

	"github.com/manav2701/Aperture/internal/app"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue reservations once and purge stale counters",
	Long:  "Runs a single pass of the gateway sweeper against the configured stores.\nUseful after an outage when no gateway instance was sweeping.",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	stores, err := app.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	core := app.NewCore(cfg, stores, infra.SystemClock{}, nil, nil, logger)
	n := core.Sweeper(cfg, logger).RunOnce(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "expired reservations: %d\n", n)
	return nil
}
