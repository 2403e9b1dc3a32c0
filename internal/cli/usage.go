package cli

import (
	"encoding/json"

	"github.com/manav2701/Aperture/internal/app"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/spf13/cobra"
)

var usageAsset string

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().StringVar(&usageAsset, "asset", string(domain.AssetSTX), "Asset code (STX, SBTC)")
}

var usageCmd = &cobra.Command{
	Use:   "usage <agent_id>",
	Short: "Show today's committed, reserved and remaining budget of an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	stores, err := app.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	clock := infra.SystemClock{}
	core := app.NewCore(cfg, stores, clock, nil, nil, logger)
	u, err := core.Ledger.Usage(cmd.Context(), args[0], domain.NormalizeAsset(usageAsset), clock.Now())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(u)
}
