package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manav2701/Aperture/internal/engine"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	gateAddr    string
	gateToken   string
	gateTimeout time.Duration

	evalAgent       string
	evalAmount      string
	evalAsset       string
	evalService     string
	evalFacilitator string

	settleOutcome string
	settleDetail  string
)

func init() {
	for _, c := range []*cobra.Command{evaluateCmd, settleCmd} {
		c.Flags().StringVar(&gateAddr, "addr", "localhost:50052", "PaymentGate gRPC address")
		c.Flags().StringVar(&gateToken, "token", "", "Bearer token of the caller")
		c.Flags().DurationVar(&gateTimeout, "timeout", 5*time.Second, "Call timeout")
		rootCmd.AddCommand(c)
	}

	evaluateCmd.Flags().StringVar(&evalAgent, "agent", "", "Agent id")
	evaluateCmd.Flags().StringVar(&evalAmount, "amount", "", "Amount in minimal units")
	evaluateCmd.Flags().StringVar(&evalAsset, "asset", "STX", "Asset code")
	evaluateCmd.Flags().StringVar(&evalService, "service", "", "Paid service URL")
	evaluateCmd.Flags().StringVar(&evalFacilitator, "facilitator", "", "Facilitator principal")
	_ = evaluateCmd.MarkFlagRequired("agent")
	_ = evaluateCmd.MarkFlagRequired("amount")

	settleCmd.Flags().StringVar(&settleOutcome, "outcome", "success", "success | failure")
	settleCmd.Flags().StringVar(&settleDetail, "detail", "", "Free-form detail for the audit record")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Ask a running gateway to evaluate a payment (reserves budget on approval)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		in, err := structpb.NewStruct(map[string]interface{}{
			"agent_id":    evalAgent,
			"amount":      evalAmount,
			"asset":       evalAsset,
			"service":     evalService,
			"facilitator": evalFacilitator,
		})
		if err != nil {
			return err
		}
		return callGate(cmd, func(ctx context.Context, c *engine.PaymentGateClient) (*structpb.Struct, error) {
			return c.Evaluate(ctx, in)
		})
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle <reservation_id>",
	Short: "Report the outcome of a paid call for a reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := structpb.NewStruct(map[string]interface{}{
			"reservation_id": args[0],
			"outcome":        settleOutcome,
			"detail":         settleDetail,
		})
		if err != nil {
			return err
		}
		return callGate(cmd, func(ctx context.Context, c *engine.PaymentGateClient) (*structpb.Struct, error) {
			return c.Settle(ctx, in)
		})
	},
}

func callGate(cmd *cobra.Command, call func(context.Context, *engine.PaymentGateClient) (*structpb.Struct, error)) error {
	conn, err := grpc.NewClient(gateAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), gateTimeout)
	defer cancel()
	if gateToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+gateToken)
	}

	out, err := call(ctx, engine.NewPaymentGateClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out.AsMap())
}
