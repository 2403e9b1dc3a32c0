package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/manav2701/Aperture/internal/app"
	"github.com/manav2701/Aperture/internal/console/service"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/identity"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var seedFile string

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "YAML bundle with users, policies and approvals")
	_ = seedCmd.MarkFlagRequired("file")
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load owners, policies and approvals from a YAML bundle",
	Long:  "Creates users, then policies (owned by the given owner), then approvals.\nExisting users and policies are reported and skipped.",
	Args:  cobra.NoArgs,
	RunE:  runSeed,
}

// Bundle: формат файла seed.
type Bundle struct {
	Users     []SeedUser     `yaml:"users"`
	Policies  []SeedPolicy   `yaml:"policies"`
	Approvals []SeedApproval `yaml:"approvals"`
}

type SeedUser struct {
	ID       string   `yaml:"id"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Scopes   []string `yaml:"scopes"`
}

type SeedPolicy struct {
	Owner   string        `yaml:"owner"`
	AgentID string        `yaml:"agent_id"`
	Limits  domain.Limits `yaml:",inline"`
}

type SeedApproval struct {
	Owner      string              `yaml:"owner"`
	AgentID    string              `yaml:"agent_id"`
	Kind       domain.ApprovalKind `yaml:"kind"`
	Identifier string              `yaml:"identifier"`
}

// ParseBundle читает и проверяет bundle.
func ParseBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("seed: decode bundle: %w", err)
	}
	for i, a := range b.Approvals {
		if !a.Kind.Valid() {
			return nil, fmt.Errorf("seed: approvals[%d]: unknown kind %q", i, a.Kind)
		}
	}
	return &b, nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	f, err := os.Open(seedFile)
	if err != nil {
		return err
	}
	defer f.Close()
	bundle, err := ParseBundle(f)
	if err != nil {
		return err
	}

	stores, err := app.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.DB == nil {
		logger.Warn("database.url is not set, seeded data lives only in this process")
	}

	core := app.NewCore(cfg, stores, infra.SystemClock{}, nil, nil, logger)
	users := service.NewAuthService(stores.Users, nil, nil, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)

	sum, err := ApplyBundle(cmd.Context(), bundle, users, core, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "users: %d, policies: %d, approvals: %d (skipped %d)\n",
		sum.Users, sum.Policies, sum.Approvals, sum.Skipped)
	return nil
}

// SeedSummary: сколько записей создано.
type SeedSummary struct {
	Users, Policies, Approvals, Skipped int
}

// UserRegistrar: service.AuthService.
type UserRegistrar interface {
	Register(ctx context.Context, id, username, password string, scopes map[string]bool) (*domain.User, error)
}

// ApplyBundle применяет bundle через реестры: проверки владельца те же, что у Console API.
func ApplyBundle(ctx context.Context, b *Bundle, users UserRegistrar, core *app.Core, logger *zap.Logger) (SeedSummary, error) {
	var sum SeedSummary

	for _, u := range b.Users {
		scopes := make(map[string]bool, len(u.Scopes))
		for _, s := range u.Scopes {
			scopes[s] = true
		}
		_, err := users.Register(ctx, u.ID, u.Username, u.Password, scopes)
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			logger.Info("user exists, skipped", zap.String("username", u.Username))
			sum.Skipped++
		case err != nil:
			return sum, fmt.Errorf("seed: user %s: %w", u.Username, err)
		default:
			sum.Users++
		}
	}

	for _, p := range b.Policies {
		_, err := core.Policies.Create(ctx, p.Owner, p.AgentID, p.Limits)
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			logger.Info("policy exists, skipped", zap.String("agent_id", p.AgentID))
			sum.Skipped++
		case err != nil:
			return sum, fmt.Errorf("seed: policy %s: %w", p.AgentID, err)
		default:
			sum.Policies++
		}
	}

	for _, a := range b.Approvals {
		id, err := identity.Normalize(a.Kind, a.Identifier)
		if err != nil {
			return sum, fmt.Errorf("seed: approval %s %s: %w", a.Kind, a.Identifier, err)
		}
		if err := core.Approvals.Approve(ctx, a.Owner, a.AgentID, a.Kind, id); err != nil {
			return sum, fmt.Errorf("seed: approval %s %s: %w", a.Kind, id, err)
		}
		sum.Approvals++
	}
	return sum, nil
}
