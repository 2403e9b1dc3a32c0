package approval

import (
	"context"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"go.uber.org/zap"
)

// OwnerAuthorizer: проверка, что caller владеет политикой агента (policy.Registry).
type OwnerAuthorizer interface {
	Authorize(ctx context.Context, callerID, agentID string) (*domain.Policy, error)
}

// Registry: allow-list на агента. Идентификаторы приходят уже нормализованными.
type Registry struct {
	repo   Repository
	owners OwnerAuthorizer
	clock  infra.Clock
	logger *zap.Logger
}

func NewRegistry(repo Repository, owners OwnerAuthorizer, clock infra.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		repo:   repo,
		owners: owners,
		clock:  clock,
		logger: logger.Named("approval"),
	}
}

// Approve добавляет запись. Повторный approve: успешный no-op.
func (r *Registry) Approve(ctx context.Context, callerID, agentID string, kind domain.ApprovalKind, identifier string) error {
	return r.set(ctx, callerID, agentID, kind, identifier, true)
}

// Revoke снимает одобрение. Отзыв неодобренного: тоже успех.
func (r *Registry) Revoke(ctx context.Context, callerID, agentID string, kind domain.ApprovalKind, identifier string) error {
	return r.set(ctx, callerID, agentID, kind, identifier, false)
}

func (r *Registry) set(ctx context.Context, callerID, agentID string, kind domain.ApprovalKind, identifier string, approved bool) error {
	if !kind.Valid() || identifier == "" {
		return fmt.Errorf("%w: kind %q identifier %q", domain.ErrInvalidArgument, kind, identifier)
	}
	if _, err := r.owners.Authorize(ctx, callerID, agentID); err != nil {
		return err
	}

	err := r.repo.Put(ctx, domain.ApprovalEntry{
		AgentID:    agentID,
		Kind:       kind,
		Identifier: identifier,
		Approved:   approved,
		UpdatedBy:  callerID,
		UpdatedAt:  r.clock.Now(),
	})
	if err != nil {
		return err
	}

	r.logger.Info("approval changed",
		zap.String("agent_id", agentID),
		zap.String("kind", string(kind)),
		zap.String("identifier", identifier),
		zap.Bool("approved", approved),
	)
	return nil
}

func (r *Registry) IsApproved(ctx context.Context, agentID string, kind domain.ApprovalKind, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}
	return r.repo.Get(ctx, agentID, kind, identifier)
}

// List: записи агента; пустой kind означает оба вида.
func (r *Registry) List(ctx context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error) {
	return r.repo.List(ctx, agentID, kind)
}
