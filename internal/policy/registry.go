package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"go.uber.org/zap"
)

// Registry: владелец политик и проверки прав владельца.
// Администратор может создать политику для любого агента и становится ее владельцем,
// но не получает прав на чужие политики.
type Registry struct {
	repo   Repository
	admins map[string]struct{}
	clock  infra.Clock
	logger *zap.Logger
}

func NewRegistry(repo Repository, admins []string, clock infra.Clock, logger *zap.Logger) *Registry {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = struct{}{}
		}
	}
	return &Registry{
		repo:   repo,
		admins: set,
		clock:  clock,
		logger: logger.Named("policy"),
	}
}

// IsAdmin: caller из списка auth.admins.
func (r *Registry) IsAdmin(callerID string) bool {
	_, ok := r.admins[callerID]
	return ok
}

// Create создает политику. Разрешено самому агенту (caller == agent) или администратору.
func (r *Registry) Create(ctx context.Context, callerID, agentID string, limits domain.Limits) (*domain.Policy, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidArgument)
	}
	if callerID == "" || (callerID != agentID && !r.IsAdmin(callerID)) {
		return nil, domain.ErrUnauthorized
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	p := &domain.Policy{
		AgentID:   agentID,
		OwnerID:   callerID,
		Limits:    limits.Normalized(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.Insert(ctx, p); err != nil {
		return nil, err
	}

	r.logger.Info("policy created", zap.String("agent_id", agentID), zap.String("owner_id", callerID))
	return p.Clone(), nil
}

// Update меняет лимиты. Только владелец.
func (r *Registry) Update(ctx context.Context, callerID, agentID string, limits domain.Limits) (*domain.Policy, error) {
	cur, err := r.repo.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, domain.ErrNotFound
	}
	if !cur.IsOwner(callerID) {
		return nil, domain.ErrUnauthorized
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	cur.Limits = limits.Normalized()
	cur.UpdatedAt = r.clock.Now()
	if err := r.repo.Update(ctx, cur); err != nil {
		return nil, err
	}

	r.logger.Info("policy updated", zap.String("agent_id", agentID))
	return cur.Clone(), nil
}

// Get возвращает nil, nil если политики нет.
func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Policy, error) {
	return r.repo.Get(ctx, agentID)
}

func (r *Registry) List(ctx context.Context) ([]*domain.Policy, error) {
	return r.repo.List(ctx)
}

// Authorize: общая проверка владельца для ApprovalRegistry и LifecycleController.
func (r *Registry) Authorize(ctx context.Context, callerID, agentID string) (*domain.Policy, error) {
	p, err := r.repo.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNoPolicy
	}
	if !p.IsOwner(callerID) {
		return nil, domain.ErrUnauthorized
	}
	return p, nil
}
