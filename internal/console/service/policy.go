package service

import (
	"context"
	"sort"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"go.uber.org/zap"
)

// PolicyRegistry описывает требования сервиса к реестру политик
type PolicyRegistry interface {
	Create(ctx context.Context, callerID, agentID string, limits domain.Limits) (*domain.Policy, error)
	Update(ctx context.Context, callerID, agentID string, limits domain.Limits) (*domain.Policy, error)
	Get(ctx context.Context, agentID string) (*domain.Policy, error)
	List(ctx context.Context) ([]*domain.Policy, error)
	IsAdmin(callerID string) bool
}

type PolicyService struct {
	registry PolicyRegistry
	logger   *zap.Logger
}

func NewPolicyService(registry PolicyRegistry, logger *zap.Logger) *PolicyService {
	return &PolicyService{registry: registry, logger: logger.Named("policy-service")}
}

// Create: политику создает сам агент или администратор; вызывающий становится владельцем.
func (s *PolicyService) Create(ctx context.Context, agentID string, limits domain.Limits) (*domain.Policy, error) {
	return s.registry.Create(ctx, auth.CallerID(ctx), agentID, limits)
}

// Update: только владелец.
func (s *PolicyService) Update(ctx context.Context, agentID string, limits domain.Limits) (*domain.Policy, error) {
	return s.registry.Update(ctx, auth.CallerID(ctx), agentID, limits)
}

func (s *PolicyService) Get(ctx context.Context, agentID string) (*domain.Policy, error) {
	return s.View(ctx, agentID)
}

// List: администратор видит всё, остальные только свои политики.
func (s *PolicyService) List(ctx context.Context) ([]*domain.Policy, error) {
	all, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Policy, 0, len(all))
	admin := s.IsAdmin(ctx)
	caller := auth.CallerID(ctx)
	for _, p := range all {
		if admin || p.IsOwner(caller) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// View: политика агента, если вызывающий ее владелец или администратор.
func (s *PolicyService) View(ctx context.Context, agentID string) (*domain.Policy, error) {
	p, err := s.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNoPolicy
	}
	if !p.IsOwner(auth.CallerID(ctx)) && !s.IsAdmin(ctx) {
		return nil, domain.ErrUnauthorized
	}
	return p, nil
}

// IsAdmin: администратор по списку из конфигурации или по scope токена.
func (s *PolicyService) IsAdmin(ctx context.Context) bool {
	return auth.HasScope(ctx, domain.ScopeAdmin) || s.registry.IsAdmin(auth.CallerID(ctx))
}
