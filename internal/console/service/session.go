package service

import (
	"context"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra/auth"
)

// SessionRegistry: рабочие сессии агентов.
type SessionRegistry interface {
	Create(ctx context.Context, callerID, agentID string, budget map[domain.Asset]uint64, ttl time.Duration) (*domain.Session, error)
	End(ctx context.Context, callerID, sessionID string) (*domain.Session, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	List(ctx context.Context, agentID string) ([]*domain.Session, error)
	CountActive(ctx context.Context) (int64, error)
}

// SessionService: чтение доступно владельцу и администратору, изменение только владельцу.
type SessionService struct {
	registry SessionRegistry
	policies *PolicyService
}

func NewSessionService(registry SessionRegistry, policies *PolicyService) *SessionService {
	return &SessionService{registry: registry, policies: policies}
}

func (s *SessionService) Create(ctx context.Context, agentID string, budget map[domain.Asset]uint64, ttl time.Duration) (*domain.Session, error) {
	return s.registry.Create(ctx, auth.CallerID(ctx), agentID, budget, ttl)
}

func (s *SessionService) End(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.registry.End(ctx, auth.CallerID(ctx), sessionID)
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.policies.View(ctx, sess.AgentID); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) List(ctx context.Context, agentID string) ([]*domain.Session, error) {
	if _, err := s.policies.View(ctx, agentID); err != nil {
		return nil, err
	}
	return s.registry.List(ctx, agentID)
}
