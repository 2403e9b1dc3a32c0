package service

import (
	"context"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/identity"
	"github.com/manav2701/Aperture/internal/infra/auth"
)

// ApprovalRegistry: allow-list сервисов и фасилитаторов.
type ApprovalRegistry interface {
	Approve(ctx context.Context, callerID, agentID string, kind domain.ApprovalKind, identifier string) error
	Revoke(ctx context.Context, callerID, agentID string, kind domain.ApprovalKind, identifier string) error
	List(ctx context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error)
}

// ApprovalService нормализует идентификаторы на входе: реестр сравнивает их как есть.
type ApprovalService struct {
	registry ApprovalRegistry
	policies *PolicyService
}

func NewApprovalService(registry ApprovalRegistry, policies *PolicyService) *ApprovalService {
	return &ApprovalService{registry: registry, policies: policies}
}

func (s *ApprovalService) Approve(ctx context.Context, agentID string, kind domain.ApprovalKind, raw string) (string, error) {
	id, err := identity.Normalize(kind, raw)
	if err != nil {
		return "", err
	}
	return id, s.registry.Approve(ctx, auth.CallerID(ctx), agentID, kind, id)
}

func (s *ApprovalService) Revoke(ctx context.Context, agentID string, kind domain.ApprovalKind, raw string) (string, error) {
	id, err := identity.Normalize(kind, raw)
	if err != nil {
		return "", err
	}
	return id, s.registry.Revoke(ctx, auth.CallerID(ctx), agentID, kind, id)
}

func (s *ApprovalService) List(ctx context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error) {
	if _, err := s.policies.View(ctx, agentID); err != nil {
		return nil, err
	}
	entries, err := s.registry.List(ctx, agentID, kind)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return []domain.ApprovalEntry{}, nil
	}
	return entries, nil
}
