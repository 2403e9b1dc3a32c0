package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"go.uber.org/zap"
)

// LifecycleController: переключение состояний агента (сигнал шлюзам внутри).
type LifecycleController interface {
	Apply(ctx context.Context, callerID, agentID string, action domain.LifecycleAction) (domain.LifecycleState, error)
	CurrentState(ctx context.Context, agentID string) (domain.LifecycleState, error)
}

// UsageReader: расход по дневному счетчику.
type UsageReader interface {
	Usage(ctx context.Context, agentID string, asset domain.Asset, now time.Time) (*domain.Usage, error)
}

// AgentView: карточка агента в консоли.
type AgentView struct {
	AgentID string                `json:"agent_id"`
	OwnerID string                `json:"owner_id"`
	State   domain.LifecycleState `json:"state"`
	Usage   []*domain.Usage       `json:"usage"`
}

type AgentService struct {
	policies  *PolicyService
	lifecycle LifecycleController
	ledger    UsageReader
	clock     infra.Clock
	logger    *zap.Logger
}

func NewAgentService(policies *PolicyService, lc LifecycleController, ledger UsageReader, clock infra.Clock, logger *zap.Logger) *AgentService {
	return &AgentService{
		policies:  policies,
		lifecycle: lc,
		ledger:    ledger,
		clock:     clock,
		logger:    logger.Named("agent-service"),
	}
}

// Apply: pause/unpause/revoke от имени вызывающего.
func (s *AgentService) Apply(ctx context.Context, agentID string, action domain.LifecycleAction) (domain.LifecycleState, error) {
	state, err := s.lifecycle.Apply(ctx, auth.CallerID(ctx), agentID, action)
	if err != nil {
		s.logger.Warn("lifecycle action rejected",
			zap.String("agent_id", agentID),
			zap.String("action", string(action)),
			zap.Error(err))
		return state, err
	}
	return state, nil
}

// Status: политика, состояние и расход за сегодня по каждому настроенному активу.
func (s *AgentService) Status(ctx context.Context, agentID string) (*AgentView, error) {
	p, err := s.policies.View(ctx, agentID)
	if err != nil {
		return nil, err
	}
	state, err := s.lifecycle.CurrentState(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("service: load lifecycle: %w", err)
	}

	view := &AgentView{AgentID: p.AgentID, OwnerID: p.OwnerID, State: state, Usage: []*domain.Usage{}}
	now := s.clock.Now()
	for _, asset := range configuredAssets(p.Limits) {
		u, err := s.ledger.Usage(ctx, agentID, asset, now)
		if err != nil {
			return nil, err
		}
		view.Usage = append(view.Usage, u)
	}
	return view, nil
}

// Usage: расход по одному активу.
func (s *AgentService) Usage(ctx context.Context, agentID string, asset domain.Asset) (*domain.Usage, error) {
	if _, err := s.policies.View(ctx, agentID); err != nil {
		return nil, err
	}
	return s.ledger.Usage(ctx, agentID, domain.NormalizeAsset(string(asset)), s.clock.Now())
}

func configuredAssets(l domain.Limits) []domain.Asset {
	seen := make(map[domain.Asset]struct{}, len(l.PerTx)+len(l.Daily))
	for a := range l.PerTx {
		seen[a] = struct{}{}
	}
	for a := range l.Daily {
		seen[a] = struct{}{}
	}
	out := make([]domain.Asset, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
