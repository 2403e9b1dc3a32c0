package lifecycle

import (
	"context"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"go.uber.org/zap"
)

// casAttempts: сколько раз переигрываем CAS при гонке двух команд владельца.
const casAttempts = 8

// OwnerAuthorizer: проверка владельца политики (policy.Registry).
type OwnerAuthorizer interface {
	Authorize(ctx context.Context, callerID, agentID string) (*domain.Policy, error)
}

// Signaler транслирует переход состояния остальным шлюзам.
type Signaler interface {
	Publish(ctx context.Context, agentID string, state domain.LifecycleState) error
}

// Controller: конечный автомат active/paused/revoked.
type Controller struct {
	repo     Repository
	owners   OwnerAuthorizer
	signaler Signaler // может быть nil
	clock    infra.Clock
	logger   *zap.Logger
}

func NewController(repo Repository, owners OwnerAuthorizer, signaler Signaler, clock infra.Clock, logger *zap.Logger) *Controller {
	return &Controller{
		repo:     repo,
		owners:   owners,
		signaler: signaler,
		clock:    clock,
		logger:   logger.Named("lifecycle"),
	}
}

func (c *Controller) Pause(ctx context.Context, callerID, agentID string) (domain.LifecycleState, error) {
	return c.transition(ctx, callerID, agentID, domain.ActionPause)
}

func (c *Controller) Unpause(ctx context.Context, callerID, agentID string) (domain.LifecycleState, error) {
	return c.transition(ctx, callerID, agentID, domain.ActionUnpause)
}

func (c *Controller) Revoke(ctx context.Context, callerID, agentID string) (domain.LifecycleState, error) {
	return c.transition(ctx, callerID, agentID, domain.ActionRevoke)
}

// Apply: универсальная команда для API (pause/unpause/revoke).
func (c *Controller) Apply(ctx context.Context, callerID, agentID string, action domain.LifecycleAction) (domain.LifecycleState, error) {
	return c.transition(ctx, callerID, agentID, action)
}

// CurrentState: Active, если агент ни разу не переключался.
func (c *Controller) CurrentState(ctx context.Context, agentID string) (domain.LifecycleState, error) {
	return c.repo.Get(ctx, agentID)
}

// ListByState: агенты в состоянии (для прогрева Watcher).
func (c *Controller) ListByState(ctx context.Context, state domain.LifecycleState) ([]string, error) {
	return c.repo.ListByState(ctx, state)
}

func (c *Controller) transition(ctx context.Context, callerID, agentID string, action domain.LifecycleAction) (domain.LifecycleState, error) {
	if _, err := c.owners.Authorize(ctx, callerID, agentID); err != nil {
		return "", err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := c.repo.Get(ctx, agentID)
		if err != nil {
			return "", err
		}
		next, err := cur.Next(action)
		if err != nil {
			return cur, err
		}
		if next == cur {
			return cur, nil
		}

		ok, err := c.repo.CompareAndSwap(ctx, cur, domain.AgentStatus{
			AgentID:   agentID,
			State:     next,
			UpdatedBy: callerID,
			UpdatedAt: c.clock.Now(),
		})
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}

		c.logger.Info("agent state changed",
			zap.String("agent_id", agentID),
			zap.String("from", string(cur)),
			zap.String("to", string(next)),
		)
		c.signal(ctx, agentID, next)
		return next, nil
	}
	return "", fmt.Errorf("lifecycle: too much contention on agent %s", agentID)
}

// signal: best-effort: источник истины репозиторий, а шлюзы пересинхронизируются при переподключении.
func (c *Controller) signal(ctx context.Context, agentID string, state domain.LifecycleState) {
	if c.signaler == nil {
		return
	}
	if err := c.signaler.Publish(ctx, agentID, state); err != nil {
		c.logger.Warn("runtime signal delivery failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
