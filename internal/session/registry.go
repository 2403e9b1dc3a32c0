// Package session ведет рабочие сессии агентов: бюджет на ограниченное время и учет расхода.
// Лимиты платежей обеспечивает ledger; сессия показывает владельцу, сколько агент потратил
// в рамках конкретной задачи.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"go.uber.org/zap"
)

// MaxTTL: самая длинная сессия.
const MaxTTL = 30 * 24 * time.Hour

// OwnerAuthorizer: проверка, что caller владеет политикой агента (policy.Registry).
type OwnerAuthorizer interface {
	Authorize(ctx context.Context, callerID, agentID string) (*domain.Policy, error)
}

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
		logger: logger.Named("session"),
	}
}

// Create открывает сессию. Только владелец политики агента.
func (r *Registry) Create(ctx context.Context, callerID, agentID string, budget map[domain.Asset]uint64, ttl time.Duration) (*domain.Session, error) {
	if ttl <= 0 || ttl > MaxTTL {
		return nil, fmt.Errorf("%w: session ttl must be in (0, %s]", domain.ErrInvalidArgument, MaxTTL)
	}
	normalized := make(map[domain.Asset]uint64, len(budget))
	for a, v := range budget {
		if strings.TrimSpace(string(a)) == "" {
			return nil, fmt.Errorf("%w: empty asset code in session budget", domain.ErrInvalidArgument)
		}
		normalized[domain.NormalizeAsset(string(a))] = v
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: session budget is empty", domain.ErrInvalidArgument)
	}
	if _, err := r.owners.Authorize(ctx, callerID, agentID); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	s := &domain.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		OwnerID:   callerID,
		Budget:    normalized,
		Spent:     make(map[domain.Asset]uint64),
		Active:    true,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.Insert(ctx, s); err != nil {
		return nil, err
	}

	r.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("agent_id", agentID),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

// End завершает сессию досрочно. Только владелец политики агента.
func (r *Registry) End(ctx context.Context, callerID, sessionID string) (*domain.Session, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := r.owners.Authorize(ctx, callerID, s.AgentID); err != nil {
		return nil, err
	}
	ended, err := r.repo.End(ctx, sessionID, r.clock.Now())
	if err != nil {
		return nil, err
	}
	r.logger.Info("session ended", zap.String("session_id", sessionID), zap.String("agent_id", s.AgentID))
	return ended, nil
}

// Get: ErrNotFound для неизвестного id.
func (r *Registry) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return s, nil
}

func (r *Registry) List(ctx context.Context, agentID string) ([]*domain.Session, error) {
	return r.repo.ListByAgent(ctx, agentID)
}

// CountActive: открытые сейчас сессии.
func (r *Registry) CountActive(ctx context.Context) (int64, error) {
	return r.repo.CountActive(ctx, r.clock.Now())
}

// RecordSpend: gate.SpendObserver. Учитывает только успешные расчеты, по времени записи.
func (r *Registry) RecordSpend(ctx context.Context, rec *domain.PaymentRecord) error {
	if rec.Stage != domain.StageSuccess {
		return nil
	}
	n, err := r.repo.Charge(ctx, rec.AgentID, rec.Asset, rec.Amount, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("session: charge: %w", err)
	}
	if n > 0 {
		r.logger.Debug("session spend recorded",
			zap.String("agent_id", rec.AgentID),
			zap.Uint64("amount", rec.Amount),
			zap.Int("sessions", n),
		)
	}
	return nil
}
