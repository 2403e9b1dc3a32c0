package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/manav2701/Aperture/internal/domain"
	"go.uber.org/zap"
)

// PolicySource: чтение политики агента (policy.Registry).
type PolicySource interface {
	Get(ctx context.Context, agentID string) (*domain.Policy, error)
}

// Config: параметры протокола резервирования.
type Config struct {
	ReservationTTL   time.Duration
	SweepBatch       int
	CounterRetention time.Duration
}

// ReserveRequest: заявка на резерв. ServiceID/FacilitatorID: метки для аудита.
type ReserveRequest struct {
	AgentID       string
	Asset         domain.Asset
	Amount        uint64
	ServiceID     string
	FacilitatorID string
}

// Ledger: дневные счетчики расходов с протоколом reserve/commit/release.
type Ledger struct {
	store    Store
	policies PolicySource
	cfg      Config
	newID    func() string
	logger   *zap.Logger
}

func New(store Store, policies PolicySource, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	return &Ledger{
		store:    store,
		policies: policies,
		cfg:      cfg,
		newID:    uuid.NewString,
		logger:   logger.Named("ledger"),
	}
}

// Reserve атомарно проверяет лимиты и увеличивает reserved_amount.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest, now time.Time) (*domain.Reservation, error) {
	if req.AgentID == "" || req.Asset == "" {
		return nil, fmt.Errorf("%w: agent_id and asset are required", domain.ErrInvalidArgument)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument)
	}

	p, err := l.policies.Get(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load policy: %w", err)
	}
	if p == nil {
		return nil, domain.ErrNoPolicy
	}

	// Лимит на транзакцию не зависит от счетчика: проверяем до блокировки
	if req.Amount > p.PerTxLimit(req.Asset) {
		return nil, domain.ErrPerTxLimitExceeded
	}
	daily := p.DailyLimit(req.Asset)

	key := domain.CounterKey{AgentID: req.AgentID, Asset: req.Asset, DayKey: domain.CalendarDay(now)}
	res, err := l.store.Reserve(ctx, key, func(c *domain.SpendingCounter) (*domain.Reservation, error) {
		spent, ok := c.Spent()
		if !ok {
			return nil, domain.ErrArithmeticOverflow
		}
		total, ok := domain.AddUint64(spent, req.Amount)
		if !ok {
			return nil, domain.ErrArithmeticOverflow
		}
		if total > daily {
			return nil, domain.ErrDailyLimitExceeded
		}

		c.Reserved += req.Amount // не переполнится: total посчитан выше
		c.UpdatedAt = now
		return &domain.Reservation{
			ID:            l.newID(),
			AgentID:       req.AgentID,
			Asset:         req.Asset,
			Amount:        req.Amount,
			DayKey:        key.DayKey,
			State:         domain.ReservationHeld,
			ServiceID:     req.ServiceID,
			FacilitatorID: req.FacilitatorID,
			CreatedAt:     now,
			ExpiresAt:     now.Add(l.cfg.ReservationTTL),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("budget reserved",
		zap.String("agent_id", res.AgentID),
		zap.String("asset", string(res.Asset)),
		zap.Uint64("amount", res.Amount),
		zap.String("reservation_id", res.ID),
	)
	return res, nil
}

// Commit делает резерв постоянным расходом. Истекший резерв переводится в Expired,
// сумма возвращается в бюджет, и возвращается ErrInvalidReservation вместе с резервом.
func (l *Ledger) Commit(ctx context.Context, id string, now time.Time) (*domain.Reservation, error) {
	return l.settle(ctx, id, now, domain.ReservationCommitted)
}

// Release отменяет резерв и возвращает сумму в бюджет.
func (l *Ledger) Release(ctx context.Context, id string, now time.Time) (*domain.Reservation, error) {
	return l.settle(ctx, id, now, domain.ReservationReleased)
}

func (l *Ledger) settle(ctx context.Context, id string, now time.Time, target domain.ReservationState) (*domain.Reservation, error) {
	expired := false
	res, err := l.store.Transition(ctx, id, func(r *domain.Reservation, c *domain.SpendingCounter) error {
		if r.State != domain.ReservationHeld {
			return fmt.Errorf("%w: reservation %s is %s", domain.ErrInvalidReservation, r.ID, r.State)
		}
		if r.ExpiredAt(now) {
			expired = true
			return unhold(r, c, now, domain.ReservationExpired)
		}
		if target == domain.ReservationCommitted {
			committed, ok := domain.AddUint64(c.Committed, r.Amount)
			if !ok {
				return domain.ErrArithmeticOverflow
			}
			if err := unhold(r, c, now, target); err != nil {
				return err
			}
			c.Committed = committed
			return nil
		}
		return unhold(r, c, now, target)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown reservation %s", domain.ErrInvalidReservation, id)
	}
	if err != nil {
		return res, err
	}
	if expired {
		l.logger.Info("settle after expiry", zap.String("reservation_id", id))
		return res, fmt.Errorf("%w: reservation %s expired at %s", domain.ErrInvalidReservation, id, res.ExpiresAt.Format(time.RFC3339))
	}

	l.logger.Debug("reservation settled", zap.String("reservation_id", id), zap.String("state", string(res.State)))
	return res, nil
}

// unhold снимает сумму резерва с reserved_amount и закрывает резерв.
func unhold(r *domain.Reservation, c *domain.SpendingCounter, now time.Time, state domain.ReservationState) error {
	reserved, ok := domain.SubUint64(c.Reserved, r.Amount)
	if !ok {
		return fmt.Errorf("%w: counter reserved %d below reservation amount %d", domain.ErrArithmeticOverflow, c.Reserved, r.Amount)
	}
	c.Reserved = reserved
	c.UpdatedAt = now
	r.State = state
	r.SettledAt = now
	return nil
}

var errNotDue = errors.New("reservation not due for expiry")

// SweepExpired освобождает все Held резервы с expires_at < now. Каждый резерв закрывается ровно один раз:
// проверка состояния и перевод выполняются под блокировкой Store.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	for {
		ids, err := l.store.HeldBefore(ctx, now, l.cfg.SweepBatch)
		if err != nil {
			return out, fmt.Errorf("ledger: list expired: %w", err)
		}

		for _, id := range ids {
			res, err := l.store.Transition(ctx, id, func(r *domain.Reservation, c *domain.SpendingCounter) error {
				if r.State != domain.ReservationHeld || !r.ExpiredAt(now) {
					return errNotDue // успели закоммитить или отпустить
				}
				return unhold(r, c, now, domain.ReservationExpired)
			})
			switch {
			case err == nil:
				out = append(out, res)
			case errors.Is(err, errNotDue), errors.Is(err, domain.ErrNotFound):
			default:
				return out, err
			}
		}

		if len(ids) < l.cfg.SweepBatch {
			break
		}
	}

	if len(out) > 0 {
		l.logger.Info("expired reservations released", zap.Int("count", len(out)))
	}
	return out, nil
}

// GetReservation: nil-safe обертка: неизвестный id дает ErrInvalidReservation.
func (l *Ledger) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	res, err := l.store.GetReservation(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown reservation %s", domain.ErrInvalidReservation, id)
	}
	return res, err
}

// Counter: текущий счетчик агента за день now.
func (l *Ledger) Counter(ctx context.Context, agentID string, asset domain.Asset, now time.Time) (*domain.SpendingCounter, error) {
	return l.store.GetCounter(ctx, domain.CounterKey{AgentID: agentID, Asset: asset, DayKey: domain.CalendarDay(now)})
}

// Usage: committed/reserved и остаток дневного лимита.
func (l *Ledger) Usage(ctx context.Context, agentID string, asset domain.Asset, now time.Time) (*domain.Usage, error) {
	p, err := l.policies.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load policy: %w", err)
	}
	if p == nil {
		return nil, domain.ErrNoPolicy
	}
	c, err := l.Counter(ctx, agentID, asset, now)
	if err != nil {
		return nil, err
	}

	u := &domain.Usage{
		CounterKey: c.CounterKey,
		Committed:  c.Committed,
		Reserved:   c.Reserved,
		DailyLimit: p.DailyLimit(asset),
		PerTxLimit: p.PerTxLimit(asset),
	}
	if spent, ok := c.Spent(); ok {
		if rem, ok := domain.SubUint64(u.DailyLimit, spent); ok {
			u.Remaining = rem
		}
	}
	return u, nil
}

// PurgeStale: GC счетчиков старше CounterRetention.
func (l *Ledger) PurgeStale(ctx context.Context, now time.Time) (int, error) {
	if l.cfg.CounterRetention <= 0 {
		return 0, nil
	}
	n, err := l.store.PurgeCounters(ctx, domain.CalendarDay(now.Add(-l.cfg.CounterRetention)))
	if err != nil {
		return 0, fmt.Errorf("ledger: purge counters: %w", err)
	}
	if n > 0 {
		l.logger.Info("stale counters purged", zap.Int("count", n))
	}
	return n, nil
}
