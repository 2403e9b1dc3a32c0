package ledger

import (
	"context"
	"time"

	"github.com/manav2701/Aperture/internal/infra"
	"go.uber.org/zap"
)

// SweepFunc: один проход очистки, возвращает число закрытых резервов.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// Sweeper по тикеру возвращает в бюджет истекшие резервы и чистит старые счетчики.
type Sweeper struct {
	sweep    SweepFunc
	purge    SweepFunc
	clock    infra.Clock
	interval time.Duration
	logger   *zap.Logger
}

// DefaultSweepInterval подставляется, если interval не положительный (time.NewTicker паникует на 0).
const DefaultSweepInterval = 5 * time.Second

// NewSweeper: sweep обычно Gate.SweepExpired (с записью аудита), purge: Ledger.PurgeStale.
func NewSweeper(sweep, purge SweepFunc, clock infra.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		sweep:    sweep,
		purge:    purge,
		clock:    clock,
		interval: interval,
		logger:   logger.With(zap.String("mod", "sweeper")),
	}
}

// Run блокирует до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce: один проход (aperturectl sweep и тесты).
func (s *Sweeper) RunOnce(ctx context.Context) int {
	now := s.clock.Now()
	n, err := s.sweep(ctx, now)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
	}
	if s.purge != nil {
		if _, err := s.purge(ctx, now); err != nil {
			s.logger.Error("counter purge failed", zap.Error(err))
		}
	}
	return n
}
