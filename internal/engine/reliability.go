package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/manav2701/Aperture/internal/connectors"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper: лимитер, предохранитель, ретраи и таймаут вокруг платного апстрима.
type ReliabilityWrapper struct {
	next     connectors.Executor
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func NewReliabilityWrapper(next connectors.Executor, cfg infra.EngineConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	failures := cfg.CBFailures
	if failures == 0 {
		failures = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aperture-upstream",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(limit, cfg.RateBurst),
		attempts: attempts,
		timeout:  cfg.UpstreamTimeout,
	}
}

func (w *ReliabilityWrapper) Do(ctx context.Context, req *connectors.Request) (*connectors.Response, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	out, err := w.cb.Execute(func() (interface{}, error) {
		var resp *connectors.Response

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Апстрим сам сказал, сколько ждать (Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		err := r.Do(func() error {
			callCtx := ctx
			if w.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, w.timeout)
				defer cancel()
			}

			var callErr error
			resp, callErr = w.next.Do(callCtx, req)
			return callErr
		})
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	return out.(*connectors.Response), nil
}

// retryable: отмена запроса агентом не повторяется.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}
