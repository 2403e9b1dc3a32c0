package lifecycle

import (
	"context"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/redis/go-redis/v9"
)

// RedisSignaler обновляет L2 sets и публикует сигнал в канал lifecycle.
type RedisSignaler struct {
	rdb *redis.Client
}

func NewRedisSignaler(rdb *redis.Client) *RedisSignaler {
	return &RedisSignaler{rdb: rdb}
}

func (s *RedisSignaler) Publish(ctx context.Context, agentID string, state domain.LifecycleState) error {
	pipe := s.rdb.TxPipeline()
	switch state {
	case domain.StatePaused:
		pipe.SAdd(ctx, infra.RedisKeyPausedAgents, agentID)
	case domain.StateRevoked:
		pipe.SRem(ctx, infra.RedisKeyPausedAgents, agentID)
		pipe.SAdd(ctx, infra.RedisKeyRevokedAgents, agentID)
	case domain.StateActive:
		pipe.SRem(ctx, infra.RedisKeyPausedAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanLifecycle, FormatSignal(agentID, state))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish lifecycle signal: %w", err)
	}
	return nil
}
