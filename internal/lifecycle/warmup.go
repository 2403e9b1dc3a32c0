package lifecycle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState: прогрев L1 (RAM) и сверка L2 (Redis set) с репозиторием.
// L2 читается в Watcher.Init, когда репозиторий недоступен.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string), // Callback для обновления локальной мапы
) error {
	// 1. Обновляем локальный кэш (L1) через callback
	updateL1(ids)

	if rdb == nil {
		return nil
	}

	// 2. Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже сверяет set
	}

	// 3. Set заменяется целиком: сигнал мог потеряться, пока Redis был недоступен
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := rdb.TxPipeline()
	pipe.Del(ctx, redisKey)
	if len(members) > 0 {
		pipe.SAdd(ctx, redisKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	logger.Debug("redis lifecycle set reconciled",
		zap.String("key", redisKey), zap.Int("count", len(ids)))
	return nil
}
