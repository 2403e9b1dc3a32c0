package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenStateResilient: цикл "живучей" подписки на сигналы lifecycle.
// Обрабатывает переподключения и разбор сигналов "agent_id:state".
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Пересинхронизация при каждом коннекте
	onMessage func(agentID string, state domain.LifecycleState),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Сообщения, пропущенные пока не были подписаны, догоняем из хранилища
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				agentID, state, ok := ParseSignal(msg.Payload)
				if !ok {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(agentID, state)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// FormatSignal: "agent_id:state".
func FormatSignal(agentID string, state domain.LifecycleState) string {
	return agentID + ":" + string(state)
}

// ParseSignal разбирает "agent_id:state". Делим по последнему ':', т.к. в agent_id он допустим.
func ParseSignal(payload string) (string, domain.LifecycleState, bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", "", false
	}
	state := domain.LifecycleState(payload[i+1:])
	if !state.Valid() {
		return "", "", false
	}
	return payload[:i], state, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
