package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AgentHeader: заголовок с agent_id во входящих запросах шлюза.
const AgentHeader = "X-Agent-ID"

// StateSource: откуда Watcher берет полный список заблокированных агентов (Repository или Controller).
type StateSource interface {
	ListByState(ctx context.Context, state domain.LifecycleState) ([]string, error)
}

// RejectHook вызывается, когда Watcher отбил запрос (запись аудита).
type RejectHook func(r *http.Request, agentID string, reason domain.Reason)

// Watcher: локальный кэш paused/revoked агентов шлюза, синхронизированный через Redis Pub/Sub.
// Это ранний отсев в HTTP-пайплайне; решение всё равно принимает Gate по Controller.
type Watcher struct {
	source   StateSource
	rdb      *redis.Client
	logger   *zap.Logger
	onReject RejectHook

	mu     sync.RWMutex
	states map[string]domain.LifecycleState
}

func NewWatcher(source StateSource, rdb *redis.Client, logger *zap.Logger) *Watcher {
	return &Watcher{
		source: source,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "lifecycle-watcher")),
		states: make(map[string]domain.LifecycleState),
	}
}

// OnReject регистрирует hook для отбитых запросов.
func (w *Watcher) OnReject(hook RejectHook) {
	w.onReject = hook
}

// Init загружает состояние при старте и при каждом переподключении к Redis.
// Источник истины репозиторий; если он недоступен, берется снимок из Redis sets (L2).
func (w *Watcher) Init(ctx context.Context) error {
	fresh := make(map[string]domain.LifecycleState)
	for _, st := range []struct {
		state domain.LifecycleState
		key   string
	}{
		{domain.StatePaused, infra.RedisKeyPausedAgents},
		{domain.StateRevoked, infra.RedisKeyRevokedAgents},
	} {
		state := st.state
		ids, err := w.source.ListByState(ctx, st.state)
		if err != nil {
			snapshot, serr := w.snapshot(ctx, st.key)
			if serr != nil {
				return fmt.Errorf("failed to fetch %s agents: %w", st.state, err)
			}
			w.logger.Warn("lifecycle repository unavailable, using redis snapshot",
				zap.String("state", string(state)), zap.Int("count", len(snapshot)), zap.Error(err))
			for _, id := range snapshot {
				fresh[id] = state
			}
			continue
		}
		err = WarmupState(ctx, w.rdb, w.logger, ids, st.key, infra.GetWarmupLockKey(string(state)), func(items []string) {
			for _, id := range items {
				fresh[id] = state
			}
		})
		if err != nil {
			w.logger.Warn("lifecycle warm-up failed", zap.String("state", string(state)), zap.Error(err))
		}
	}

	w.mu.Lock()
	w.states = fresh
	w.mu.Unlock()

	w.logger.Info("lifecycle cache refreshed", zap.Int("count", len(fresh)))
	return nil
}

func (w *Watcher) snapshot(ctx context.Context, key string) ([]string, error) {
	if w.rdb == nil {
		return nil, fmt.Errorf("redis is not configured")
	}
	return w.rdb.SMembers(ctx, key).Result()
}

// Admission: middleware раннего отсева или nil. Без Redis кэш не узнает о снятии паузы,
// поэтому отсев выключается и решение остается за Gate.
func (w *Watcher) Admission() func(http.Handler) http.Handler {
	if w.rdb == nil {
		return nil
	}
	return w.Middleware
}

// StartListener подписывается на сигналы lifecycle. Блокирует до отмены ctx.
func (w *Watcher) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, w.rdb, w.logger, infra.RedisChanLifecycle,
		func() error { return w.Init(ctx) },
		w.apply,
	)
}

func (w *Watcher) apply(agentID string, state domain.LifecycleState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Revoked поглощающее: запоздавший сигнал не должен его перетирать
	if w.states[agentID] == domain.StateRevoked {
		return
	}
	if state == domain.StateActive {
		delete(w.states, agentID)
		return
	}
	w.states[agentID] = state
}

// processSignal: разбор сырого payload из канала.
func (w *Watcher) processSignal(payload string) bool {
	agentID, state, ok := ParseSignal(payload)
	if !ok {
		return false
	}
	w.apply(agentID, state)
	return true
}

// State: максимально быстрый метод для проверки в Hot Path.
func (w *Watcher) State(agentID string) domain.LifecycleState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if st, ok := w.states[agentID]; ok {
		return st
	}
	return domain.StateActive
}

// Middleware отбивает запросы paused/revoked агентов до похода в Gate.
func (w *Watcher) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(AgentHeader)
		if agentID == "" {
			next.ServeHTTP(rw, r)
			return
		}

		var reason domain.Reason
		switch w.State(agentID) {
		case domain.StatePaused:
			reason = domain.ReasonAgentPaused
		case domain.StateRevoked:
			reason = domain.ReasonAgentRevoked
		default:
			next.ServeHTTP(rw, r)
			return
		}

		w.logger.Info("intercepted blocked agent request", zap.String("agent_id", agentID), zap.String("reason", string(reason)))
		if w.onReject != nil {
			w.onReject(r, agentID, reason)
		}

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(rw).Encode(map[string]string{"error": "payment_blocked", "reason": string(reason)})
	})
}
