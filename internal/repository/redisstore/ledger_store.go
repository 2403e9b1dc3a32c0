// Package redisstore: ledger Store поверх Redis для нескольких инстансов шлюза без Postgres.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/ledger"
	"github.com/redis/go-redis/v9"
)

const (
	// maxTxRetries: сколько раз повторяем WATCH/MULTI при конкурентной записи ключа.
	maxTxRetries = 32
	// Паузы между попытками: full jitter от txRetryBase до txRetryCap, чтобы конкуренты разошлись.
	txRetryBase = time.Millisecond
	txRetryCap  = 50 * time.Millisecond
	// settledRetention: сколько хранится закрытый резерв.
	settledRetention = 72 * time.Hour

	fieldCommitted = "committed"
	fieldReserved  = "reserved"
	fieldUpdatedAt = "updated_at"
)

// ErrContention: оптимистичная транзакция не прошла за maxTxRetries попыток.
var ErrContention = errors.New("redisstore: too much contention on ledger key")

// LedgerStore: счетчик HASH, резерв JSON-строкой, открытые резервы в ZSET по expires_at.
// Атомарность: WATCH на ключах счетчика и резерва и запись через MULTI/EXEC.
type LedgerStore struct {
	rdb *redis.Client
}

var _ ledger.Store = (*LedgerStore)(nil)

func NewLedgerStore(rdb *redis.Client) *LedgerStore {
	return &LedgerStore{rdb: rdb}
}

func counterKey(k domain.CounterKey) string {
	return infra.RedisCounterKey(k.AgentID, string(k.Asset), k.DayKey)
}

func (s *LedgerStore) Reserve(ctx context.Context, key domain.CounterKey, fn ledger.ReserveFunc) (*domain.Reservation, error) {
	ck := counterKey(key)
	var res *domain.Reservation

	err := s.watch(ctx, func(tx *redis.Tx) error {
		c, err := readCounter(ctx, tx, key)
		if err != nil {
			return err
		}
		r, err := fn(c)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("redisstore: encode reservation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ck, counterFields(c))
			pipe.Set(ctx, infra.RedisReservationKey(r.ID), raw, 0)
			pipe.ZAdd(ctx, infra.RedisKeyHeldIndex, redis.Z{Score: float64(r.ExpiresAt.UnixMilli()), Member: r.ID})
			return nil
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	}, ck)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerStore) Transition(ctx context.Context, id string, fn ledger.TransitionFunc) (*domain.Reservation, error) {
	// Ключ счетчика резерва неизменяем, поэтому его можно узнать до WATCH
	current, err := s.GetReservation(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// Висящий id в индексе не должен возвращаться из HeldBefore снова
		_ = s.rdb.ZRem(ctx, infra.RedisKeyHeldIndex, id).Err()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	rk := infra.RedisReservationKey(id)
	ck := counterKey(current.Key())

	var (
		res      *domain.Reservation
		original *domain.Reservation
		fnErr    error
	)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		r, err := readReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		c, err := readCounter(ctx, tx, r.Key())
		if err != nil {
			return err
		}

		snapshot := *r
		original = &snapshot
		if fnErr = fn(r, c); fnErr != nil {
			return fnErr
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("redisstore: encode reservation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ck, counterFields(c))
			if r.State == domain.ReservationHeld {
				pipe.Set(ctx, rk, raw, 0)
				return nil
			}
			pipe.Set(ctx, rk, raw, settledRetention)
			pipe.ZRem(ctx, infra.RedisKeyHeldIndex, r.ID)
			return nil
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	}, rk, ck)
	if err != nil {
		if fnErr != nil {
			return original, err
		}
		return nil, err
	}
	return res, nil
}

func (s *LedgerStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return readReservation(ctx, s.rdb, id)
}

func (s *LedgerStore) GetCounter(ctx context.Context, key domain.CounterKey) (*domain.SpendingCounter, error) {
	return readCounter(ctx, s.rdb, key)
}

func (s *LedgerStore) HeldBefore(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, infra.RedisKeyHeldIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: failed to read held index: %w", err)
	}
	return ids, nil
}

// PurgeCounters удаляет счетчики дней раньше beforeDay с reserved = 0.
// Закрытые резервы удаляет сам Redis по TTL.
func (s *LedgerStore) PurgeCounters(ctx context.Context, beforeDay string) (int, error) {
	purged := 0
	iter := s.rdb.Scan(ctx, 0, infra.RedisNamespace+":ledger:counter:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if day := dayOf(key); day == "" || day >= beforeDay {
			continue
		}
		deleted := false
		err := s.watch(ctx, func(tx *redis.Tx) error {
			deleted = false
			reserved, err := tx.HGet(ctx, key, fieldReserved).Uint64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if reserved != 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			deleted = err == nil
			return err
		}, key)
		if err != nil {
			return purged, err
		}
		if deleted {
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("redisstore: scan counters: %w", err)
	}
	return purged, nil
}

// watch повторяет оптимистичную транзакцию, пока ключи меняет кто-то другой.
func (s *LedgerStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return retryTx(ctx, func() error {
		return s.rdb.Watch(ctx, fn, keys...)
	})
}

// retryTx: повтор только на TxFailedErr, остальные ошибки (в том числе доменные) отдаются сразу.
func retryTx(ctx context.Context, attempt func() error) error {
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(maxTxRetries),
		retry.Delay(txRetryBase),
		retry.MaxDelay(txRetryCap),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, redis.TxFailedErr) }),
		retry.LastErrorOnly(true),
	).Do(attempt)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrContention
	}
	return err
}

// dayOf: последний сегмент ключа счетчика.
func dayOf(key string) string {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return ""
	}
	return key[i+1:]
}

func readReservation(ctx context.Context, c redis.Cmdable, id string) (*domain.Reservation, error) {
	raw, err := c.Get(ctx, infra.RedisReservationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: failed to get reservation: %w", err)
	}
	var r domain.Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("redisstore: decode reservation: %w", err)
	}
	return &r, nil
}

func readCounter(ctx context.Context, c redis.Cmdable, key domain.CounterKey) (*domain.SpendingCounter, error) {
	fields, err := c.HGetAll(ctx, counterKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: failed to get counter: %w", err)
	}
	return decodeCounter(key, fields)
}

func decodeCounter(key domain.CounterKey, fields map[string]string) (*domain.SpendingCounter, error) {
	out := &domain.SpendingCounter{CounterKey: key}
	var err error
	if v, ok := fields[fieldCommitted]; ok {
		if out.Committed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("redisstore: bad committed %q: %w", v, err)
		}
	}
	if v, ok := fields[fieldReserved]; ok {
		if out.Reserved, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("redisstore: bad reserved %q: %w", v, err)
		}
	}
	if v, ok := fields[fieldUpdatedAt]; ok && v != "" {
		if out.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("redisstore: bad updated_at %q: %w", v, err)
		}
	}
	return out, nil
}

// counterFields: суммы пишутся строками: uint64 не влезает в числа Redis без потерь.
func counterFields(c *domain.SpendingCounter) map[string]interface{} {
	return map[string]interface{}{
		fieldCommitted: strconv.FormatUint(c.Committed, 10),
		fieldReserved:  strconv.FormatUint(c.Reserved, 10),
		fieldUpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
