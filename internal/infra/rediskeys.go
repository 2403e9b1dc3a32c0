package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "aperture"
)

// Ключи для Sets (состояние lifecycle, синхронизируется между шлюзами)
const (
	RedisKeyPausedAgents  = RedisNamespace + ":agents:paused_set"
	RedisKeyRevokedAgents = RedisNamespace + ":agents:revoked_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanLifecycle: "agentID:state" после каждого перехода.
	RedisChanLifecycle = RedisNamespace + ":agents:lifecycle-signal"
)

// Ключи ledger store
const (
	RedisKeyHeldIndex = RedisNamespace + ":ledger:held" // ZSET reservation_id -> expires_at (unix ms)
)

// RedisCounterKey: HASH committed/reserved/updated_at.
func RedisCounterKey(agentID, asset, dayKey string) string {
	return fmt.Sprintf("%s:ledger:counter:%s:%s:%s", RedisNamespace, agentID, asset, dayKey)
}

// RedisReservationKey: JSON резерва.
func RedisReservationKey(id string) string {
	return fmt.Sprintf("%s:ledger:reservation:%s", RedisNamespace, id)
}

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
