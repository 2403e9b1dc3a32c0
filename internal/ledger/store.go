package ledger

import (
	"context"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
)

// ReserveFunc проверяет лимиты и мутирует счетчик. Вызывается под блокировкой ключа счетчика;
// ошибка откатывает изменения. Возвращенный резерв сохраняется вместе со счетчиком.
type ReserveFunc func(c *domain.SpendingCounter) (*domain.Reservation, error)

// TransitionFunc мутирует резерв и его счетчик под той же блокировкой. Ошибка откатывает изменения.
type TransitionFunc func(r *domain.Reservation, c *domain.SpendingCounter) error

// Store: хранилище ledger с атомарными примитивами. Реализации: memory (per-key mutex),
// postgres (транзакция с SELECT ... FOR UPDATE), redis (WATCH/MULTI).
type Store interface {
	// Reserve выполняет fn атомарно над счетчиком key (создает нулевой при первом обращении).
	Reserve(ctx context.Context, key domain.CounterKey, fn ReserveFunc) (*domain.Reservation, error)
	// Transition выполняет fn атомарно над резервом id и его счетчиком.
	// Неизвестный id: domain.ErrNotFound. При ошибке fn возвращает исходный резерв и ошибку.
	Transition(ctx context.Context, id string, fn TransitionFunc) (*domain.Reservation, error)
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	// GetCounter возвращает нулевой счетчик, если день еще не трогали.
	GetCounter(ctx context.Context, key domain.CounterKey) (*domain.SpendingCounter, error)
	// HeldBefore: id резервов Held с expires_at < now, не более limit штук.
	HeldBefore(ctx context.Context, now time.Time, limit int) ([]string, error)
	// PurgeCounters удаляет счетчики дней раньше beforeDay без открытых резервов.
	PurgeCounters(ctx context.Context, beforeDay string) (int, error)
}
