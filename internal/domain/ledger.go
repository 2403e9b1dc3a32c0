package domain

import (
	"math/bits"
	"time"
)

// DayKeyLayout: формат ключа календарного дня (UTC).
const DayKeyLayout = "2006-01-02"

// CalendarDay: чистая функция: день считается по UTC, а не скользящим окном 24h.
func CalendarDay(now time.Time) string {
	return now.UTC().Format(DayKeyLayout)
}

// CounterKey: ключ счетчика расходов.
type CounterKey struct {
	AgentID string `json:"agent_id"`
	Asset   Asset  `json:"asset"`
	DayKey  string `json:"day_key"`
}

// SpendingCounter: дневной счетчик. Committed + Reserved <= DailyLimit после каждого успешного reserve.
type SpendingCounter struct {
	CounterKey
	Committed uint64    `json:"committed_amount"`
	Reserved  uint64    `json:"reserved_amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spent: сколько уже занято (committed + reserved). ok=false при переполнении.
func (c *SpendingCounter) Spent() (uint64, bool) {
	return AddUint64(c.Committed, c.Reserved)
}

// ReservationState: состояние резерва.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// Terminal: резерв уже закрыт и больше не может сменить состояние.
func (s ReservationState) Terminal() bool {
	return s == ReservationCommitted || s == ReservationReleased || s == ReservationExpired
}

// Reservation: временная заявка на часть дневного бюджета.
type Reservation struct {
	ID      string           `json:"reservation_id"`
	AgentID string           `json:"agent_id"`
	Asset   Asset            `json:"asset"`
	Amount  uint64           `json:"amount"`
	DayKey  string           `json:"day_key"`
	State   ReservationState `json:"state"`

	// Метки для аудита. Ledger их не интерпретирует.
	ServiceID     string `json:"service_id,omitempty"`
	FacilitatorID string `json:"facilitator_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	SettledAt time.Time `json:"settled_at,omitempty"`
}

// Key: счетчик, к которому привязан резерв.
func (r *Reservation) Key() CounterKey {
	return CounterKey{AgentID: r.AgentID, Asset: r.Asset, DayKey: r.DayKey}
}

// ExpiredAt: истек ли резерв к моменту now (строго expires_at < now).
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Usage: срез дневного бюджета для API/CLI.
type Usage struct {
	CounterKey
	Committed  uint64 `json:"committed_amount"`
	Reserved   uint64 `json:"reserved_amount"`
	DailyLimit uint64 `json:"daily_limit"`
	PerTxLimit uint64 `json:"per_tx_limit"`
	Remaining  uint64 `json:"remaining"`
}

// AddUint64: сложение без переполнения.
func AddUint64(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// SubUint64: вычитание без ухода в минус.
func SubUint64(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}
