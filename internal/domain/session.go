package domain

import "time"

// Session: рабочая сессия агента с бюджетом по активам и сроком жизни.
// Spent и PaymentCount растут при каждом успешном расчете, пока сессия открыта.
type Session struct {
	ID           string           `json:"id"`
	AgentID      string           `json:"agent_id"`
	OwnerID      string           `json:"owner_id"`
	Budget       map[Asset]uint64 `json:"budget"`
	Spent        map[Asset]uint64 `json:"spent"`
	PaymentCount int64            `json:"payment_count"`
	Active       bool             `json:"is_active"`
	ExpiresAt    time.Time        `json:"expires_at"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Open: сессия не завершена владельцем и не истекла.
func (s *Session) Open(now time.Time) bool {
	return s != nil && s.Active && now.Before(s.ExpiresAt)
}

// Remaining: остаток бюджета по активу (0, если бюджет исчерпан или актив не задан).
func (s *Session) Remaining(asset Asset) uint64 {
	left, ok := SubUint64(s.Budget[asset], s.Spent[asset])
	if !ok {
		return 0
	}
	return left
}

// Charge учитывает расход. При переполнении счетчик упирается в максимум.
func (s *Session) Charge(asset Asset, amount uint64, now time.Time) {
	if s.Spent == nil {
		s.Spent = make(map[Asset]uint64)
	}
	sum, ok := AddUint64(s.Spent[asset], amount)
	if !ok {
		sum = ^uint64(0)
	}
	s.Spent[asset] = sum
	s.PaymentCount++
	s.UpdatedAt = now
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Budget = copyAmounts(s.Budget)
	c.Spent = copyAmounts(s.Spent)
	return &c
}

func copyAmounts(in map[Asset]uint64) map[Asset]uint64 {
	out := make(map[Asset]uint64, len(in))
	for a, v := range in {
		out[a] = v
	}
	return out
}
