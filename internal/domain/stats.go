package domain

// DashboardStats: сводка за текущий календарный день.
type DashboardStats struct {
	DayKey         string           `json:"day_key"`
	PaymentsToday  int64            `json:"payments_today"`
	BlockedToday   int64            `json:"blocked_today"`
	SpentToday     map[Asset]uint64 `json:"spent_today"`
	ActivePolicies int64            `json:"active_policies"`
	ActiveSessions int64            `json:"active_sessions"`
	BlockReasons   map[Reason]int64 `json:"block_reasons"`
	Recent         []*PaymentRecord `json:"recent_payments"`
}
