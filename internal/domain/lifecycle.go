package domain

import "time"

// LifecycleState: состояние агента в Control Plane.
type LifecycleState string

const (
	StateActive  LifecycleState = "active"  // Полный доступ в рамках лимитов
	StatePaused  LifecycleState = "paused"  // Временная блокировка всех платежей
	StateRevoked LifecycleState = "revoked" // Терминальное состояние, обратного пути нет
)

// LifecycleAction: команда владельца.
type LifecycleAction string

const (
	ActionPause   LifecycleAction = "pause"
	ActionUnpause LifecycleAction = "unpause"
	ActionRevoke  LifecycleAction = "revoke"
)

// Next: правила конечного автомата. Revoked поглощающее: любая команда возвращает ErrAgentRevoked.
// Повторная пауза и снятие паузы с активного агента: no-op.
func (s LifecycleState) Next(action LifecycleAction) (LifecycleState, error) {
	if s == StateRevoked {
		return s, ErrAgentRevoked
	}
	switch action {
	case ActionPause:
		return StatePaused, nil
	case ActionUnpause:
		return StateActive, nil
	case ActionRevoke:
		return StateRevoked, nil
	default:
		return s, ErrInvalidArgument
	}
}

// Valid проверяет значение, прочитанное из хранилища.
func (s LifecycleState) Valid() bool {
	return s == StateActive || s == StatePaused || s == StateRevoked
}

// AgentStatus: состояние агента с метаданными (для API и аудита переходов).
type AgentStatus struct {
	AgentID   string         `json:"agent_id"`
	State     LifecycleState `json:"state"`
	UpdatedBy string         `json:"updated_by,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
