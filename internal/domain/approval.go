package domain

import "time"

// ApprovalKind: что именно одобряет владелец.
type ApprovalKind string

const (
	KindService     ApprovalKind = "service"     // Платный сервис (scheme+host)
	KindFacilitator ApprovalKind = "facilitator" // Посредник, который проводит платеж
)

func (k ApprovalKind) Valid() bool {
	return k == KindService || k == KindFacilitator
}

// ApprovalEntry: запись allow-list. Identifier уже нормализован на границе системы,
// ядро его не разбирает.
type ApprovalEntry struct {
	AgentID    string       `json:"agent_id"`
	Kind       ApprovalKind `json:"kind"`
	Identifier string       `json:"identifier"`
	Approved   bool         `json:"approved"`

	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
