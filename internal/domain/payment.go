package domain

import "time"

// Decision: итог проверки платежа.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionBlocked  Decision = "blocked"
)

// Outcome: что сообщил вызывающий после внешнего платного вызова.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Stage: на каком шаге протокола появилась запись аудита.
type Stage string

const (
	StageEvaluate Stage = "evaluate"
	StageSuccess  Stage = "success"
	StageFailure  Stage = "failure"
	StageExpired  Stage = "expired"
)

// PaymentRequest: попытка платежа. ServiceID и FacilitatorID уже нормализованы.
type PaymentRequest struct {
	AgentID       string `json:"agent_id"`
	Amount        uint64 `json:"amount"`
	Asset         Asset  `json:"asset"`
	ServiceID     string `json:"service_id"`
	FacilitatorID string `json:"facilitator_id"`
	TraceID       string `json:"trace_id,omitempty"`
}

// Verdict: ответ на evaluate: Allowed(reservation) или Blocked(reason).
type Verdict struct {
	Allowed     bool           `json:"allowed"`
	Reason      Reason         `json:"reason,omitempty"`
	Reservation *Reservation   `json:"reservation,omitempty"`
	Record      *PaymentRecord `json:"record,omitempty"` // Только для Blocked
}

// ReservationID: пустая строка для Blocked.
func (v Verdict) ReservationID() string {
	if v.Reservation == nil {
		return ""
	}
	return v.Reservation.ID
}

// PaymentRecord: неизменяемая запись аудита.
type PaymentRecord struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	Amount        uint64    `json:"amount"`
	Asset         Asset     `json:"asset"`
	ServiceID     string    `json:"service_id"`
	FacilitatorID string    `json:"facilitator_id"`
	Decision      Decision  `json:"decision"`
	Reason        Reason    `json:"reason"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Stage         Stage     `json:"stage"`
	TraceID       string    `json:"trace_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecordFilter: фильтр для выборки журнала.
type RecordFilter struct {
	AgentID  string
	Decision Decision
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Match: проверка записи фильтром (для memory-хранилища).
func (f RecordFilter) Match(r *PaymentRecord) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.Decision != "" && r.Decision != f.Decision {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
