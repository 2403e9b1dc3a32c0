package domain

import "errors"

// Reason: машиночитаемый код причины решения. Пишется в PaymentRecord и отдается клиентам API.
type Reason string

const (
	ReasonUnauthorized           Reason = "UNAUTHORIZED"
	ReasonNotFound               Reason = "NOT_FOUND"
	ReasonAlreadyExists          Reason = "ALREADY_EXISTS"
	ReasonNoPolicy               Reason = "NO_POLICY"
	ReasonAgentPaused            Reason = "AGENT_PAUSED"
	ReasonAgentRevoked           Reason = "AGENT_REVOKED"
	ReasonPerTxLimitExceeded     Reason = "PER_TX_LIMIT_EXCEEDED"
	ReasonDailyLimitExceeded     Reason = "DAILY_LIMIT_EXCEEDED"
	ReasonServiceNotApproved     Reason = "SERVICE_NOT_APPROVED"
	ReasonFacilitatorNotApproved Reason = "FACILITATOR_NOT_APPROVED"
	ReasonInvalidReservation     Reason = "INVALID_RESERVATION"
	ReasonArithmeticOverflow     Reason = "ARITHMETIC_OVERFLOW"
	ReasonInvalidArgument        Reason = "INVALID_ARGUMENT"

	// Причины, которые появляются только в аудите при расчете (settle)
	ReasonWithinLimits       Reason = "WITHIN_LIMITS"
	ReasonPaymentSettled     Reason = "PAYMENT_SETTLED"
	ReasonPaymentFailed      Reason = "PAYMENT_FAILED"
	ReasonReservationExpired Reason = "RESERVATION_EXPIRED"
	ReasonInternal           Reason = "INTERNAL"
)

// Error: доменная ошибка с кодом причины. Сравнивается через errors.Is по указателю.
type Error struct {
	Reason  Reason
	message string
}

func (e *Error) Error() string { return e.message }

func newError(reason Reason, msg string) *Error {
	return &Error{Reason: reason, message: msg}
}

var (
	ErrUnauthorized           = newError(ReasonUnauthorized, "unauthorized")
	ErrNotFound               = newError(ReasonNotFound, "not found")
	ErrAlreadyExists          = newError(ReasonAlreadyExists, "already exists")
	ErrNoPolicy               = newError(ReasonNoPolicy, "no policy for agent")
	ErrAgentPaused            = newError(ReasonAgentPaused, "agent is paused")
	ErrAgentRevoked           = newError(ReasonAgentRevoked, "agent is revoked")
	ErrPerTxLimitExceeded     = newError(ReasonPerTxLimitExceeded, "amount exceeds per-transaction limit")
	ErrDailyLimitExceeded     = newError(ReasonDailyLimitExceeded, "amount would exceed daily limit")
	ErrServiceNotApproved     = newError(ReasonServiceNotApproved, "service not approved")
	ErrFacilitatorNotApproved = newError(ReasonFacilitatorNotApproved, "facilitator not approved")
	ErrInvalidReservation     = newError(ReasonInvalidReservation, "invalid reservation")
	ErrArithmeticOverflow     = newError(ReasonArithmeticOverflow, "arithmetic overflow")
	ErrInvalidArgument        = newError(ReasonInvalidArgument, "invalid argument")
)

// ReasonOf достает код причины из цепочки ошибок. Всё, что не является доменной ошибкой,
// считается внутренним сбоем (хранилище, сеть).
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonInternal
}

// IsBusinessRejection: ожидаемый отказ бизнес-логики, который превращается в Blocked, а не в ошибку.
func IsBusinessRejection(err error) bool {
	switch ReasonOf(err) {
	case ReasonNoPolicy, ReasonAgentPaused, ReasonAgentRevoked,
		ReasonPerTxLimitExceeded, ReasonDailyLimitExceeded,
		ReasonServiceNotApproved, ReasonFacilitatorNotApproved:
		return true
	}
	return false
}
