package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/ledger"
	"go.uber.org/zap"
)

// PolicySource: наличие политики агента.
type PolicySource interface {
	Get(ctx context.Context, agentID string) (*domain.Policy, error)
}

// LifecycleSource: текущее состояние агента.
type LifecycleSource interface {
	CurrentState(ctx context.Context, agentID string) (domain.LifecycleState, error)
}

// ApprovalSource: allow-list сервисов и фасилитаторов.
type ApprovalSource interface {
	IsApproved(ctx context.Context, agentID string, kind domain.ApprovalKind, identifier string) (bool, error)
}

// Ledger: протокол резервирования бюджета.
type Ledger interface {
	Reserve(ctx context.Context, req ledger.ReserveRequest, now time.Time) (*domain.Reservation, error)
	Commit(ctx context.Context, id string, now time.Time) (*domain.Reservation, error)
	Release(ctx context.Context, id string, now time.Time) (*domain.Reservation, error)
	SweepExpired(ctx context.Context, now time.Time) ([]*domain.Reservation, error)
}

// Trail: журнал PaymentRecord.
type Trail interface {
	Append(ctx context.Context, rec *domain.PaymentRecord) error
	FindSettlement(ctx context.Context, reservationID string) (*domain.PaymentRecord, error)
}

// SpendObserver получает каждый успешный расчет (учет расхода по сессиям).
// Ошибка наблюдателя не отменяет расчет.
type SpendObserver interface {
	RecordSpend(ctx context.Context, rec *domain.PaymentRecord) error
}

// SettleContext: контекст, который вызывающий передает вместе с исходом.
type SettleContext struct {
	TraceID string
	Detail  string // например, HTTP статус апстрима
}

// Gate: оркестратор evaluate/settle. Каждый Blocked пишется в журнал, даже без резерва.
type Gate struct {
	policies   PolicySource
	lifecycle  LifecycleSource
	approvals  ApprovalSource
	ledger     Ledger
	trail      Trail
	metrics    *Metrics
	logger     *zap.Logger
	settleLock *keyLock
	observer   SpendObserver
}

func New(policies PolicySource, lc LifecycleSource, approvals ApprovalSource, l Ledger, trail Trail, metrics *Metrics, logger *zap.Logger) *Gate {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gate{
		policies:   policies,
		lifecycle:  lc,
		approvals:  approvals,
		ledger:     l,
		trail:      trail,
		metrics:    metrics,
		logger:     logger.Named("gate"),
		settleLock: newKeyLock(),
	}
}

// ObserveSpend подключает наблюдателя успешных расчетов. Вызывать до начала работы.
func (g *Gate) ObserveSpend(o SpendObserver) {
	g.observer = o
}

// Evaluate: решение по платежу: Allowed(резерв) или Blocked(причина).
// Ошибка возвращается только при сбое хранилища или переполнении: платеж тогда не разрешается.
func (g *Gate) Evaluate(ctx context.Context, req domain.PaymentRequest, now time.Time) (domain.Verdict, error) {
	start := time.Now()
	req.Asset = domain.NormalizeAsset(string(req.Asset))
	if req.AgentID == "" || req.Asset == "" || req.Amount == 0 {
		return domain.Verdict{}, fmt.Errorf("%w: agent_id, asset and positive amount are required", domain.ErrInvalidArgument)
	}

	verdict, err := g.evaluate(ctx, req, now)
	if err != nil {
		g.metrics.ErrorTotal.WithLabelValues("evaluate").Inc()
		g.logger.Error("evaluate failed closed", zap.String("agent_id", req.AgentID), zap.Error(err))
		return domain.Verdict{}, err
	}

	decision := domain.DecisionApproved
	if !verdict.Allowed {
		decision = domain.DecisionBlocked
	}
	g.metrics.Decisions.WithLabelValues(string(decision), string(verdict.Reason)).Inc()
	g.metrics.EvaluateDuration.WithLabelValues(string(decision)).Observe(time.Since(start).Seconds())
	return verdict, nil
}

func (g *Gate) evaluate(ctx context.Context, req domain.PaymentRequest, now time.Time) (domain.Verdict, error) {
	p, err := g.policies.Get(ctx, req.AgentID)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("gate: load policy: %w", err)
	}
	if p == nil {
		return g.block(ctx, req, domain.ReasonNoPolicy, now)
	}

	state, err := g.lifecycle.CurrentState(ctx, req.AgentID)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("gate: load lifecycle: %w", err)
	}
	switch state {
	case domain.StatePaused:
		return g.block(ctx, req, domain.ReasonAgentPaused, now)
	case domain.StateRevoked:
		return g.block(ctx, req, domain.ReasonAgentRevoked, now)
	}

	ok, err := g.approvals.IsApproved(ctx, req.AgentID, domain.KindService, req.ServiceID)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("gate: check service approval: %w", err)
	}
	if !ok {
		return g.block(ctx, req, domain.ReasonServiceNotApproved, now)
	}

	ok, err = g.approvals.IsApproved(ctx, req.AgentID, domain.KindFacilitator, req.FacilitatorID)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("gate: check facilitator approval: %w", err)
	}
	if !ok {
		return g.block(ctx, req, domain.ReasonFacilitatorNotApproved, now)
	}

	res, err := g.ledger.Reserve(ctx, ledger.ReserveRequest{
		AgentID:       req.AgentID,
		Asset:         req.Asset,
		Amount:        req.Amount,
		ServiceID:     req.ServiceID,
		FacilitatorID: req.FacilitatorID,
	}, now)
	if err != nil {
		if domain.IsBusinessRejection(err) {
			return g.block(ctx, req, domain.ReasonOf(err), now)
		}
		return domain.Verdict{}, err
	}

	g.logger.Debug("payment allowed",
		zap.String("agent_id", req.AgentID),
		zap.Uint64("amount", req.Amount),
		zap.String("asset", string(req.Asset)),
		zap.String("reservation_id", res.ID),
	)
	return domain.Verdict{Allowed: true, Reason: domain.ReasonWithinLimits, Reservation: res}, nil
}

func (g *Gate) block(ctx context.Context, req domain.PaymentRequest, reason domain.Reason, now time.Time) (domain.Verdict, error) {
	rec := &domain.PaymentRecord{
		AgentID:       req.AgentID,
		Amount:        req.Amount,
		Asset:         req.Asset,
		ServiceID:     req.ServiceID,
		FacilitatorID: req.FacilitatorID,
		Decision:      domain.DecisionBlocked,
		Reason:        reason,
		Stage:         domain.StageEvaluate,
		TraceID:       req.TraceID,
		Timestamp:     now,
	}
	if err := g.trail.Append(ctx, rec); err != nil {
		return domain.Verdict{}, err
	}

	g.logger.Info("payment blocked",
		zap.String("agent_id", req.AgentID),
		zap.Uint64("amount", req.Amount),
		zap.String("asset", string(req.Asset)),
		zap.String("reason", string(reason)),
	)
	return domain.Verdict{Allowed: false, Reason: reason, Record: rec}, nil
}

// RecordBlocked: запись отказа, принятого до Gate (ранний отсев Watcher в HTTP-пайплайне).
func (g *Gate) RecordBlocked(ctx context.Context, req domain.PaymentRequest, reason domain.Reason, now time.Time) (*domain.PaymentRecord, error) {
	req.Asset = domain.NormalizeAsset(string(req.Asset))
	v, err := g.block(ctx, req, reason, now)
	if err != nil {
		return nil, err
	}
	g.metrics.Decisions.WithLabelValues(string(domain.DecisionBlocked), string(reason)).Inc()
	return v.Record, nil
}

// Settle закрывает резерв по исходу внешнего вызова. Идемпотентен: повторный вызов
// возвращает уже записанный результат и не трогает счетчик.
func (g *Gate) Settle(ctx context.Context, reservationID string, outcome domain.Outcome, sc SettleContext, now time.Time) (*domain.PaymentRecord, error) {
	if outcome != domain.OutcomeSuccess && outcome != domain.OutcomeFailure {
		return nil, fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidArgument, outcome)
	}

	unlock := g.settleLock.Lock(reservationID)
	defer unlock()

	if rec, err := g.trail.FindSettlement(ctx, reservationID); err != nil {
		return nil, g.fail("settle", err)
	} else if rec != nil {
		return rec, nil
	}

	var res *domain.Reservation
	var err error
	if outcome == domain.OutcomeSuccess {
		res, err = g.ledger.Commit(ctx, reservationID, now)
	} else {
		res, err = g.ledger.Release(ctx, reservationID, now)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidReservation) {
			return nil, g.fail("settle", err)
		}
		if res == nil {
			return nil, err // неизвестный id
		}
	}

	// res в терминальном состоянии: либо закрыт сейчас, либо раньше (истек, или запись журнала
	// потерялась после перехода в ledger). Журнал восстанавливаем по фактическому состоянию.
	rec := settlementRecord(res, sc, now)
	if rec == nil {
		return nil, err
	}
	out, err := g.appendSettlement(ctx, rec)
	if err != nil {
		return nil, g.fail("settle", err)
	}
	g.metrics.Settlements.WithLabelValues(string(out.Stage)).Inc()
	if out == rec && out.Stage == domain.StageSuccess {
		g.notifySpend(ctx, out)
	}

	g.logger.Info("reservation settled",
		zap.String("reservation_id", reservationID),
		zap.String("agent_id", out.AgentID),
		zap.String("stage", string(out.Stage)),
		zap.String("reason", string(out.Reason)),
	)
	return out, nil
}

// SweepExpired возвращает в бюджет истекшие резервы и пишет по записи Blocked(RESERVATION_EXPIRED) на каждый.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) ([]*domain.PaymentRecord, error) {
	expired, err := g.ledger.SweepExpired(ctx, now)

	records := make([]*domain.PaymentRecord, 0, len(expired))
	for _, res := range expired {
		rec, aerr := g.recordExpiry(ctx, res, now)
		if aerr != nil {
			g.metrics.ErrorTotal.WithLabelValues("sweep").Inc()
			g.logger.Error("failed to record expiry", zap.String("reservation_id", res.ID), zap.Error(aerr))
			continue
		}
		records = append(records, rec)
		g.metrics.Settlements.WithLabelValues(string(domain.StageExpired)).Inc()
	}
	if err != nil {
		return records, g.fail("sweep", err)
	}
	return records, nil
}

// Sweep: адаптер под ledger.SweepFunc.
func (g *Gate) Sweep(ctx context.Context, now time.Time) (int, error) {
	recs, err := g.SweepExpired(ctx, now)
	return len(recs), err
}

func (g *Gate) recordExpiry(ctx context.Context, res *domain.Reservation, now time.Time) (*domain.PaymentRecord, error) {
	unlock := g.settleLock.Lock(res.ID)
	defer unlock()

	if rec, err := g.trail.FindSettlement(ctx, res.ID); err != nil || rec != nil {
		return rec, err
	}
	return g.appendSettlement(ctx, settlementRecord(res, SettleContext{}, now))
}

func (g *Gate) notifySpend(ctx context.Context, rec *domain.PaymentRecord) {
	if g.observer == nil {
		return
	}
	if err := g.observer.RecordSpend(ctx, rec); err != nil {
		g.metrics.ErrorTotal.WithLabelValues("session").Inc()
		g.logger.Warn("spend observer failed",
			zap.String("reservation_id", rec.ReservationID),
			zap.Error(err),
		)
	}
}

// appendSettlement пишет запись; если другой инстанс успел первым, возвращает его запись.
func (g *Gate) appendSettlement(ctx context.Context, rec *domain.PaymentRecord) (*domain.PaymentRecord, error) {
	err := g.trail.Append(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}
	existing, ferr := g.trail.FindSettlement(ctx, rec.ReservationID)
	if ferr != nil {
		return nil, ferr
	}
	if existing == nil {
		return nil, err
	}
	return existing, nil
}

func (g *Gate) fail(op string, err error) error {
	g.metrics.ErrorTotal.WithLabelValues(op).Inc()
	g.logger.Error(op+" failed closed", zap.Error(err))
	return err
}

// settlementRecord: запись по терминальному состоянию резерва. nil для Held.
func settlementRecord(res *domain.Reservation, sc SettleContext, now time.Time) *domain.PaymentRecord {
	rec := &domain.PaymentRecord{
		AgentID:       res.AgentID,
		Amount:        res.Amount,
		Asset:         res.Asset,
		ServiceID:     res.ServiceID,
		FacilitatorID: res.FacilitatorID,
		ReservationID: res.ID,
		TraceID:       sc.TraceID,
		Detail:        sc.Detail,
		Timestamp:     now,
	}
	switch res.State {
	case domain.ReservationCommitted:
		rec.Decision, rec.Reason, rec.Stage = domain.DecisionApproved, domain.ReasonPaymentSettled, domain.StageSuccess
	case domain.ReservationReleased:
		rec.Decision, rec.Reason, rec.Stage = domain.DecisionBlocked, domain.ReasonPaymentFailed, domain.StageFailure
	case domain.ReservationExpired:
		rec.Decision, rec.Reason, rec.Stage = domain.DecisionBlocked, domain.ReasonReservationExpired, domain.StageExpired
	default:
		return nil
	}
	return rec
}
