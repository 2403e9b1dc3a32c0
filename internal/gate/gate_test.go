package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manav2701/Aperture/internal/approval"
	"github.com/manav2701/Aperture/internal/audit"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/ledger"
	"github.com/manav2701/Aperture/internal/lifecycle"
	"github.com/manav2701/Aperture/internal/policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	agent       = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	service     = "https://weather.example.com"
	facilitator = "SP3FACILITATOR"
)

type fixture struct {
	clock     *infra.ManualClock
	policies  *policy.Registry
	approvals *approval.Registry
	lifecycle *lifecycle.Controller
	ledger    *ledger.Ledger
	audit     *audit.MemoryStore
	gate      *Gate
	metrics   *Metrics
}

func newFixture(t *testing.T, perTx, daily uint64) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()
	f := &fixture{clock: infra.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))}

	f.policies = policy.NewRegistry(policy.NewMemoryRepository(), []string{"admin"}, f.clock, log)
	f.approvals = approval.NewRegistry(approval.NewMemoryRepository(), f.policies, f.clock, log)
	f.lifecycle = lifecycle.NewController(lifecycle.NewMemoryRepository(), f.policies, nil, f.clock, log)
	f.ledger = ledger.New(ledger.NewMemoryStore(), f.policies, ledger.Config{ReservationTTL: 30 * time.Second, SweepBatch: 100}, log)
	f.audit = audit.NewMemoryStore()
	f.metrics = NewMetrics(prometheus.NewRegistry())
	f.gate = New(f.policies, f.lifecycle, f.approvals, f.ledger, audit.NewTrail(f.audit, nil, log), f.metrics, log)

	_, err := f.policies.Create(ctx, agent, agent, domain.Limits{
		PerTx: map[domain.Asset]uint64{domain.AssetSTX: perTx},
		Daily: map[domain.Asset]uint64{domain.AssetSTX: daily},
	})
	require.NoError(t, err)
	require.NoError(t, f.approvals.Approve(ctx, agent, agent, domain.KindService, service))
	require.NoError(t, f.approvals.Approve(ctx, agent, agent, domain.KindFacilitator, facilitator))
	return f
}

func (f *fixture) evaluate(t *testing.T, amount uint64) domain.Verdict {
	t.Helper()
	v, err := f.gate.Evaluate(context.Background(), domain.PaymentRequest{
		AgentID: agent, Amount: amount, Asset: "stx", ServiceID: service, FacilitatorID: facilitator,
	}, f.clock.Now())
	require.NoError(t, err)
	return v
}

func (f *fixture) counter(t *testing.T) *domain.SpendingCounter {
	t.Helper()
	c, err := f.ledger.Counter(context.Background(), agent, domain.AssetSTX, f.clock.Now())
	require.NoError(t, err)
	return c
}

func (f *fixture) blocked(t *testing.T) []*domain.PaymentRecord {
	t.Helper()
	recs, err := f.audit.List(context.Background(), domain.RecordFilter{Decision: domain.DecisionBlocked})
	require.NoError(t, err)
	return recs
}

func TestScenarioPerTxLimit(t *testing.T) {
	f := newFixture(t, 100_000, 1_000_000)

	v := f.evaluate(t, 50_000)
	require.True(t, v.Allowed)
	assert.NotEmpty(t, v.ReservationID())
	assert.Equal(t, uint64(50_000), f.counter(t).Reserved)

	v = f.evaluate(t, 200_000)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.ReasonPerTxLimitExceeded, v.Reason)
	assert.Equal(t, uint64(50_000), f.counter(t).Reserved)

	recs := f.blocked(t)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].ReservationID)
	assert.Equal(t, uint64(200_000), recs[0].Amount)
	assert.Equal(t, domain.StageEvaluate, recs[0].Stage)
}

func TestScenarioDailyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_000, 1_000_000)

	v := f.evaluate(t, 950_000)
	require.True(t, v.Allowed)
	_, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)

	v = f.evaluate(t, 100_000)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.ReasonDailyLimitExceeded, v.Reason)
}

func TestScenarioPauseUnpause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 1000)

	_, err := f.lifecycle.Pause(ctx, agent, agent)
	require.NoError(t, err)
	v := f.evaluate(t, 1)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.ReasonAgentPaused, v.Reason)
	assert.Zero(t, f.counter(t).Reserved)

	_, err = f.lifecycle.Unpause(ctx, agent, agent)
	require.NoError(t, err)
	v = f.evaluate(t, 1)
	assert.True(t, v.Allowed)
}

func TestScenarioExpiryFreesBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_000, 1_000_000)

	v := f.evaluate(t, 600_000)
	require.True(t, v.Allowed)

	f.clock.Advance(31 * time.Second)
	recs, err := f.gate.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ReasonReservationExpired, recs[0].Reason)
	assert.Equal(t, v.ReservationID(), recs[0].ReservationID)

	v = f.evaluate(t, 1_000_000)
	assert.True(t, v.Allowed)

	// settle после истечения возвращает запись об истечении
	rec, err := f.gate.Settle(ctx, recs[0].ReservationID, domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, recs[0].ID, rec.ID)
	assert.Equal(t, domain.DecisionBlocked, rec.Decision)
}

func TestScenarioRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 1000)

	_, err := f.lifecycle.Revoke(ctx, agent, agent)
	require.NoError(t, err)

	_, err = f.lifecycle.Pause(ctx, agent, agent)
	assert.ErrorIs(t, err, domain.ErrAgentRevoked)
	_, err = f.lifecycle.Unpause(ctx, agent, agent)
	assert.ErrorIs(t, err, domain.ErrAgentRevoked)

	v := f.evaluate(t, 1)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.ReasonAgentRevoked, v.Reason)

	st, err := f.lifecycle.CurrentState(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, st)
}

func TestBlockedReasonsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 1000)

	v, err := f.gate.Evaluate(ctx, domain.PaymentRequest{AgentID: "ghost", Amount: 1, Asset: domain.AssetSTX, ServiceID: service, FacilitatorID: facilitator}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNoPolicy, v.Reason)

	v, err = f.gate.Evaluate(ctx, domain.PaymentRequest{AgentID: agent, Amount: 1, Asset: domain.AssetSTX, ServiceID: "https://evil.example", FacilitatorID: facilitator}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonServiceNotApproved, v.Reason)

	v, err = f.gate.Evaluate(ctx, domain.PaymentRequest{AgentID: agent, Amount: 1, Asset: domain.AssetSTX, ServiceID: service, FacilitatorID: "SPOTHER"}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonFacilitatorNotApproved, v.Reason)

	assert.Len(t, f.blocked(t), 3)

	_, err = f.gate.Evaluate(ctx, domain.PaymentRequest{AgentID: agent, Amount: 0, Asset: domain.AssetSTX}, f.clock.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Len(t, f.blocked(t), 3)
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 1000)

	v := f.evaluate(t, 70)
	require.True(t, v.Allowed)

	first, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{TraceID: "t-1"}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, first.Decision)
	assert.Equal(t, domain.ReasonPaymentSettled, first.Reason)
	assert.Equal(t, "t-1", first.TraceID)

	second, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Другой исход после успешного расчета возвращает исходную запись
	third, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeFailure, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	c := f.counter(t)
	assert.Equal(t, uint64(70), c.Committed)
	assert.Zero(t, c.Reserved)
}

func TestSettleFailureReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 100)

	v := f.evaluate(t, 100)
	require.True(t, v.Allowed)
	rec, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeFailure, SettleContext{Detail: "upstream 502"}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlocked, rec.Decision)
	assert.Equal(t, domain.ReasonPaymentFailed, rec.Reason)
	assert.Equal(t, "upstream 502", rec.Detail)

	assert.True(t, f.evaluate(t, 100).Allowed)
}

func TestSettleAfterExpiryWithoutSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 100)

	v := f.evaluate(t, 100)
	f.clock.Advance(time.Minute)

	rec, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonReservationExpired, rec.Reason)
	assert.Zero(t, f.counter(t).Committed)
	assert.Zero(t, f.counter(t).Reserved)

	// Свип не пишет вторую запись
	recs, err := f.gate.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSettleUnknownReservation(t *testing.T) {
	f := newFixture(t, 100, 100)
	_, err := f.gate.Settle(context.Background(), "nope", domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidReservation)

	_, err = f.gate.Settle(context.Background(), "nope", "maybe", SettleContext{}, f.clock.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConcurrentSettleCommitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 1000)

	v := f.evaluate(t, 10)
	var wg sync.WaitGroup
	ids := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := domain.OutcomeSuccess
			if i%2 == 1 {
				outcome = domain.OutcomeFailure
			}
			rec, err := f.gate.Settle(ctx, v.ReservationID(), outcome, SettleContext{}, f.clock.Now())
			if assert.NoError(t, err) {
				ids <- rec.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)

	c := f.counter(t)
	assert.Zero(t, c.Reserved)
	assert.True(t, c.Committed == 0 || c.Committed == 10)
}

func TestConcurrentEvaluateRespectsDailyLimit(t *testing.T) {
	f := newFixture(t, 1_000, 50_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.gate.Evaluate(context.Background(), domain.PaymentRequest{
				AgentID: agent, Amount: 1_000, Asset: domain.AssetSTX, ServiceID: service, FacilitatorID: facilitator,
			}, f.clock.Now())
			if assert.NoError(t, err) && v.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
	assert.Equal(t, uint64(50_000), f.counter(t).Reserved)
	assert.Len(t, f.blocked(t), 50)
}

type brokenLedger struct{ Ledger }

func (brokenLedger) Reserve(context.Context, ledger.ReserveRequest, time.Time) (*domain.Reservation, error) {
	return nil, errors.New("connection reset")
}

func TestStorageFailureFailsClosed(t *testing.T) {
	f := newFixture(t, 100, 100)
	g := New(f.policies, f.lifecycle, f.approvals, brokenLedger{f.ledger}, audit.NewTrail(f.audit, nil, zap.NewNop()), nil, zap.NewNop())

	v, err := g.Evaluate(context.Background(), domain.PaymentRequest{
		AgentID: agent, Amount: 1, Asset: domain.AssetSTX, ServiceID: service, FacilitatorID: facilitator,
	}, f.clock.Now())
	assert.Error(t, err)
	assert.False(t, v.Allowed)
	assert.Empty(t, f.blocked(t))
}

func TestRecordBlocked(t *testing.T) {
	f := newFixture(t, 100, 100)
	rec, err := f.gate.RecordBlocked(context.Background(), domain.PaymentRequest{AgentID: agent, Amount: 5, Asset: "sbtc"}, domain.ReasonAgentPaused, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AssetSBTC, rec.Asset)
	assert.Len(t, f.blocked(t), 1)
}

type spendSpy struct {
	mu   sync.Mutex
	recs []*domain.PaymentRecord
	err  error
}

func (s *spendSpy) RecordSpend(_ context.Context, rec *domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func TestSettleNotifiesSpendObserverOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 1000)
	spy := &spendSpy{}
	f.gate.ObserveSpend(spy)

	v := f.evaluate(t, 40)
	require.True(t, v.Allowed)
	_, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	_, err = f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)

	failed := f.evaluate(t, 10)
	require.True(t, failed.Allowed)
	_, err = f.gate.Settle(ctx, failed.ReservationID(), domain.OutcomeFailure, SettleContext{}, f.clock.Now())
	require.NoError(t, err)

	late := f.evaluate(t, 10)
	require.True(t, late.Allowed)
	f.clock.Advance(time.Minute)
	rec, err := f.gate.Settle(ctx, late.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.StageExpired, rec.Stage)

	require.Len(t, spy.recs, 1)
	assert.Equal(t, uint64(40), spy.recs[0].Amount)
	assert.Equal(t, domain.StageSuccess, spy.recs[0].Stage)
}

func TestSpendObserverFailureDoesNotFailSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 1000)
	f.gate.ObserveSpend(&spendSpy{err: errors.New("sessions unavailable")})

	v := f.evaluate(t, 40)
	require.True(t, v.Allowed)
	rec, err := f.gate.Settle(ctx, v.ReservationID(), domain.OutcomeSuccess, SettleContext{}, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonPaymentSettled, rec.Reason)
	assert.Equal(t, uint64(40), f.counter(t).Committed)
}
