package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestPolicyRepo_InsertAndConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPolicyRepo(db)
	ctx := context.Background()

	p := &domain.Policy{
		AgentID: "agent-1",
		OwnerID: "owner-1",
		Limits: domain.Limits{
			PerTx: map[domain.Asset]uint64{"stx": 100},
			Daily: map[domain.Asset]uint64{"STX": 1000},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policies")).
		WithArgs("agent-1", "owner-1", `{"STX":100}`, `{"STX":1000}`, ts, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Insert(ctx, p))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policies")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	assert.ErrorIs(t, repo.Insert(ctx, p), domain.ErrAlreadyExists)
}

func TestPolicyRepo_UpdateMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPolicyRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE policies SET per_tx_limit = $1, daily_limit = $2, updated_at = $3 WHERE agent_id = $4")).
		WithArgs(`{}`, `{}`, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &domain.Policy{AgentID: "ghost", UpdatedAt: ts})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPolicyRepo_Get(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPolicyRepo(db)
	ctx := context.Background()

	cols := []string{"agent_id", "owner_id", "per_tx_limit", "daily_limit", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM policies WHERE agent_id = $1")).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("agent-1", "owner-1", []byte(`{"STX":100}`), []byte(`{"STX":1000,"SBTC":5}`), ts, ts))

	p, err := repo.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "owner-1", p.OwnerID)
	assert.Equal(t, uint64(100), p.PerTxLimit(domain.AssetSTX))
	assert.Equal(t, uint64(5), p.DailyLimit(domain.AssetSBTC))

	mock.ExpectQuery(regexp.QuoteMeta("FROM policies WHERE agent_id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err = repo.Get(ctx, "ghost")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestApprovalRepo_PutGetList(t *testing.T) {
	db, mock := newMock(t)
	repo := NewApprovalRepo(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approvals")).
		WithArgs("agent-1", "service", "https://api.example.com", true, "owner-1", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Put(ctx, domain.ApprovalEntry{
		AgentID: "agent-1", Kind: domain.KindService, Identifier: "https://api.example.com",
		Approved: true, UpdatedBy: "owner-1", UpdatedAt: ts,
	}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT approved FROM approvals")).
		WithArgs("agent-1", "facilitator", "fac-1").
		WillReturnRows(sqlmock.NewRows([]string{"approved"}))
	ok, err := repo.Get(ctx, "agent-1", domain.KindFacilitator, "fac-1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE agent_id = $1 AND kind = $2 ORDER BY kind, identifier")).
		WithArgs("agent-1", "service").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "kind", "identifier", "approved", "updated_by", "updated_at"}).
			AddRow("agent-1", "service", "https://api.example.com", true, "owner-1", ts))
	list, err := repo.List(ctx, "agent-1", domain.KindService)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.KindService, list[0].Kind)
	assert.True(t, list[0].Approved)
}

func TestAgentRepo_CompareAndSwap(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAgentRepo(db)
	ctx := context.Background()
	next := domain.AgentStatus{AgentID: "agent-1", State: domain.StatePaused, UpdatedBy: "owner-1", UpdatedAt: ts}

	// Из active: upsert с условием
	mock.ExpectExec(regexp.QuoteMeta("WHERE agent_lifecycle.state = $5")).
		WithArgs("agent-1", "paused", "owner-1", ts, "active").
		WillReturnResult(sqlmock.NewResult(1, 1))
	ok, err := repo.CompareAndSwap(ctx, domain.StateActive, next)
	require.NoError(t, err)
	assert.True(t, ok)

	// Проигранная гонка: состояние уже другое
	next.State = domain.StateActive
	mock.ExpectExec(regexp.QuoteMeta("WHERE agent_id = $1 AND state = $5")).
		WithArgs("agent-1", "active", "owner-1", ts, "paused").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.CompareAndSwap(ctx, domain.StatePaused, next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentRepo_GetDefaultsToActive(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAgentRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM agent_lifecycle")).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))
	st, err := repo.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, st)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT agent_id FROM agent_lifecycle WHERE state = $1")).
		WithArgs("revoked").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id"}).AddRow("a").AddRow("b"))
	ids, err := repo.ListByState(context.Background(), domain.StateRevoked)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func reservationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "agent_id", "asset", "amount", "day_key", "state",
		"service_id", "facilitator_id", "created_at", "expires_at", "settled_at"})
}

func TestLedgerStore_Reserve(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	key := domain.CounterKey{AgentID: "agent-1", Asset: domain.AssetSTX, DayKey: "2026-03-14"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DO NOTHING")).
		WithArgs("agent-1", "STX", "2026-03-14", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("agent-1", "STX", "2026-03-14").
		WillReturnRows(sqlmock.NewRows([]string{"committed", "reserved", "updated_at"}).AddRow(int64(300), int64(200), ts))
	mock.ExpectExec(regexp.QuoteMeta("DO UPDATE SET committed = EXCLUDED.committed")).
		WithArgs("agent-1", "STX", "2026-03-14", uint64(300), uint64(250), ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservations")).
		WithArgs("res-1", "agent-1", "STX", uint64(50), "2026-03-14", "held", "svc", "fac", ts, ts.Add(time.Minute), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var seen domain.SpendingCounter
	res, err := store.Reserve(context.Background(), key, func(c *domain.SpendingCounter) (*domain.Reservation, error) {
		seen = *c
		c.Reserved += 50
		c.UpdatedAt = ts
		return &domain.Reservation{
			ID: "res-1", AgentID: "agent-1", Asset: domain.AssetSTX, Amount: 50, DayKey: "2026-03-14",
			State: domain.ReservationHeld, ServiceID: "svc", FacilitatorID: "fac",
			CreatedAt: ts, ExpiresAt: ts.Add(time.Minute),
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "res-1", res.ID)
	assert.Equal(t, uint64(300), seen.Committed)
	assert.Equal(t, uint64(200), seen.Reserved)
}

func TestLedgerStore_ReserveRejectedRollsBack(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	key := domain.CounterKey{AgentID: "agent-1", Asset: domain.AssetSTX, DayKey: "2026-03-14"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DO NOTHING")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"committed", "reserved", "updated_at"}).AddRow(int64(1000), int64(0), ts))
	mock.ExpectRollback()

	res, err := store.Reserve(context.Background(), key, func(*domain.SpendingCounter) (*domain.Reservation, error) {
		return nil, domain.ErrDailyLimitExceeded
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
}

func TestLedgerStore_TransitionUnknown(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE id = $1 FOR UPDATE")).
		WithArgs("ghost").
		WillReturnRows(reservationRows())
	mock.ExpectRollback()

	_, err := store.Transition(context.Background(), "ghost", func(*domain.Reservation, *domain.SpendingCounter) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerStore_TransitionCommit(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	settled := ts.Add(10 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE id = $1 FOR UPDATE")).
		WithArgs("res-1").
		WillReturnRows(reservationRows().AddRow("res-1", "agent-1", "STX", int64(50), "2026-03-14", "held",
			"svc", "fac", ts, ts.Add(time.Minute), nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM spending_counters")).
		WithArgs("agent-1", "STX", "2026-03-14").
		WillReturnRows(sqlmock.NewRows([]string{"committed", "reserved", "updated_at"}).AddRow(int64(0), int64(50), ts))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reservations SET state = $1, settled_at = $2 WHERE id = $3")).
		WithArgs("committed", settled, "res-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DO UPDATE SET committed = EXCLUDED.committed")).
		WithArgs("agent-1", "STX", "2026-03-14", uint64(50), uint64(0), settled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Transition(context.Background(), "res-1", func(r *domain.Reservation, c *domain.SpendingCounter) error {
		assert.True(t, r.SettledAt.IsZero())
		c.Reserved -= r.Amount
		c.Committed += r.Amount
		c.UpdatedAt = settled
		r.State = domain.ReservationCommitted
		r.SettledAt = settled
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCommitted, res.State)
	assert.Equal(t, settled, res.SettledAt)
}

func TestLedgerStore_TransitionErrorReturnsOriginal(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE id = $1 FOR UPDATE")).
		WillReturnRows(reservationRows().AddRow("res-1", "agent-1", "STX", int64(50), "2026-03-14", "committed",
			"", "", ts, ts.Add(time.Minute), ts))
	mock.ExpectQuery(regexp.QuoteMeta("FROM spending_counters")).
		WillReturnRows(sqlmock.NewRows([]string{"committed", "reserved", "updated_at"}))
	mock.ExpectRollback()

	res, err := store.Transition(context.Background(), "res-1", func(r *domain.Reservation, c *domain.SpendingCounter) error {
		r.State = domain.ReservationReleased
		return domain.ErrInvalidReservation
	})
	assert.ErrorIs(t, err, domain.ErrInvalidReservation)
	require.NotNil(t, res)
	assert.Equal(t, domain.ReservationCommitted, res.State)
}

func TestLedgerStore_GetCounterMissingIsZero(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	key := domain.CounterKey{AgentID: "agent-1", Asset: domain.AssetSBTC, DayKey: "2026-03-14"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM spending_counters")).
		WithArgs("agent-1", "SBTC", "2026-03-14").
		WillReturnRows(sqlmock.NewRows([]string{"committed", "reserved", "updated_at"}))

	c, err := store.GetCounter(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, key, c.CounterKey)
	assert.Zero(t, c.Committed)
	assert.Zero(t, c.Reserved)
}

func TestLedgerStore_HeldBeforeAndPurge(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = $1 AND expires_at < $2")).
		WithArgs("held", ts, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("res-1"))
	ids, err := store.HeldBefore(ctx, ts, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"res-1"}, ids)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM spending_counters WHERE day_key < $1 AND reserved = 0")).
		WithArgs("2026-03-12").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reservations WHERE day_key < $1 AND state <> $2")).
		WithArgs("2026-03-12", "held").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()
	n, err := store.PurgeCounters(ctx, "2026-03-12")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func recordRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "agent_id", "amount", "asset", "service_id", "facilitator_id",
		"decision", "reason", "reservation_id", "stage", "trace_id", "detail", "ts"})
}

func TestAuditRepo_AppendDuplicateSettlement(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepo(db)
	rec := &domain.PaymentRecord{
		ID: "rec-1", AgentID: "agent-1", Amount: 50, Asset: domain.AssetSTX,
		Decision: domain.DecisionApproved, Reason: domain.ReasonPaymentSettled,
		ReservationID: "res-1", Stage: domain.StageSuccess, Timestamp: ts,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WithArgs("rec-1", "agent-1", uint64(50), "STX", "", "", "approved", string(domain.ReasonPaymentSettled),
			"res-1", "success", "", "", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Append(context.Background(), rec))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	assert.ErrorIs(t, repo.Append(context.Background(), rec), domain.ErrAlreadyExists)
}

func TestAuditRepo_FindSettlement(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE reservation_id = $1 AND stage <> $2")).
		WithArgs("res-1", "evaluate").
		WillReturnRows(recordRows().AddRow("rec-1", "agent-1", "50", "STX", "svc", "fac", "approved",
			string(domain.ReasonPaymentSettled), "res-1", "success", "trace", "", ts))
	rec, err := repo.FindSettlement(context.Background(), "res-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(50), rec.Amount)
	assert.Equal(t, domain.StageSuccess, rec.Stage)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE reservation_id = $1 AND stage <> $2")).
		WithArgs("res-2", "evaluate").
		WillReturnRows(recordRows())
	rec, err = repo.FindSettlement(context.Background(), "res-2")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAuditRepo_ListBuildsFilter(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_records WHERE agent_id = $1 AND decision = $2 AND ts >= $3 ORDER BY ts DESC, id LIMIT $4 OFFSET $5")).
		WithArgs("agent-1", "blocked", ts, 10, 20).
		WillReturnRows(recordRows().AddRow("rec-9", "agent-1", int64(7), "STX", "", "", "blocked",
			string(domain.ReasonDailyLimitExceeded), "", "evaluate", "", "", ts))

	out, err := repo.List(context.Background(), domain.RecordFilter{
		AgentID: "agent-1", Decision: domain.DecisionBlocked, Since: ts, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.ReasonDailyLimitExceeded, out[0].Reason)

	mock.ExpectQuery(`FROM payment_records ORDER BY ts DESC, id$`).
		WillReturnRows(recordRows())
	out, err = repo.List(context.Background(), domain.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUserRepo_CreateAndGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepo(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("u-1", "ops", "hash", `{"admin":true}`, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.CreateUser(ctx, &domain.User{
		ID: "u-1", Username: "ops", PasswordHash: "hash", Scopes: map[string]bool{"admin": true}, CreatedAt: ts,
	}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = $1")).
		WithArgs("ops").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "scopes", "created_at"}).
			AddRow("u-1", "ops", "hash", []byte(`{"admin":true}`), ts))
	u, err := repo.GetUserByUsername(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.Scopes["admin"])

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "scopes", "created_at"}))
	u, err = repo.GetUserByUsername(ctx, "nobody")
	assert.NoError(t, err)
	assert.Nil(t, u)
}

var sessionCols = []string{"id", "agent_id", "owner_id", "budget", "spent", "payment_count", "active", "expires_at", "created_at", "updated_at"}

func TestSessionRepo_InsertAndGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepo(db)
	ctx := context.Background()

	s := &domain.Session{
		ID: "s-1", AgentID: "agent-1", OwnerID: "owner-1",
		Budget: map[domain.Asset]uint64{domain.AssetSTX: 5000}, Spent: map[domain.Asset]uint64{},
		Active: true, ExpiresAt: ts.Add(time.Hour), CreatedAt: ts, UpdatedAt: ts,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs("s-1", "agent-1", "owner-1", `{"STX":5000}`, `{}`, int64(0), true, ts.Add(time.Hour), ts, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Insert(ctx, s))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, repo.Insert(ctx, s), domain.ErrAlreadyExists)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s-1", "agent-1", "owner-1", []byte(`{"STX":5000}`), []byte(`{"STX":1200}`), int64(3), true, ts.Add(time.Hour), ts, ts))
	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3800), got.Remaining(domain.AssetSTX))
	assert.Equal(t, int64(3), got.PaymentCount)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(sessionCols))
	got, err = repo.Get(ctx, "ghost")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionRepo_ChargeOpenSessions(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE agent_id = $1 AND active AND expires_at > $2")).
		WithArgs("agent-1", ts, "STX", uint64(700), ts).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := repo.Charge(context.Background(), "agent-1", domain.AssetSTX, 700, ts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSessionRepo_EndAndList(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sessions")).
		WithArgs("s-1", ts).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s-1", "agent-1", "owner-1", []byte(`{"STX":5000}`), []byte(`{}`), int64(0), false, ts.Add(time.Hour), ts, ts))
	s, err := repo.End(ctx, "s-1", ts)
	require.NoError(t, err)
	assert.False(t, s.Active)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sessions")).
		WithArgs("ghost", ts).
		WillReturnRows(sqlmock.NewRows(sessionCols))
	_, err = repo.End(ctx, "ghost", ts)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE agent_id = $1 ORDER BY created_at DESC, id")).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s-2", "agent-1", "owner-1", []byte(`{"STX":10}`), []byte(`{}`), int64(0), true, ts.Add(2*time.Hour), ts.Add(time.Minute), ts).
			AddRow("s-1", "agent-1", "owner-1", []byte(`{"STX":5000}`), []byte(`{}`), int64(0), false, ts.Add(time.Hour), ts, ts))
	list, err := repo.ListByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s-2", list[0].ID)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM sessions")).
		WithArgs(ts).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	n, err := repo.CountActive(ctx, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
