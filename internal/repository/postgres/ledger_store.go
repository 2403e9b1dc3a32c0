package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/ledger"
)

// LedgerStore: счетчики и резервы в Postgres. Атомарность: транзакция с SELECT ... FOR UPDATE
// по строке счетчика: параллельные reserve одного агента и дня сериализуются на ней.
type LedgerStore struct {
	db *sql.DB
}

var _ ledger.Store = (*LedgerStore)(nil)

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const reservationColumns = `id, agent_id, asset, amount, day_key, state, service_id, facilitator_id, created_at, expires_at, settled_at`

const (
	queryEnsureCounter = `
		INSERT INTO spending_counters (agent_id, asset, day_key, committed, reserved, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (agent_id, asset, day_key) DO NOTHING`
	queryLockCounter = `
		SELECT committed, reserved, updated_at FROM spending_counters
		WHERE agent_id = $1 AND asset = $2 AND day_key = $3 FOR UPDATE`
	querySaveCounter = `
		INSERT INTO spending_counters (agent_id, asset, day_key, committed, reserved, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, asset, day_key)
		DO UPDATE SET committed = EXCLUDED.committed, reserved = EXCLUDED.reserved, updated_at = EXCLUDED.updated_at`
	queryInsertReservation = `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	queryLockReservation = `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
	queryUpdateReservation = `UPDATE reservations SET state = $1, settled_at = $2 WHERE id = $3`
)

func (s *LedgerStore) Reserve(ctx context.Context, key domain.CounterKey, fn ledger.ReserveFunc) (*domain.Reservation, error) {
	var res *domain.Reservation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, queryEnsureCounter, key.AgentID, string(key.Asset), key.DayKey, time.Now().UTC()); err != nil {
			return fmt.Errorf("postgres: failed to ensure counter: %w", err)
		}
		c, err := lockCounter(ctx, tx, key)
		if err != nil {
			return err
		}

		r, err := fn(c)
		if err != nil {
			return err
		}
		if err := saveCounter(ctx, tx, c); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryInsertReservation,
			r.ID, r.AgentID, string(r.Asset), r.Amount, r.DayKey, string(r.State),
			r.ServiceID, r.FacilitatorID, r.CreatedAt.UTC(), r.ExpiresAt.UTC(), timeOrNull(r.SettledAt),
		); err != nil {
			return fmt.Errorf("postgres: failed to insert reservation: %w", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerStore) Transition(ctx context.Context, id string, fn ledger.TransitionFunc) (*domain.Reservation, error) {
	var (
		res      *domain.Reservation
		original *domain.Reservation
		fnErr    error
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := scanReservation(tx.QueryRowContext(ctx, queryLockReservation, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: failed to lock reservation: %w", err)
		}
		c, err := lockCounter(ctx, tx, r.Key())
		if err != nil {
			return err
		}

		snapshot := *r
		original = &snapshot
		if fnErr = fn(r, c); fnErr != nil {
			return fnErr
		}

		if _, err := tx.ExecContext(ctx, queryUpdateReservation, string(r.State), timeOrNull(r.SettledAt), r.ID); err != nil {
			return fmt.Errorf("postgres: failed to update reservation: %w", err)
		}
		if err := saveCounter(ctx, tx, c); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if fnErr != nil {
			return original, err
		}
		return nil, err
	}
	return res, nil
}

func (s *LedgerStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	r, err := scanReservation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get reservation: %w", err)
	}
	return r, nil
}

func (s *LedgerStore) GetCounter(ctx context.Context, key domain.CounterKey) (*domain.SpendingCounter, error) {
	query := `
		SELECT committed, reserved, updated_at FROM spending_counters
		WHERE agent_id = $1 AND asset = $2 AND day_key = $3`
	c := &domain.SpendingCounter{CounterKey: key}
	err := s.db.QueryRowContext(ctx, query, key.AgentID, string(key.Asset), key.DayKey).Scan(&c.Committed, &c.Reserved, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.SpendingCounter{CounterKey: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get counter: %w", err)
	}
	return c, nil
}

func (s *LedgerStore) HeldBefore(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM reservations
		WHERE state = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, string(domain.ReservationHeld), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query held reservations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan reservation id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// PurgeCounters удаляет счетчики старых дней без открытых резервов и закрытые резервы тех же дней.
func (s *LedgerStore) PurgeCounters(ctx context.Context, beforeDay string) (int, error) {
	var purged int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM spending_counters WHERE day_key < $1 AND reserved = 0`, beforeDay)
		if err != nil {
			return fmt.Errorf("postgres: failed to purge counters: %w", err)
		}
		if purged, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("postgres: failed to purge counters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE day_key < $1 AND state <> $2`,
			beforeDay, string(domain.ReservationHeld)); err != nil {
			return fmt.Errorf("postgres: failed to purge reservations: %w", err)
		}
		return nil
	})
	return int(purged), err
}

func (s *LedgerStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit tx: %w", err)
	}
	return nil
}

func lockCounter(ctx context.Context, tx *sql.Tx, key domain.CounterKey) (*domain.SpendingCounter, error) {
	c := &domain.SpendingCounter{CounterKey: key}
	err := tx.QueryRowContext(ctx, queryLockCounter, key.AgentID, string(key.Asset), key.DayKey).Scan(&c.Committed, &c.Reserved, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Счетчик мог быть удален очисткой, резерв при этом остается валидным
		return &domain.SpendingCounter{CounterKey: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to lock counter: %w", err)
	}
	return c, nil
}

func saveCounter(ctx context.Context, tx *sql.Tx, c *domain.SpendingCounter) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := tx.ExecContext(ctx, querySaveCounter,
		c.AgentID, string(c.Asset), c.DayKey, c.Committed, c.Reserved, updated.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to save counter: %w", err)
	}
	return nil
}

func scanReservation(row scanner) (*domain.Reservation, error) {
	var (
		r                    domain.Reservation
		asset, state         string
		service, facilitator sql.NullString
		settled              sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AgentID, &asset, &r.Amount, &r.DayKey, &state,
		&service, &facilitator, &r.CreatedAt, &r.ExpiresAt, &settled)
	if err != nil {
		return nil, err
	}
	r.Asset = domain.Asset(asset)
	r.State = domain.ReservationState(state)
	r.ServiceID = service.String
	r.FacilitatorID = facilitator.String
	if settled.Valid {
		r.SettledAt = settled.Time
	}
	return &r, nil
}
