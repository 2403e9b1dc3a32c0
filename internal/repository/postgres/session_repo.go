package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
)

// SessionRepo: сессии агентов. Бюджет и расход: JSONB (asset -> amount).
type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, agent_id, owner_id, budget, spent, payment_count, active, expires_at, created_at, updated_at`

// Расход копится прямо в JSONB одним UPDATE; сумма упирается в максимум uint64.
const queryChargeSessions = `
	UPDATE sessions
	SET spent = jsonb_set(spent, ARRAY[$3::text],
			to_jsonb(LEAST(COALESCE((spent->>$3::text)::numeric, 0) + $4::numeric, 18446744073709551615))),
		payment_count = payment_count + 1,
		updated_at = $5
	WHERE agent_id = $1 AND active AND expires_at > $2`

func (r *SessionRepo) Insert(ctx context.Context, s *domain.Session) error {
	budget, err := json.Marshal(s.Budget)
	if err != nil {
		return fmt.Errorf("postgres: encode session budget: %w", err)
	}
	spent, err := json.Marshal(s.Spent)
	if err != nil {
		return fmt.Errorf("postgres: encode session spent: %w", err)
	}
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.AgentID, s.OwnerID, string(budget), string(spent), s.PaymentCount, s.Active,
		s.ExpiresAt.UTC(), s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) ListByAgent(ctx context.Context, agentID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE agent_id = $1 ORDER BY created_at DESC, id`
	rows, err := r.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// End: updated_at меняется только при первом закрытии.
func (r *SessionRepo) End(ctx context.Context, id string, now time.Time) (*domain.Session, error) {
	query := `
		UPDATE sessions
		SET active = FALSE, updated_at = CASE WHEN active THEN $2 ELSE updated_at END
		WHERE id = $1
		RETURNING ` + sessionColumns
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to end session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Charge(ctx context.Context, agentID string, asset domain.Asset, amount uint64, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, queryChargeSessions, agentID, now.UTC(), string(asset), amount, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to charge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to charge sessions: %w", err)
	}
	return int(n), nil
}

// CountActive: открытые на now сессии (для дашборда).
func (r *SessionRepo) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE active AND expires_at > $1`, now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count sessions: %w", err)
	}
	return n, nil
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		s             domain.Session
		budget, spent []byte
	)
	if err := row.Scan(&s.ID, &s.AgentID, &s.OwnerID, &budget, &spent, &s.PaymentCount, &s.Active,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Budget = map[domain.Asset]uint64{}
	s.Spent = map[domain.Asset]uint64{}
	if err := json.Unmarshal(budget, &s.Budget); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	if err := json.Unmarshal(spent, &s.Spent); err != nil {
		return nil, fmt.Errorf("decode spent: %w", err)
	}
	return &s, nil
}
