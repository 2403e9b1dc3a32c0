package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
)

// PolicyRepo: политики агентов. Лимиты хранятся в JSONB (asset -> amount).
type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

const policyColumns = `agent_id, owner_id, per_tx_limit, daily_limit, created_at, updated_at`

func (r *PolicyRepo) Insert(ctx context.Context, p *domain.Policy) error {
	perTx, daily, err := marshalLimits(p.Limits)
	if err != nil {
		return err
	}
	query := `INSERT INTO policies (` + policyColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.db.ExecContext(ctx, query, p.AgentID, p.OwnerID, perTx, daily, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: failed to insert policy: %w", err)
	}
	return nil
}

// Update меняет только лимиты: owner_id и created_at неизменяемы.
func (r *PolicyRepo) Update(ctx context.Context, p *domain.Policy) error {
	perTx, daily, err := marshalLimits(p.Limits)
	if err != nil {
		return err
	}
	query := `UPDATE policies SET per_tx_limit = $1, daily_limit = $2, updated_at = $3 WHERE agent_id = $4`
	res, err := r.db.ExecContext(ctx, query, perTx, daily, p.UpdatedAt.UTC(), p.AgentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PolicyRepo) Get(ctx context.Context, agentID string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE agent_id = $1`
	p, err := scanPolicy(r.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get policy: %w", err)
	}
	return p, nil
}

func (r *PolicyRepo) List(ctx context.Context) ([]*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies ORDER BY agent_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list policies: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanPolicy(row scanner) (*domain.Policy, error) {
	var (
		p            domain.Policy
		perTx, daily []byte
	)
	if err := row.Scan(&p.AgentID, &p.OwnerID, &perTx, &daily, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Limits = domain.Limits{PerTx: map[domain.Asset]uint64{}, Daily: map[domain.Asset]uint64{}}
	if err := json.Unmarshal(perTx, &p.PerTx); err != nil {
		return nil, fmt.Errorf("decode per_tx_limit: %w", err)
	}
	if err := json.Unmarshal(daily, &p.Daily); err != nil {
		return nil, fmt.Errorf("decode daily_limit: %w", err)
	}
	return &p, nil
}

func marshalLimits(l domain.Limits) (string, string, error) {
	l = l.Normalized()
	perTx, err := json.Marshal(l.PerTx)
	if err != nil {
		return "", "", fmt.Errorf("postgres: encode per_tx_limit: %w", err)
	}
	daily, err := json.Marshal(l.Daily)
	if err != nil {
		return "", "", fmt.Errorf("postgres: encode daily_limit: %w", err)
	}
	return string(perTx), string(daily), nil
}
