package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
)

// AgentRepo: состояния агентов (active/paused/revoked). Отсутствующая строка означает active.
type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

func (r *AgentRepo) Get(ctx context.Context, agentID string) (domain.LifecycleState, error) {
	var state string
	err := r.db.QueryRowContext(ctx, `SELECT state FROM agent_lifecycle WHERE agent_id = $1`, agentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: failed to get agent state: %w", err)
	}
	st := domain.LifecycleState(state)
	if !st.Valid() {
		return "", fmt.Errorf("postgres: unknown agent state %q", state)
	}
	return st, nil
}

// CompareAndSwap пишет next, только если текущее состояние равно expected.
// Для active строки может не быть, поэтому это upsert с условием в DO UPDATE.
func (r *AgentRepo) CompareAndSwap(ctx context.Context, expected domain.LifecycleState, next domain.AgentStatus) (bool, error) {
	var (
		query string
		args  = []interface{}{next.AgentID, string(next.State), next.UpdatedBy, next.UpdatedAt.UTC(), string(expected)}
	)
	if expected == domain.StateActive {
		query = `
			INSERT INTO agent_lifecycle (agent_id, state, updated_by, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id)
			DO UPDATE SET state = EXCLUDED.state, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
			WHERE agent_lifecycle.state = $5`
	} else {
		query = `
			UPDATE agent_lifecycle SET state = $2, updated_by = $3, updated_at = $4
			WHERE agent_id = $1 AND state = $5`
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to swap agent state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: failed to swap agent state: %w", err)
	}
	return rows == 1, nil
}

// ListByState: id агентов в состоянии. Используется для прогрева кэша шлюза.
func (r *AgentRepo) ListByState(ctx context.Context, state domain.LifecycleState) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agent_id FROM agent_lifecycle WHERE state = $1 ORDER BY agent_id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch %s agents: %w", state, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}
