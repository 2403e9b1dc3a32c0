package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
)

// ApprovalRepo: allow-list сервисов и фасилитаторов.
type ApprovalRepo struct {
	db *sql.DB
}

func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

// Put: upsert по (agent_id, kind, identifier). Последняя запись побеждает.
func (r *ApprovalRepo) Put(ctx context.Context, e domain.ApprovalEntry) error {
	query := `
		INSERT INTO approvals (agent_id, kind, identifier, approved, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, kind, identifier)
		DO UPDATE SET approved = EXCLUDED.approved, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, e.AgentID, string(e.Kind), e.Identifier, e.Approved, e.UpdatedBy, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to put approval: %w", err)
	}
	return nil
}

func (r *ApprovalRepo) Get(ctx context.Context, agentID string, kind domain.ApprovalKind, identifier string) (bool, error) {
	query := `SELECT approved FROM approvals WHERE agent_id = $1 AND kind = $2 AND identifier = $3`

	var approved bool
	err := r.db.QueryRowContext(ctx, query, agentID, string(kind), identifier).Scan(&approved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: failed to get approval: %w", err)
	}
	return approved, nil
}

func (r *ApprovalRepo) List(ctx context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error) {
	query := `SELECT agent_id, kind, identifier, approved, updated_by, updated_at FROM approvals WHERE agent_id = $1`
	args := []interface{}{agentID}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(kind))
	}
	query += ` ORDER BY kind, identifier`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.ApprovalEntry, 0)
	for rows.Next() {
		var (
			e    domain.ApprovalEntry
			kind string
		)
		if err := rows.Scan(&e.AgentID, &kind, &e.Identifier, &e.Approved, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		e.Kind = domain.ApprovalKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
