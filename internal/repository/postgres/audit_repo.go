package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/manav2701/Aperture/internal/domain"
)

// AuditRepo: append-only журнал payment_records.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const recordColumns = `id, agent_id, amount, asset, service_id, facilitator_id, decision, reason, reservation_id, stage, trace_id, detail, ts`

// Append вставляет запись. Вторая запись расчета того же резерва упирается в уникальный индекс
// и возвращает domain.ErrAlreadyExists.
func (r *AuditRepo) Append(ctx context.Context, rec *domain.PaymentRecord) error {
	query := `INSERT INTO payment_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.AgentID, rec.Amount, string(rec.Asset), rec.ServiceID, rec.FacilitatorID,
		string(rec.Decision), string(rec.Reason), rec.ReservationID, string(rec.Stage),
		rec.TraceID, rec.Detail, rec.Timestamp.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: failed to append payment record: %w", err)
	}
	return nil
}

func (r *AuditRepo) FindSettlement(ctx context.Context, reservationID string) (*domain.PaymentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM payment_records
		WHERE reservation_id = $1 AND stage <> $2 LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, reservationID, string(domain.StageEvaluate)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to find settlement: %w", err)
	}
	return rec, nil
}

// List: записи по фильтру, новые первыми. Limit/Offset = 0 означают "без ограничения".
func (r *AuditRepo) List(ctx context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Decision != "" {
		add("decision = $%d", string(f.Decision))
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("ts < $%d", f.Until.UTC())
	}

	query := `SELECT ` + recordColumns + ` FROM payment_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query payment records: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.PaymentRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan payment record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanRecord(row scanner) (*domain.PaymentRecord, error) {
	var (
		rec                            domain.PaymentRecord
		asset, decision, reason, stage string
	)
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.Amount, &asset, &rec.ServiceID, &rec.FacilitatorID,
		&decision, &reason, &rec.ReservationID, &stage, &rec.TraceID, &rec.Detail, &rec.Timestamp)
	if err != nil {
		return nil, err
	}
	rec.Asset = domain.Asset(asset)
	rec.Decision = domain.Decision(decision)
	rec.Reason = domain.Reason(reason)
	rec.Stage = domain.Stage(stage)
	return &rec, nil
}
