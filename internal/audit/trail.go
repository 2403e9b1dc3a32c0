package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/manav2701/Aperture/internal/domain"
	"go.uber.org/zap"
)

// Exporter: асинхронная доставка записей во внешние системы (AgentFS -> RabbitMQ).
type Exporter interface {
	Log(rec domain.PaymentRecord)
}

// Trail: синхронная запись аудита. Запись в Store входит в протокол (идемпотентность settle),
// экспорт best-effort.
type Trail struct {
	store    Store
	exporter Exporter // может быть nil
	logger   *zap.Logger
}

func NewTrail(store Store, exporter Exporter, logger *zap.Logger) *Trail {
	return &Trail{store: store, exporter: exporter, logger: logger.Named("audit")}
}

// Append проставляет ID и сохраняет запись. Timestamp задает вызывающий (по Clock).
func (t *Trail) Append(ctx context.Context, rec *domain.PaymentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := t.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}

	t.logger.Debug("payment record",
		zap.String("agent_id", rec.AgentID),
		zap.String("decision", string(rec.Decision)),
		zap.String("reason", string(rec.Reason)),
		zap.String("stage", string(rec.Stage)),
		zap.String("reservation_id", rec.ReservationID),
	)
	if t.exporter != nil {
		t.exporter.Log(*rec)
	}
	return nil
}

func (t *Trail) FindSettlement(ctx context.Context, reservationID string) (*domain.PaymentRecord, error) {
	return t.store.FindSettlement(ctx, reservationID)
}

func (t *Trail) List(ctx context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error) {
	return t.store.List(ctx, f)
}
