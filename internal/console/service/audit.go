package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
)

// maxExportRows: верхняя граница CSV выгрузки за один запрос.
const maxExportRows = 100_000

// AuditReader описывает контракт для чтения журнала платежей.
type AuditReader interface {
	List(ctx context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error)
}

type AuditService struct {
	repo     AuditReader
	policies *PolicyService
}

func NewAuditService(repo AuditReader, policies *PolicyService) *AuditService {
	return &AuditService{repo: repo, policies: policies}
}

// List: журнал с фильтрацией. Не-администратор обязан указать своего агента.
func (s *AuditService) List(ctx context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error) {
	if err := s.authorize(ctx, f); err != nil {
		return nil, err
	}
	logs, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

var csvHeader = []string{
	"id", "timestamp", "agent_id", "decision", "reason", "stage",
	"amount", "asset", "service_id", "facilitator_id", "reservation_id", "trace_id", "detail",
}

// ExportCSV пишет выборку журнала в w.
func (s *AuditService) ExportCSV(ctx context.Context, f domain.RecordFilter, w io.Writer) error {
	if f.Limit <= 0 || f.Limit > maxExportRows {
		f.Limit = maxExportRows
	}
	logs, err := s.List(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range logs {
		if err := cw.Write([]string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.AgentID,
			string(r.Decision),
			string(r.Reason),
			string(r.Stage),
			strconv.FormatUint(r.Amount, 10),
			string(r.Asset),
			r.ServiceID,
			r.FacilitatorID,
			r.ReservationID,
			r.TraceID,
			r.Detail,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *AuditService) authorize(ctx context.Context, f domain.RecordFilter) error {
	if s.policies.IsAdmin(ctx) {
		return nil
	}
	if f.AgentID == "" {
		return fmt.Errorf("%w: agent_id filter is required", domain.ErrInvalidArgument)
	}
	_, err := s.policies.View(ctx, f.AgentID)
	return err
}
