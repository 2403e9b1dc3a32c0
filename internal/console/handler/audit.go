package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"go.uber.org/zap"
)

type AuditService interface {
	List(ctx context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error)
	ExportCSV(ctx context.Context, f domain.RecordFilter, w io.Writer) error
}

type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger}
}

// GetLogs возвращает журнал платежей с фильтрацией
// GET /v1/audit?agent_id=...&decision=blocked&since=RFC3339&until=RFC3339&limit=100&offset=0
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	if f.Limit == 0 {
		f.Limit = 100
	}

	logs, err := h.service.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Export: тот же фильтр, выгрузка в CSV.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="payments.csv"`)
	if err := h.service.ExportCSV(r.Context(), f, w); err != nil {
		// Ошибка возможна только до первой строки: выборка читается целиком до записи
		h.logger.Error("audit export failed", zap.Error(err))
		w.Header().Del("Content-Disposition")
		writeError(w, err)
	}
}

func parseFilter(q url.Values) (domain.RecordFilter, error) {
	f := domain.RecordFilter{
		AgentID:  q.Get("agent_id"),
		Decision: domain.Decision(q.Get("decision")),
	}
	if f.Decision != "" && f.Decision != domain.DecisionApproved && f.Decision != domain.DecisionBlocked {
		return f, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidArgument, f.Decision)
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time must be RFC3339: %q", domain.ErrInvalidArgument, v)
	}
	return t, nil
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: expected non-negative integer, got %q", domain.ErrInvalidArgument, v)
	}
	return n, nil
}
