package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/manav2701/Aperture/internal/domain"
)

// PolicyService Описываем, что нам нужно от сервиса
type PolicyService interface {
	Create(ctx context.Context, agentID string, limits domain.Limits) (*domain.Policy, error)
	Update(ctx context.Context, agentID string, limits domain.Limits) (*domain.Policy, error)
	Get(ctx context.Context, agentID string) (*domain.Policy, error)
	List(ctx context.Context) ([]*domain.Policy, error)
}

type PolicyHandler struct {
	service PolicyService
}

func NewPolicyHandler(s PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

type createPolicyRequest struct {
	AgentID string            `json:"agent_id"`
	PerTx   map[string]uint64 `json:"per_tx_limit"`
	Daily   map[string]uint64 `json:"daily_limit"`
}

type updatePolicyRequest struct {
	PerTx map[string]uint64 `json:"per_tx_limit"`
	Daily map[string]uint64 `json:"daily_limit"`
}

func limitsFrom(perTx, daily map[string]uint64) domain.Limits {
	l := domain.Limits{PerTx: make(map[domain.Asset]uint64, len(perTx)), Daily: make(map[domain.Asset]uint64, len(daily))}
	for a, v := range perTx {
		l.PerTx[domain.Asset(a)] = v
	}
	for a, v := range daily {
		l.Daily[domain.Asset(a)] = v
	}
	return l
}

// Get возвращает политику агента.
// GET /v1/policies/{agentID}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// List возвращает видимые вызывающему политики
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// Create создает политику; вызывающий становится владельцем
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.service.Create(r.Context(), req.AgentID, limitsFrom(req.PerTx, req.Daily))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Update полностью заменяет лимиты
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.service.Update(r.Context(), chi.URLParam(r, "agentID"), limitsFrom(req.PerTx, req.Daily))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
