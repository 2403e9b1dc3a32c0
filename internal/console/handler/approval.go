package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/manav2701/Aperture/internal/domain"
)

// ApprovalService Описываем, что нам нужно от сервиса
type ApprovalService interface {
	Approve(ctx context.Context, agentID string, kind domain.ApprovalKind, raw string) (string, error)
	Revoke(ctx context.Context, agentID string, kind domain.ApprovalKind, raw string) (string, error)
	List(ctx context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error)
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

type approvalRequest struct {
	Kind       domain.ApprovalKind `json:"kind"`
	Identifier string              `json:"identifier"`
}

// List: GET /v1/agents/{agentID}/approvals?kind=service
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), chi.URLParam(r, "agentID"), domain.ApprovalKind(r.URL.Query().Get("kind")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *ApprovalHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	var req approvalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agentID := chi.URLParam(r, "agentID")
	decide := h.service.Revoke
	if approve {
		decide = h.service.Approve
	}
	id, err := decide(r.Context(), agentID, req.Kind, req.Identifier)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":   agentID,
		"kind":       req.Kind,
		"identifier": id,
		"approved":   approve,
	})
}
