package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/manav2701/Aperture/internal/console/service"
	"github.com/manav2701/Aperture/internal/domain"
)

type AgentService interface {
	Apply(ctx context.Context, agentID string, action domain.LifecycleAction) (domain.LifecycleState, error)
	Status(ctx context.Context, agentID string) (*service.AgentView, error)
	Usage(ctx context.Context, agentID string, asset domain.Asset) (*domain.Usage, error)
}

type AgentHandler struct {
	service AgentService
}

func NewAgentHandler(s AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

// Get: карточка агента: состояние и расход за сегодня.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Status(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Usage: GET /v1/agents/{agentID}/usage?asset=STX
func (h *AgentHandler) Usage(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	u, err := h.service.Usage(r.Context(), chi.URLParam(r, "agentID"), domain.Asset(asset))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, domain.ActionPause)
}

func (h *AgentHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, domain.ActionUnpause)
}

// Revoke необратим.
func (h *AgentHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, domain.ActionRevoke)
}

func (h *AgentHandler) apply(w http.ResponseWriter, r *http.Request, action domain.LifecycleAction) {
	agentID := chi.URLParam(r, "agentID")
	state, err := h.service.Apply(r.Context(), agentID, action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "state": string(state)})
}
