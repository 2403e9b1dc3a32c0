package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/manav2701/Aperture/internal/domain"
)

type SessionService interface {
	Create(ctx context.Context, agentID string, budget map[domain.Asset]uint64, ttl time.Duration) (*domain.Session, error)
	End(ctx context.Context, sessionID string) (*domain.Session, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	List(ctx context.Context, agentID string) ([]*domain.Session, error)
}

type SessionHandler struct {
	service SessionService
}

func NewSessionHandler(s SessionService) *SessionHandler {
	return &SessionHandler{service: s}
}

type createSessionRequest struct {
	Budget       map[domain.Asset]uint64 `json:"budget"`
	TimeoutHours float64                 `json:"timeout_hours"`
}

// Create: POST /v1/agents/{agentID}/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ttl := time.Duration(req.TimeoutHours * float64(time.Hour))
	s, err := h.service.Create(r.Context(), chi.URLParam(r, "agentID"), req.Budget, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// List: GET /v1/agents/{agentID}/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// End: POST /v1/sessions/{sessionID}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.End(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
