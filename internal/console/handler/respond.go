package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/manav2701/Aperture/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError: статус по коду причины доменной ошибки.
func writeError(w http.ResponseWriter, err error) {
	reason := domain.ReasonOf(err)
	status := http.StatusInternalServerError
	switch reason {
	case domain.ReasonInvalidArgument:
		status = http.StatusBadRequest
	case domain.ReasonUnauthorized:
		status = http.StatusForbidden
	case domain.ReasonNoPolicy, domain.ReasonNotFound:
		status = http.StatusNotFound
	case domain.ReasonAlreadyExists, domain.ReasonAgentRevoked:
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "reason": string(reason)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequest{err: err}
	}
	return nil
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid request body: " + e.err.Error() }

func (e *badRequest) Unwrap() error { return domain.ErrInvalidArgument }
