package api

import (
	"errors"
	"net/http"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/workspace"
)

type errorResponse struct {
	Error    string         `json:"error"`
	Code     string         `json:"code,omitempty"`
	Category string         `json:"category,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondDomainError maps domain errors onto HTTP statuses: validation 400,
// invalid transition and conflicts 409, not found 404, everything else 500.
func respondDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, workspace.ErrWorkspaceNotFound) {
		respondError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if errors.Is(err, workspace.ErrWorkspaceAlreadyExists) {
		respondError(w, http.StatusConflict, "workspace already registered")
		return
	}

	var domErr *core.DomainError
	if !errors.As(err, &domErr) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch domErr.Category {
	case core.ErrCatValidation:
		status = http.StatusBadRequest
	case core.ErrCatInvalidTransition, core.ErrCatConflict:
		status = http.StatusConflict
	case core.ErrCatNotFound:
		status = http.StatusNotFound
	case core.ErrCatGuardrail:
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, errorResponse{
		Error:    domErr.Message,
		Code:     domErr.Code,
		Category: string(domErr.Category),
		Details:  domErr.Details,
	})
}
