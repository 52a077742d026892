package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

const maxBodySize = 1 << 20

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, sync.ErrNoActiveRun), errors.Is(err, store.ErrRunExists):
		status = http.StatusConflict
	case errors.Is(err, sync.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrAuthentication),
		errors.Is(err, model.ErrUnreachable),
		errors.Is(err, model.ErrRateLimited),
		errors.Is(err, model.ErrTimeout):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: model.ReasonCodeOf(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, model.ErrValidation)
	}
	return nil
}

func errField(field, msg string) error {
	return fmt.Errorf("%s %s: %w", field, msg, model.ErrValidation)
}

// pagination reads limit and offset, defaulting limit to 50 and capping it
// at 500.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errField("limit", "must be a positive integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errField("offset", "must be a non-negative integer")
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit, offset, nil
}
