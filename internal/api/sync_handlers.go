package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

type triggerResponse struct {
	Status string         `json:"status"`
	RunID  string         `json:"runId,omitempty"`
	Run    *model.SyncRun `json:"run,omitempty"`
}

// TriggerSync starts a run of ?kind= (default full). It blocks until the run
// is recorded unless ?async=true. A request arriving during a run is queued.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseRunKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	if async {
		id, err := h.deps.Sync.Trigger(kind, model.InitiatorUser)
		switch {
		case errors.Is(err, sync.ErrRunQueued):
			writeJSON(w, http.StatusAccepted, triggerResponse{Status: "queued"})
		case err != nil:
			writeError(w, err)
		default:
			writeJSON(w, http.StatusAccepted, triggerResponse{Status: "started", RunID: id})
		}
		return
	}

	run, err := h.deps.Sync.SyncNow(kind, model.InitiatorUser)
	if errors.Is(err, sync.ErrRunQueued) {
		writeJSON(w, http.StatusAccepted, triggerResponse{Status: "queued"})
		return
	}
	if run.ID == "" {
		writeError(w, err)
		return
	}
	// The run record carries configuration and cancellation failures.
	if err != nil {
		logger.Log.Warn("Sync run finished with error", zap.String("run_id", run.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, triggerResponse{Status: string(run.Status), RunID: run.ID, Run: &run})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	id, err := h.deps.Sync.Cancel()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "runId": id})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sync.GetStatus())
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		Kind:   model.RunKind(q.Get("kind")),
		Status: model.RunStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if filter.From, err = parseTime(q.Get("from"), "from"); err != nil {
		writeError(w, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to"), "to"); err != nil {
		writeError(w, err)
		return
	}

	runs, err := h.deps.Records.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Records.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))

	conflicts, err := h.deps.Records.ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []model.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.deps.Sync.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func parseTime(v, field string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errField(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}
