package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/store"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 500
	defaultSubItemLimit = 100
	maxSubItemLimit     = 1000
	ledgerTimeout       = 3 * time.Second
)

// runStatusAliases maps the accepted ?status= spellings onto ledger states.
var runStatusAliases = map[string]store.RunStatus{
	"running": store.RunRunning,
	"success": store.RunSuccess,
	"done":    store.RunSuccess,
	"error":   store.RunError,
	"failed":  store.RunError,
}

// ProgressHandler serves the run ledger written by the harvest workers.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewProgressHandler returns a handler over repo. A nil repo answers 503.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{repo: repo, timeout: ledgerTimeout, logger: logger, now: time.Now}
}

// ListRuns serves GET /v1/runs, newest first, optionally filtered by status.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.ledger(w, r)
	if !ok {
		return
	}
	defer cancel()

	pg, err := pageOf(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := statusFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.repo.ListRuns(ctx, status, pg.limit, pg.offset)
	if err != nil {
		h.logger.Error("ledger: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, len(runs))
	for i, run := range runs {
		out[i] = h.runView(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun serves GET /v1/runs/{run_id}.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := runIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel, ok := h.ledger(w, r)
	if !ok {
		return
	}
	defer cancel()

	run, err := h.repo.GetRun(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		h.logger.Error("ledger: get run", zap.Stringer("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"run": h.runView(run)})
	}
}

// ListRunSubItems serves GET /v1/runs/{run_id}/subitems: the finished and
// abandoned sub-items of one run.
func (h *ProgressHandler) ListRunSubItems(w http.ResponseWriter, r *http.Request) {
	id, err := runIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pg, err := pageOf(r, defaultSubItemLimit, maxSubItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel, ok := h.ledger(w, r)
	if !ok {
		return
	}
	defer cancel()

	recs, err := h.repo.ListRunSubItems(ctx, id, pg.limit, pg.offset)
	if err != nil {
		h.logger.Error("ledger: list sub-items", zap.Stringer("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sub-items")
		return
	}
	out := make([]subItemDTO, len(recs))
	for i, rec := range recs {
		out[i] = subItemDTO{
			URL:        rec.URL,
			Status:     string(rec.Status),
			Attempts:   rec.Attempts,
			Bytes:      rec.Bytes,
			DurationMS: rec.Duration.Milliseconds(),
			FinishedAt: rec.FinishedAt,
			Note:       rec.Note,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subitems": out})
}

// ledger bounds a repository call. It writes 503 and reports false when the
// process runs without a database.
func (h *ProgressHandler) ledger(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger not configured")
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	return ctx, cancel, true
}

// runView renders run. Elapsed keeps growing while the run is in flight.
func (h *ProgressHandler) runView(run store.Run) runDTO {
	end := h.now()
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	return runDTO{
		ID:           run.ID.String(),
		Worker:       run.Worker,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		ElapsedMS:    max(end.Sub(run.StartedAt), 0).Milliseconds(),
		Status:       string(run.Status),
		Error:        run.ErrorMessage,
		SubItemsDone: run.SubItemsDone,
		BytesTotal:   run.BytesTotal,
	}
}

type page struct {
	limit, offset int
}

func pageOf(r *http.Request, def, ceiling int) (page, error) {
	q := r.URL.Query()
	pg := page{limit: def}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page{}, errors.New("invalid limit")
		}
		pg.limit = min(n, ceiling)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, errors.New("invalid offset")
		}
		pg.offset = n
	}
	return pg, nil
}

func statusFilter(r *http.Request) (*store.RunStatus, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if raw == "" {
		return nil, nil
	}
	status, ok := runStatusAliases[raw]
	if !ok {
		return nil, errors.New("invalid status")
	}
	return &status, nil
}

func runIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.Nil, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid run_id")
	}
	return id, nil
}

type runDTO struct {
	ID           string     `json:"id"`
	Worker       int        `json:"worker"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ElapsedMS    int64      `json:"elapsed_ms"`
	Status       string     `json:"status"`
	Error        *string    `json:"error,omitempty"`
	SubItemsDone int64      `json:"subitems_done"`
	BytesTotal   int64      `json:"bytes_total"`
}

type subItemDTO struct {
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
	Note       *string   `json:"note,omitempty"`
}
