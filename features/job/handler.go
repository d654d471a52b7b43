package job

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"freight/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type createRequest struct {
	SourceConfig json.RawMessage `json:"source_config"`
	TargetConfig json.RawMessage `json:"target_config"`
	BatchSize    int             `json:"batch_size"`
	MaxRetries   *int            `json:"max_retries"`
	StartedBy    string          `json:"started_by"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "INVALID_CONFIGURATION", "malformed request body", http.StatusBadRequest)
		return
	}

	params := CreateParams{
		SourceConfig: req.SourceConfig,
		TargetConfig: req.TargetConfig,
		BatchSize:    req.BatchSize,
		MaxRetries:   -1,
		StartedBy:    req.StartedBy,
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			h.writeError(ctx, w, "INVALID_CONFIGURATION", "max_retries must be >= 0", http.StatusBadRequest)
			return
		}
		params.MaxRetries = *req.MaxRetries
	}

	j, err := h.service.Create(ctx, tenantID, params)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	h.encode(ctx, w, map[string]interface{}{"data": j})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	status := JobStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, err := h.service.List(ctx, tenantID, status, limit, offset)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(ctx, w, map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs), "offset": offset},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	jobID := r.PathValue("id")

	j, err := h.service.Get(ctx, tenantID, jobID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(ctx, w, map[string]interface{}{"data": j})
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	jobID := r.PathValue("id")

	slog.InfoContext(ctx, "starting job", "job_id", jobID, "tenant_id", tenantID)

	j, err := h.service.Start(ctx, tenantID, jobID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(ctx, w, map[string]interface{}{"data": j})
}

type retryRequest struct {
	BatchIDs []string `json:"batch_ids"`
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	jobID := r.PathValue("id")

	var req retryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(ctx, w, "INVALID_CONFIGURATION", "malformed request body", http.StatusBadRequest)
			return
		}
	}

	summary, err := h.service.Retry(ctx, tenantID, jobID, req.BatchIDs)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(ctx, w, map[string]interface{}{"data": summary})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	jobID := r.PathValue("id")

	j, err := h.service.Cancel(ctx, tenantID, jobID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(ctx, w, map[string]interface{}{"data": j})
}

func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	jobID := r.PathValue("id")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.service.Logs(ctx, tenantID, jobID, limit, offset)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if entries == nil {
		entries = []LogEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(ctx, w, map[string]interface{}{
		"data": entries,
		"meta": map[string]int{"count": len(entries), "offset": offset},
	})
}

// ExportLogs streams the full log history as CSV (default) or JSON lines.
func (h *Handler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	jobID := r.PathValue("id")

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}

	// Resolve the job before any header or body byte goes out: once the
	// stream starts, the response is committed as 200.
	if _, err := h.service.Get(ctx, tenantID, jobID); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`-logs.csv"`)

		cw := csv.NewWriter(w)
		header := []string{"id", "job_id", "batch_id", "record_id", "attempt", "status", "error_message", "retry_count", "timestamp"}
		if err := cw.Write(header); err != nil {
			return
		}
		err := h.service.ExportLogs(ctx, tenantID, jobID, func(e LogEntry) error {
			return cw.Write([]string{
				strconv.FormatInt(e.ID, 10), e.JobID, e.BatchID, e.RecordID,
				strconv.Itoa(e.Attempt), string(e.Status), e.ErrorMessage,
				strconv.Itoa(e.RetryCount), e.CreatedAt.Format(time.RFC3339),
			})
		})
		if err != nil {
			// Mid-stream failure: the response is already committed, so the
			// truncated body is all the client gets.
			slog.ErrorContext(ctx, "log export aborted", "job_id", jobID, "error", err)
			return
		}
		cw.Flush()

	case "json":
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		err := h.service.ExportLogs(ctx, tenantID, jobID, func(e LogEntry) error {
			return enc.Encode(e)
		})
		if err != nil {
			slog.ErrorContext(ctx, "log export aborted", "job_id", jobID, "error", err)
			return
		}

	default:
		h.writeError(ctx, w, "INVALID_CONFIGURATION", "format must be csv or json", http.StatusBadRequest)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		h.writeError(ctx, w, "INVALID_CONFIGURATION", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidState):
		h.writeError(ctx, w, "INVALID_STATE", err.Error(), http.StatusConflict)
	case errors.Is(err, ErrQueueUnavailable):
		h.writeError(ctx, w, "QUEUE_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
	default:
		slog.ErrorContext(ctx, "internal error", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) encode(ctx context.Context, w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
