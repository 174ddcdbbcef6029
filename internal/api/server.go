package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"poster-generation-service/internal/apperr"
	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/models"
	"poster-generation-service/internal/store"
	"poster-generation-service/internal/telemetry"
	"poster-generation-service/internal/template"
)

// JobStore is the persistence slice the API depends on.
type JobStore interface {
	CreateJobWithItems(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetItems(ctx context.Context, jobID string) ([]models.WorkItem, error)
	GetLogs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error)
	ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error)
	CancelJob(ctx context.Context, id string) (models.Job, error)
	AppendLog(ctx context.Context, jobID, level, message string, details map[string]any) error
}

// ItemPublisher is the broker slice the API publishes work items on.
type ItemPublisher interface {
	PublishItem(ctx context.Context, msg models.ItemMessage) error
}

// Server wires the ingress HTTP handlers and the progress stream endpoint.
type Server struct {
	cfg       config.Config
	store     JobStore
	publisher ItemPublisher
	registry  template.Registry
	hub       *broadcast.Hub
	events    broadcast.Publisher
	log       *logger.Logger
}

// New constructs the API server. events may be nil when the process has no
// cross-instance relay.
func New(cfg config.Config, st JobStore, publisher ItemPublisher, registry template.Registry,
	hub *broadcast.Hub, events broadcast.Publisher, log *logger.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		publisher: publisher,
		registry:  registry,
		hub:       hub,
		events:    events,
		log:       log.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/jobs", s.handleSubmit)
	r.Get("/v1/jobs", s.handleList)
	r.Get("/v1/jobs/{id}", s.handleStatus)
	r.Post("/v1/jobs/{id}/cancel", s.handleCancel)
	r.Get("/v1/jobs/{id}/events", s.handleEvents)
	r.Get("/v1/jobs/{id}/logs", s.handleLogs)
	return r
}

type submitItem struct {
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload"`
	Register bool           `json:"register"`
}

type submitRequest struct {
	Kind        string         `json:"kind"`
	TemplateRef string         `json:"template_ref"`
	InputRef    string         `json:"input_ref"`
	Items       []submitItem   `json:"items"`
	Metadata    map[string]any `json:"metadata"`
}

func (r submitRequest) validate() error {
	switch r.Kind {
	case "", models.KindBatch:
	case models.KindSingle:
		if len(r.Items) != 1 {
			return apperr.New(apperr.Validation, "kind single requires exactly one item")
		}
	default:
		return apperr.New(apperr.Validation, "kind must be single or batch")
	}
	if r.TemplateRef == "" {
		return apperr.New(apperr.Validation, "template_ref is required")
	}
	if len(r.Items) == 0 {
		return apperr.New(apperr.Validation, "items must be non-empty")
	}
	seen := make(map[string]bool, len(r.Items))
	for _, item := range r.Items {
		if item.EntityID == "" {
			return apperr.New(apperr.Validation, "every item needs an entity_id")
		}
		if seen[item.EntityID] {
			return apperr.New(apperr.Validation, "duplicate entity_id "+item.EntityID)
		}
		seen[item.EntityID] = true
	}
	return nil
}

// handleSubmit validates the batch, persists job and items atomically,
// publishes one message per item, and returns the job id without waiting for
// any processing.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "invalid json"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	// Template resolution is the one synchronous collaborator call: an
	// unresolvable ref fails the submission before anything is persisted.
	if _, err := s.registry.Resolve(r.Context(), req.TemplateRef); err != nil {
		writeError(w, err)
		return
	}

	items := make([]store.NewItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, store.NewItem{
			EntityID: item.EntityID,
			Payload:  item.Payload,
			Register: item.Register,
		})
	}
	kind := req.Kind
	if kind == "" {
		kind = models.KindBatch
	}

	job, err := s.store.CreateJobWithItems(r.Context(), store.CreateJobParams{
		Kind:        kind,
		TemplateRef: req.TemplateRef,
		InputRef:    req.InputRef,
		Metadata:    req.Metadata,
		Items:       items,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	published := 0
	for _, item := range items {
		msg := models.ItemMessage{JobID: job.ID, EntityID: item.EntityID, TemplateRef: req.TemplateRef}
		if err := s.publisher.PublishItem(r.Context(), msg); err != nil {
			s.log.Error("publish item failed", "job_id", job.ID, "entity_id", item.EntityID, "error", err)
			continue
		}
		published++
	}
	if published < len(items) {
		// Unpublished items stay pending; operators can spot them via
		// this log entry and the job's stalled counters.
		_ = s.store.AppendLog(r.Context(), job.ID, models.LogWarning, "some items not published", map[string]any{
			"published": published,
			"total":     len(items),
		})
	}

	telemetry.JobsSubmitted.Inc()
	s.log.Info("job submitted", "job_id", job.ID, "kind", kind, "total_items", job.TotalItems)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID})
}

type itemResult struct {
	EntityID     string  `json:"entity_id"`
	Status       string  `json:"status"`
	OutputRef    *string `json:"output_reference"`
	Error        *string `json:"error"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	AttemptCount int     `json:"attempt_count"`
	ProcessingMS int64   `json:"processing_ms"`
}

type statusResponse struct {
	JobID          string       `json:"job_id"`
	Kind           string       `json:"kind"`
	Status         string       `json:"status"`
	TotalItems     int          `json:"total_items"`
	ProcessedItems int          `json:"processed_items"`
	SuccessCount   int          `json:"success_count"`
	FailureCount   int          `json:"failure_count"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at"`
	Results        []itemResult `json:"results"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.store.GetItems(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildStatus(job, items))
}

func buildStatus(job models.Job, items []models.WorkItem) statusResponse {
	resp := statusResponse{
		JobID:          job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		SuccessCount:   job.SuccessCount,
		FailureCount:   job.FailureCount,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		Results:        make([]itemResult, 0, len(items)),
	}
	for _, item := range items {
		resp.Results = append(resp.Results, itemResult{
			EntityID:     item.EntityID,
			Status:       item.Status,
			OutputRef:    item.OutputRef,
			Error:        item.ErrorMessage,
			ErrorKind:    item.ErrorKind,
			AttemptCount: item.Attempts,
			ProcessingMS: item.ProcessingMS,
		})
	}
	return resp
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		_, _ = fmt.Sscanf(v, "%d", &limit)
	}
	jobs, err := s.store.ListJobs(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.events != nil {
		_ = s.events.PublishEvent(r.Context(), id, broadcast.NewEvent(broadcast.EventStatus, map[string]any{
			"status": job.Status,
		}))
	}
	s.log.Info("job cancelled", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": job.Status})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.store.GetLogs(r.Context(), id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleEvents serves the per-job SSE stream: connected, a status snapshot
// recomputed from the store, then live events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)

	writeSSE(w, broadcast.NewEvent(broadcast.EventConnected, map[string]string{"job_id": id}))

	// The snapshot is always recomputed at subscribe time; events the
	// subscriber missed before connecting are folded into it.
	items, err := s.store.GetItems(r.Context(), id)
	if err == nil {
		writeSSE(w, broadcast.NewEvent(broadcast.EventStatus, buildStatus(job, items)))
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(w, broadcast.NewEvent(broadcast.EventHeartbeat, nil))
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func (s *Server) heartbeatInterval() time.Duration {
	if s.cfg.HeartbeatInterval > 0 {
		return s.cfg.HeartbeatInterval
	}
	return 2 * time.Minute
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
