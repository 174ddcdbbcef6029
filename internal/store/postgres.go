package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"poster-generation-service/internal/apperr"
	"poster-generation-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for jobs, work items, and log entries; every write that touches
// job-level counters runs inside a row-locked transaction here.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// NewItem is one entity's unit within a submission.
type NewItem struct {
	EntityID string
	Payload  map[string]any
	Register bool
}

// CreateJobParams collects inputs for the atomic job + items insert.
type CreateJobParams struct {
	Kind        string
	TemplateRef string
	InputRef    string
	Metadata    map[string]any
	Items       []NewItem
}

// CreateJobWithItems inserts the job row, one work item row per entity, and
// the submission log entry in a single transaction. Nothing is persisted if
// any insert fails.
func (s *Store) CreateJobWithItems(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Kind == "" {
		p.Kind = models.KindBatch
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}

	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, template_ref, status, total_items, input_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, id, p.Kind, p.TemplateRef, models.JobQueued, len(p.Items), p.InputRef, metaJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	for i, item := range p.Items {
		payloadJSON, err := json.Marshal(item.Payload)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal payload for %s: %w", item.EntityID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO work_items (job_id, entity_id, ord, status, payload, register, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, id, item.EntityID, i, models.ItemPending, payloadJSON, item.Register, now)
		if err != nil {
			return models.Job{}, fmt.Errorf("insert work item %s: %w", item.EntityID, err)
		}
	}

	details, _ := json.Marshal(map[string]any{"total_items": len(p.Items), "kind": p.Kind})
	_, err = tx.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, details) VALUES ($1, $2, $3, $4)
	`, id, models.LogInfo, "job submitted", details)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert submission log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:          id,
		Kind:        p.Kind,
		TemplateRef: p.TemplateRef,
		Status:      models.JobQueued,
		TotalItems:  len(p.Items),
		InputRef:    emptyToNil(p.InputRef),
		Metadata:    p.Metadata,
		CreatedAt:   now,
	}, nil
}

const jobColumns = `id, kind, template_ref, status, total_items, processed_items, success_count, failure_count, input_ref, metadata, created_at, started_at, completed_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.New(apperr.NotFound, "job "+id)
	}
	return job, err
}

// ListJobs returns recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const itemColumns = `job_id, entity_id, status, payload, register, output_reference, error_kind, error_message, attempt_count, processing_ms, created_at, updated_at`

// GetItems returns a job's work items in submission order, so the results
// array callers see only ever grows and never re-orders.
func (s *Store) GetItems(ctx context.Context, jobID string) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM work_items WHERE job_id = $1 ORDER BY ord
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItem fetches a single work item by its composite key.
func (s *Store) GetItem(ctx context.Context, jobID, entityID string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM work_items WHERE job_id = $1 AND entity_id = $2
	`, jobID, entityID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, apperr.New(apperr.NotFound, fmt.Sprintf("work item %s/%s", jobID, entityID))
	}
	return item, err
}

// ClaimItem moves an item to processing via compare-and-set. It returns the
// item and false (without modifying anything) when the item is already in a
// terminal state, which is the worker's defense against redelivery.
func (s *Store) ClaimItem(ctx context.Context, jobID, entityID string) (models.WorkItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET status = $3, updated_at = NOW()
		WHERE job_id = $1 AND entity_id = $2 AND status IN ($4, $3)
		RETURNING `+itemColumns+`
	`, jobID, entityID, models.ItemProcessing, models.ItemPending)
	item, err := scanItem(row)
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, false, fmt.Errorf("claim work item: %w", err)
	}

	// Either the item does not exist or it is already terminal.
	item, err = s.GetItem(ctx, jobID, entityID)
	if err != nil {
		return models.WorkItem{}, false, err
	}
	return item, false, nil
}

// ResultOutcome describes what a result application changed.
type ResultOutcome struct {
	// Duplicate means the item was already terminal; nothing changed.
	Duplicate bool
	// JobTerminal means the job had already finished or been cancelled;
	// the item row was recorded for audit but no counter moved.
	JobTerminal bool
	// JobFinished means this result was the last one and the job
	// transitioned to completed or failed in this call.
	JobFinished bool
	Job         models.Job
}

// ApplyResult finalizes a work item and advances the owning job's counters in
// one transaction. The item transition is a compare-and-set against terminal
// states, so redelivered results fall out as Duplicate without touching
// counters. The job row is locked before the increment and the completion
// decision reads the totals from the same transaction, so two workers
// finishing simultaneously cannot both observe "last item".
func (s *Store) ApplyResult(ctx context.Context, res models.ResultMessage) (ResultOutcome, error) {
	if !models.ItemTerminal(res.Status) {
		return ResultOutcome{}, fmt.Errorf("result status %q is not terminal", res.Status)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE work_items
		SET status = $3,
		    output_reference = NULLIF($4, ''),
		    error_kind = NULLIF($5, ''),
		    error_message = NULLIF($6, ''),
		    attempt_count = $7,
		    processing_ms = $8,
		    updated_at = NOW()
		WHERE job_id = $1 AND entity_id = $2 AND status NOT IN ($9, $10)
	`, res.JobID, res.EntityID, res.Status, res.OutputRef, res.ErrorKind, res.ErrorMessage,
		res.Attempts, res.ProcessingMS, models.ItemCompleted, models.ItemFailed)
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("finalize work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal: the idempotency barrier. Leave everything as is.
		job, err := s.GetJob(ctx, res.JobID)
		if err != nil {
			return ResultOutcome{}, err
		}
		return ResultOutcome{Duplicate: true, Job: job}, nil
	}

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, res.JobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResultOutcome{}, apperr.New(apperr.NotFound, "job "+res.JobID)
	}
	if err != nil {
		return ResultOutcome{}, err
	}

	if models.JobTerminal(job.Status) {
		// Late result for a cancelled or finished job: keep the item row
		// for audit, never move counters or status.
		if err := tx.Commit(ctx); err != nil {
			return ResultOutcome{}, fmt.Errorf("commit: %w", err)
		}
		return ResultOutcome{JobTerminal: true, Job: job}, nil
	}

	row = tx.QueryRow(ctx, `
		UPDATE jobs
		SET processed_items = processed_items + 1,
		    success_count = success_count + CASE WHEN $2 = $3 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $2 = $4 THEN 1 ELSE 0 END,
		    status = CASE WHEN status = $5 THEN $6 ELSE status END,
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, res.JobID, res.Status, models.ItemCompleted, models.ItemFailed, models.JobQueued, models.JobProcessing)
	job, err = scanJob(row)
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("increment counters: %w", err)
	}

	outcome := ResultOutcome{Job: job}
	if job.ProcessedItems == job.TotalItems {
		final := models.JobCompleted
		if job.SuccessCount == 0 {
			final = models.JobFailed
		}
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, completed_at = NOW() WHERE id = $1
			RETURNING `+jobColumns+`
		`, res.JobID, final)
		job, err = scanJob(row)
		if err != nil {
			return ResultOutcome{}, fmt.Errorf("finalize job: %w", err)
		}
		outcome.Job = job
		outcome.JobFinished = true
	}

	if err := tx.Commit(ctx); err != nil {
		return ResultOutcome{}, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

// CancelJob performs the one-way cancel transition. It fails with a Terminal
// error when the job has already finished; cancellation is never undone.
func (s *Store) CancelJob(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.New(apperr.NotFound, "job "+id)
	}
	if err != nil {
		return models.Job{}, err
	}
	if models.JobTerminal(job.Status) {
		return models.Job{}, apperr.New(apperr.Terminal, fmt.Sprintf("job %s is %s", id, job.Status))
	}

	row = tx.QueryRow(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW() WHERE id = $1
		RETURNING `+jobColumns+`
	`, id, models.JobCancelled)
	job, err = scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, details) VALUES ($1, $2, $3, '{}')
	`, id, models.LogInfo, "job cancelled")
	if err != nil {
		return models.Job{}, fmt.Errorf("insert cancel log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// AppendLog adds an append-only audit row. Log rows are never read back for
// control flow.
func (s *Store) AppendLog(ctx context.Context, jobID, level, message string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal log details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, details) VALUES ($1, $2, $3, $4)
	`, jobID, level, message, detailsJSON)
	return err
}

// GetLogs returns a job's log entries oldest first.
func (s *Store) GetLogs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, details, ts
		FROM job_logs WHERE job_id = $1 ORDER BY id LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &detailsJSON, &e.At); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal log details: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var inputRef pgtype.Text
	var metaJSON []byte
	var started, completed pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Kind, &job.TemplateRef, &job.Status, &job.TotalItems,
		&job.ProcessedItems, &job.SuccessCount, &job.FailureCount, &inputRef, &metaJSON,
		&job.CreatedAt, &started, &completed)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	job.InputRef = textPtr(inputRef)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func scanItem(row pgx.Row) (models.WorkItem, error) {
	var item models.WorkItem
	var payloadJSON []byte
	var outputRef, errKind, errMsg pgtype.Text

	err := row.Scan(&item.JobID, &item.EntityID, &item.Status, &payloadJSON, &item.Register,
		&outputRef, &errKind, &errMsg, &item.Attempts, &item.ProcessingMS,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return models.WorkItem{}, err
	}
	if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	item.OutputRef = textPtr(outputRef)
	item.ErrorKind = textPtr(errKind)
	item.ErrorMessage = textPtr(errMsg)
	return item, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
