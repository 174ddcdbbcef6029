package models

import (
	"time"
)

// Job status values persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// WorkItem status values.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// Job kinds accepted at submission.
const (
	KindSingle = "single"
	KindBatch  = "batch"
)

// JobTerminal reports whether a job status permits no further transitions.
func JobTerminal(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCancelled
}

// ItemTerminal reports whether a work item status is final.
func ItemTerminal(status string) bool {
	return status == ItemCompleted || status == ItemFailed
}

// Job is one batch (or single-item) generation request and its aggregate progress.
type Job struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	TemplateRef    string         `json:"template_ref"`
	Status         string         `json:"status"`
	TotalItems     int            `json:"total_items"`
	ProcessedItems int            `json:"processed_items"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	InputRef       *string        `json:"input_ref,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// WorkItem is one entity's generation unit within a job.
// The composite key is (JobID, EntityID); EntityID is caller-supplied.
type WorkItem struct {
	JobID        string         `json:"job_id"`
	EntityID     string         `json:"entity_id"`
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload"`
	Register     bool           `json:"register"`
	OutputRef    *string        `json:"output_reference,omitempty"`
	ErrorKind    *string        `json:"error_kind,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Attempts     int            `json:"attempt_count"`
	ProcessingMS int64          `json:"processing_ms"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// LogEntry is an append-only audit row tied to a job.
type LogEntry struct {
	ID      int64          `json:"id"`
	JobID   string         `json:"job_id"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Log levels for LogEntry rows.
const (
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// ItemMessage is the broker payload distributing one work item to the pool.
// The item row itself stays in Postgres; the message only names it.
type ItemMessage struct {
	JobID       string `json:"job_id"`
	EntityID    string `json:"entity_id"`
	TemplateRef string `json:"template_ref"`
}

// ResultMessage is published by a worker once an item reaches a terminal
// outcome, and consumed by the reconciler.
type ResultMessage struct {
	JobID        string `json:"job_id"`
	EntityID     string `json:"entity_id"`
	Status       string `json:"status"`
	OutputRef    string `json:"output_reference,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempts     int    `json:"attempt_count"`
	ProcessingMS int64  `json:"processing_ms"`
}
