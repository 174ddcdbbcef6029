package reconcile

import (
	"context"
	"time"

	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/broker"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/models"
	"poster-generation-service/internal/store"
	"poster-generation-service/internal/telemetry"
)

// Store is the slice of the job store the reconciler drives. All counter
// movement and state transitions happen inside ApplyResult's transaction;
// the reconciler itself holds no state, so any number of instances can run.
type Store interface {
	ApplyResult(ctx context.Context, res models.ResultMessage) (store.ResultOutcome, error)
	AppendLog(ctx context.Context, jobID, level, message string, details map[string]any) error
}

// Broker is the result-stream slice the reconciler consumes.
type Broker interface {
	ReceiveResults(ctx context.Context, consumer string, count int) ([]broker.ResultDelivery, error)
	ReclaimResults(ctx context.Context, consumer string, count int) ([]broker.ResultDelivery, error)
	AckResult(ctx context.Context, d broker.ResultDelivery) error
}

// Reconciler consumes result messages, folds them into job counters, and
// broadcasts progress.
type Reconciler struct {
	cfg      config.Config
	store    Store
	broker   Broker
	events   broadcast.Publisher
	log      *logger.Logger
	consumer string
}

func New(cfg config.Config, st Store, b Broker, events broadcast.Publisher, log *logger.Logger, consumer string) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		broker:   b,
		events:   events,
		log:      log.With("component", "reconciler", "consumer", consumer),
		consumer: consumer,
	}
}

// Run consumes the result stream until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	visibility := r.cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = time.Minute
	}
	reclaimTick := time.NewTicker(visibility)
	defer reclaimTick.Stop()

	r.log.Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaimTick.C:
			reclaimed, err := r.broker.ReclaimResults(ctx, r.consumer, 64)
			if err != nil {
				r.log.Warn("reclaim pass failed", "error", err)
			}
			for _, d := range reclaimed {
				r.apply(ctx, d)
			}
		default:
			batch, err := r.broker.ReceiveResults(ctx, r.consumer, 32)
			if err != nil {
				r.log.Warn("receive failed", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			for _, d := range batch {
				r.apply(ctx, d)
			}
		}
	}
}

// apply folds one result into the job store and emits the matching events.
// The delivery is acked in every consumed case; it is left pending only when
// the store was unreachable, so the visibility timeout re-serves it.
func (r *Reconciler) apply(ctx context.Context, d broker.ResultDelivery) {
	res := d.Msg
	log := r.log.With("job_id", res.JobID, "entity_id", res.EntityID)

	outcome, err := r.store.ApplyResult(ctx, res)
	if err != nil {
		log.Error("apply result failed", "error", err)
		return
	}

	switch {
	case outcome.Duplicate:
		telemetry.DuplicateResults.Inc()
		log.Debug("duplicate result discarded")

	case outcome.JobTerminal:
		// Late result for a cancelled or already-finished job. Recorded
		// for audit, never counted.
		_ = r.store.AppendLog(ctx, res.JobID, models.LogWarning, "result after terminal job", map[string]any{
			"entity_id":  res.EntityID,
			"job_status": outcome.Job.Status,
			"status":     res.Status,
		})
		log.Info("result arrived after job turned terminal", "job_status", outcome.Job.Status)

	default:
		if res.Status == models.ItemCompleted {
			telemetry.ItemsCompleted.Inc()
		} else {
			telemetry.ItemsFailed.Inc()
		}
		r.publish(ctx, res.JobID, broadcast.NewEvent(broadcast.EventItemCompleted, map[string]any{
			"entity_id":        res.EntityID,
			"status":           res.Status,
			"output_reference": res.OutputRef,
			"error_kind":       res.ErrorKind,
			"processed_items":  outcome.Job.ProcessedItems,
			"total_items":      outcome.Job.TotalItems,
		}))

		if outcome.JobFinished {
			kind := broadcast.EventJobCompleted
			if outcome.Job.Status == models.JobFailed {
				kind = broadcast.EventJobFailed
				telemetry.JobsFailed.Inc()
			} else {
				telemetry.JobsCompleted.Inc()
			}
			_ = r.store.AppendLog(ctx, res.JobID, models.LogInfo, "job "+outcome.Job.Status, map[string]any{
				"success_count": outcome.Job.SuccessCount,
				"failure_count": outcome.Job.FailureCount,
			})
			r.publish(ctx, res.JobID, broadcast.NewEvent(kind, jobSnapshot(outcome.Job)))
			log.Info("job finished", "status", outcome.Job.Status,
				"success", outcome.Job.SuccessCount, "failure", outcome.Job.FailureCount)
		}
	}

	if err := r.broker.AckResult(ctx, d); err != nil {
		log.Warn("ack failed", "error", err)
	}
}

func (r *Reconciler) publish(ctx context.Context, jobID string, ev broadcast.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishEvent(ctx, jobID, ev); err != nil {
		r.log.Warn("event publish failed", "job_id", jobID, "kind", ev.Kind, "error", err)
	}
}

func jobSnapshot(job models.Job) map[string]any {
	return map[string]any{
		"status":          job.Status,
		"total_items":     job.TotalItems,
		"processed_items": job.ProcessedItems,
		"success_count":   job.SuccessCount,
		"failure_count":   job.FailureCount,
	}
}
