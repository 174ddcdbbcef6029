package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"poster-generation-service/internal/apperr"
	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/broker"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/models"
	"poster-generation-service/internal/render"
	"poster-generation-service/internal/storage"
	"poster-generation-service/internal/telemetry"
	"poster-generation-service/internal/template"
	"poster-generation-service/internal/webhook"
)

// Store is the slice of the job store the pool needs.
type Store interface {
	ClaimItem(ctx context.Context, jobID, entityID string) (models.WorkItem, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AppendLog(ctx context.Context, jobID, level, message string, details map[string]any) error
}

// Broker is the transport slice the pool consumes and publishes on.
type Broker interface {
	ReceiveItems(ctx context.Context, consumer string, count int) ([]broker.ItemDelivery, error)
	ReclaimItems(ctx context.Context, consumer string, count int) ([]broker.ItemDelivery, error)
	AckItem(ctx context.Context, d broker.ItemDelivery) error
	PublishResult(ctx context.Context, res models.ResultMessage) error
	PendingDepth(ctx context.Context) (int64, error)
}

// Throttle gates render calls across the worker fleet.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

const renderThrottleKey = "throttle:render"

// Pool runs N concurrent consumers over the work item streams. Each item is
// processed independently: one item's failure never blocks or aborts its
// siblings.
type Pool struct {
	cfg      config.Config
	store    Store
	broker   Broker
	registry template.Registry
	renderer render.Renderer
	objects  storage.ObjectStore
	webhooks *webhook.Client
	throttle Throttle
	events   broadcast.Publisher
	log      *logger.Logger
	workerID string
}

// New constructs a pool. throttle, webhooks, and events may be nil; the
// corresponding steps are skipped.
func New(cfg config.Config, st Store, b Broker, registry template.Registry, renderer render.Renderer,
	objects storage.ObjectStore, webhooks *webhook.Client, throttle Throttle,
	events broadcast.Publisher, log *logger.Logger, workerID string) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    st,
		broker:   b,
		registry: registry,
		renderer: renderer,
		objects:  objects,
		webhooks: webhooks,
		throttle: throttle,
		events:   events,
		log:      log.With("component", "worker", "worker_id", workerID),
		workerID: workerID,
	}
}

// Run consumes the work item streams until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 4
	}

	deliveries := make(chan broker.ItemDelivery)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
		}(i + 1)
	}

	reclaimTick := time.NewTicker(p.visibility())
	defer reclaimTick.Stop()

	p.log.Info("worker pool started", "workers", count, "visibility", p.visibility().String())
	for {
		select {
		case <-ctx.Done():
			close(deliveries)
			wg.Wait()
			return ctx.Err()
		case <-reclaimTick.C:
			reclaimed, err := p.broker.ReclaimItems(ctx, p.workerID, 64)
			if err != nil {
				p.log.Warn("reclaim pass failed", "error", err)
			}
			for _, d := range reclaimed {
				select {
				case deliveries <- d:
				case <-ctx.Done():
				}
			}
			if depth, err := p.broker.PendingDepth(ctx); err == nil {
				telemetry.StreamLag.Set(float64(depth))
			}
		default:
			batch, err := p.broker.ReceiveItems(ctx, p.workerID, count)
			if err != nil {
				p.log.Warn("receive failed", "error", err)
				sleepCtx(ctx, time.Second)
				continue
			}
			for _, d := range batch {
				select {
				case deliveries <- d:
				case <-ctx.Done():
				}
			}
		}
	}
}

// handle runs the full pipeline for one delivery and always resolves it to
// either an ack or a redelivery.
func (p *Pool) handle(ctx context.Context, d broker.ItemDelivery) {
	msg := d.Msg
	log := p.log.With("job_id", msg.JobID, "entity_id", msg.EntityID)

	item, claimed, err := p.store.ClaimItem(ctx, msg.JobID, msg.EntityID)
	if apperr.IsNotFound(err) {
		log.Warn("message names an unknown item, dropping")
		_ = p.broker.AckItem(ctx, d)
		return
	}
	if err != nil {
		// Store unavailable: leave the delivery pending so the
		// visibility timeout re-serves it.
		log.Error("claim failed", "error", err)
		return
	}
	if !claimed {
		// Already terminal: redelivered message, discard without
		// reprocessing.
		log.Debug("item already terminal, acking duplicate delivery")
		_ = p.broker.AckItem(ctx, d)
		return
	}

	job, err := p.store.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Error("job lookup failed", "error", err)
		return
	}
	if models.JobTerminal(job.Status) {
		log.Info("job is terminal, skipping item", "status", job.Status)
		_ = p.broker.AckItem(ctx, d)
		return
	}

	telemetry.ItemsInFlight.Inc()
	defer telemetry.ItemsInFlight.Dec()

	start := time.Now()
	outputRef, attempts, prodErr := p.produce(ctx, msg, item)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		// Shutdown mid-item: no result, let the delivery be re-served.
		return
	}

	res := models.ResultMessage{
		JobID:        msg.JobID,
		EntityID:     msg.EntityID,
		Attempts:     item.Attempts + attempts,
		ProcessingMS: elapsed.Milliseconds(),
	}
	if prodErr == nil {
		res.Status = models.ItemCompleted
		res.OutputRef = outputRef
		p.registerDownstream(ctx, item, outputRef, job.Metadata, log)
		p.appendLog(ctx, msg.JobID, models.LogInfo, "item completed", map[string]any{
			"entity_id":     msg.EntityID,
			"output":        outputRef,
			"attempt_count": res.Attempts,
			"processing_ms": res.ProcessingMS,
		})
	} else {
		res.Status = models.ItemFailed
		res.ErrorKind = errorKind(prodErr)
		res.ErrorMessage = prodErr.Error()
		p.appendLog(ctx, msg.JobID, models.LogError, "item failed", map[string]any{
			"entity_id":     msg.EntityID,
			"error_kind":    res.ErrorKind,
			"error":         prodErr.Error(),
			"attempt_count": res.Attempts,
			"processing_ms": res.ProcessingMS,
		})
	}

	if err := p.broker.PublishResult(ctx, res); err != nil {
		// Without a result the reconciler never sees this outcome; let
		// the delivery time out and run again. The terminal CAS in the
		// store keeps the rerun idempotent once a result does land.
		log.Error("publish result failed", "error", err)
		return
	}
	if p.events != nil {
		_ = p.events.PublishEvent(ctx, msg.JobID, broadcast.NewEvent(broadcast.EventLog, map[string]any{
			"entity_id": msg.EntityID,
			"status":    res.Status,
		}))
	}
	_ = p.broker.AckItem(ctx, d)
}

// produce runs template resolution, substitution, rendering, and upload,
// retrying transient collaborator failures with exponential backoff. It
// returns the output reference and the number of attempts consumed.
func (p *Pool) produce(ctx context.Context, msg models.ItemMessage, item models.WorkItem) (string, int, error) {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ref, err := p.attempt(ctx, msg, item)
		if err == nil {
			return ref, attempt, nil
		}
		lastErr = err
		if !apperr.IsTransient(err) {
			return "", attempt, err
		}
		if attempt == maxAttempts {
			break
		}
		telemetry.ItemRetries.Inc()
		sleepCtx(ctx, backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
	}
	return "", maxAttempts, lastErr
}

func (p *Pool) attempt(ctx context.Context, msg models.ItemMessage, item models.WorkItem) (string, error) {
	tpl, err := p.resolveTemplate(ctx, msg.TemplateRef)
	if err != nil {
		return "", err
	}

	payload := template.FromAny(item.Payload)
	resolved, unresolved := template.Substitute(tpl.Content, payload)
	if missing := missingRequired(tpl.Required, unresolved); missing != "" {
		return "", apperr.New(apperr.Permanent, "required placeholder "+missing+" unresolved")
	}

	if p.throttle != nil {
		allowed, _, err := p.throttle.Allow(ctx, renderThrottleKey)
		if err != nil {
			return "", apperr.Wrap(apperr.Transient, "render throttle", err)
		}
		if !allowed {
			telemetry.ThrottleRejects.Inc()
			return "", apperr.New(apperr.Transient, "render throttle exhausted")
		}
	}

	cctx, cancel := context.WithTimeout(ctx, p.collaboratorTimeout())
	renderStart := time.Now()
	raster, err := p.renderer.Render(cctx, resolved)
	cancel()
	telemetry.RenderDuration.Observe(time.Since(renderStart).Seconds())
	if err != nil {
		return "", classifyTimeout(cctx, fmt.Errorf("render: %w", err))
	}

	key := fmt.Sprintf("posters/%s/%s.png", msg.JobID, item.EntityID)
	cctx, cancel = context.WithTimeout(ctx, p.collaboratorTimeout())
	storeStart := time.Now()
	ref, err := p.objects.Store(cctx, key, raster, "image/png")
	cancel()
	telemetry.StorageDuration.Observe(time.Since(storeStart).Seconds())
	if err != nil {
		return "", classifyTimeout(cctx, fmt.Errorf("store raster: %w", err))
	}
	return ref, nil
}

func (p *Pool) resolveTemplate(ctx context.Context, ref string) (template.Template, error) {
	cctx, cancel := context.WithTimeout(ctx, p.collaboratorTimeout())
	defer cancel()
	tpl, err := p.registry.Resolve(cctx, ref)
	if err != nil {
		// A template that vanished after submission cannot come back
		// for this item; anything else gets the transient treatment.
		if apperr.IsNotFound(err) {
			return template.Template{}, apperr.Wrap(apperr.Permanent, "template", err)
		}
		if apperr.KindOf(err) == "" {
			return template.Template{}, apperr.Wrap(apperr.Transient, "template registry", err)
		}
		return template.Template{}, err
	}
	return tpl, nil
}

// registerDownstream announces a completed asset when the item asked for it.
// Failures are logged and swallowed: registration never affects job state.
func (p *Pool) registerDownstream(ctx context.Context, item models.WorkItem, outputRef string, metadata map[string]any, log *logger.Logger) {
	if !item.Register || !p.webhooks.Enabled() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.WebhookTimeout)
	defer cancel()
	if err := p.webhooks.Register(cctx, item.EntityID, outputRef, metadata); err != nil {
		log.Warn("downstream registration failed", "error", err)
		p.appendLog(ctx, item.JobID, models.LogWarning, "downstream registration failed", map[string]any{
			"entity_id": item.EntityID,
			"error":     err.Error(),
		})
	}
}

func (p *Pool) appendLog(ctx context.Context, jobID, level, message string, details map[string]any) {
	if err := p.store.AppendLog(ctx, jobID, level, message, details); err != nil {
		p.log.Warn("append log failed", "job_id", jobID, "error", err)
	}
}

func (p *Pool) collaboratorTimeout() time.Duration {
	if p.cfg.CollaboratorTimeout > 0 {
		return p.cfg.CollaboratorTimeout
	}
	return 30 * time.Second
}

func (p *Pool) visibility() time.Duration {
	if p.cfg.VisibilityTimeout > 0 {
		return p.cfg.VisibilityTimeout
	}
	return time.Minute
}

func missingRequired(required, unresolved []string) string {
	for _, req := range required {
		for _, u := range unresolved {
			if req == u {
				return req
			}
		}
	}
	return ""
}

// classifyTimeout turns a deadline-hit collaborator error into a transient
// one so the retry policy applies.
func classifyTimeout(ctx context.Context, err error) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return apperr.Wrap(apperr.Transient, "collaborator timeout", err)
	}
	return apperr.Wrap(apperr.Permanent, "collaborator", err)
}

func errorKind(err error) string {
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return string(apperr.Permanent)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
