package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/broker"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/models"
	"poster-generation-service/internal/store"
)

// memStore mirrors the transactional semantics of the Postgres store in
// memory: single terminal transition per item, counters moved only for
// non-terminal jobs, completion decided on the same read as the increment.
type memStore struct {
	mu    sync.Mutex
	job   models.Job
	items map[string]bool // entity_id -> terminal
	logs  []models.LogEntry
}

func newMemStore(total int) *memStore {
	return &memStore{
		job:   models.Job{ID: "job-1", Status: models.JobQueued, TotalItems: total},
		items: map[string]bool{},
	}
}

func (s *memStore) ApplyResult(_ context.Context, res models.ResultMessage) (store.ResultOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items[res.EntityID] {
		return store.ResultOutcome{Duplicate: true, Job: s.job}, nil
	}
	s.items[res.EntityID] = true

	if models.JobTerminal(s.job.Status) {
		return store.ResultOutcome{JobTerminal: true, Job: s.job}, nil
	}

	s.job.ProcessedItems++
	if res.Status == models.ItemCompleted {
		s.job.SuccessCount++
	} else {
		s.job.FailureCount++
	}
	if s.job.Status == models.JobQueued {
		s.job.Status = models.JobProcessing
	}

	outcome := store.ResultOutcome{Job: s.job}
	if s.job.ProcessedItems == s.job.TotalItems {
		if s.job.SuccessCount > 0 {
			s.job.Status = models.JobCompleted
		} else {
			s.job.Status = models.JobFailed
		}
		outcome.Job = s.job
		outcome.JobFinished = true
	}
	return outcome, nil
}

func (s *memStore) AppendLog(_ context.Context, jobID, level, message string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, models.LogEntry{JobID: jobID, Level: level, Message: message, Details: details})
	return nil
}

func (s *memStore) invariantsHold(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, s.job.ProcessedItems, s.job.SuccessCount+s.job.FailureCount)
	require.LessOrEqual(t, s.job.ProcessedItems, s.job.TotalItems)
}

type ackBroker struct {
	mu    sync.Mutex
	acked []string
}

func (b *ackBroker) ReceiveResults(context.Context, string, int) ([]broker.ResultDelivery, error) {
	return nil, nil
}
func (b *ackBroker) ReclaimResults(context.Context, string, int) ([]broker.ResultDelivery, error) {
	return nil, nil
}
func (b *ackBroker) AckResult(_ context.Context, d broker.ResultDelivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, d.ID)
	return nil
}

func testReconciler(st Store, b Broker, hub *broadcast.Hub) *Reconciler {
	var events broadcast.Publisher
	if hub != nil {
		events = broadcast.HubPublisher{Hub: hub}
	}
	return New(config.Config{}, st, b, events, logger.NewNop(), "r-test")
}

func resultDelivery(entityID, status string) broker.ResultDelivery {
	return broker.ResultDelivery{
		Stream: "posters:results",
		ID:     "id-" + entityID,
		Msg: models.ResultMessage{
			JobID:    "job-1",
			EntityID: entityID,
			Status:   status,
			Attempts: 1,
		},
	}
}

func drain(sub *broadcast.Subscription) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestAllItemsSucceedJobCompletes(t *testing.T) {
	st := newMemStore(5)
	b := &ackBroker{}
	hub := broadcast.NewHub(logger.NewNop())
	sub := hub.Subscribe("job-1")
	r := testReconciler(st, b, hub)

	for i := 0; i < 5; i++ {
		r.apply(context.Background(), resultDelivery(fmt.Sprintf("e%d", i), models.ItemCompleted))
		st.invariantsHold(t)
	}

	require.Equal(t, models.JobCompleted, st.job.Status)
	require.Equal(t, 5, st.job.SuccessCount)
	require.Equal(t, 0, st.job.FailureCount)
	require.Len(t, b.acked, 5)

	events := drain(sub)
	require.Len(t, events, 6) // 5 item_completed + 1 job_completed
	require.Equal(t, broadcast.EventJobCompleted, events[5].Kind)
}

func TestPartialFailureStillCompletes(t *testing.T) {
	st := newMemStore(5)
	b := &ackBroker{}
	r := testReconciler(st, b, nil)

	for i := 0; i < 5; i++ {
		status := models.ItemCompleted
		if i == 2 {
			status = models.ItemFailed
		}
		r.apply(context.Background(), resultDelivery(fmt.Sprintf("e%d", i), status))
		st.invariantsHold(t)
	}

	require.Equal(t, models.JobCompleted, st.job.Status, "non-zero successes means completed")
	require.Equal(t, 4, st.job.SuccessCount)
	require.Equal(t, 1, st.job.FailureCount)
}

func TestZeroSuccessesFailsJob(t *testing.T) {
	st := newMemStore(2)
	b := &ackBroker{}
	hub := broadcast.NewHub(logger.NewNop())
	sub := hub.Subscribe("job-1")
	r := testReconciler(st, b, hub)

	r.apply(context.Background(), resultDelivery("e0", models.ItemFailed))
	r.apply(context.Background(), resultDelivery("e1", models.ItemFailed))

	require.Equal(t, models.JobFailed, st.job.Status)
	events := drain(sub)
	require.Equal(t, broadcast.EventJobFailed, events[len(events)-1].Kind)
}

func TestDuplicateResultIsNoOp(t *testing.T) {
	st := newMemStore(2)
	b := &ackBroker{}
	hub := broadcast.NewHub(logger.NewNop())
	sub := hub.Subscribe("job-1")
	r := testReconciler(st, b, hub)

	r.apply(context.Background(), resultDelivery("x", models.ItemCompleted))
	first := st.job.ProcessedItems
	firstEvents := len(drain(sub))

	r.apply(context.Background(), resultDelivery("x", models.ItemCompleted))
	st.invariantsHold(t)

	require.Equal(t, first, st.job.ProcessedItems, "duplicate must not move counters")
	require.Empty(t, drain(sub), "duplicate must not emit events")
	require.Equal(t, firstEvents, 1)
	require.Len(t, b.acked, 2, "duplicate must still be acked")
}

func TestResultAfterCancellationNeverFlipsStatus(t *testing.T) {
	st := newMemStore(3)
	st.job.Status = models.JobCancelled
	b := &ackBroker{}
	r := testReconciler(st, b, nil)

	r.apply(context.Background(), resultDelivery("e0", models.ItemCompleted))
	r.apply(context.Background(), resultDelivery("e1", models.ItemCompleted))
	r.apply(context.Background(), resultDelivery("e2", models.ItemCompleted))

	require.Equal(t, models.JobCancelled, st.job.Status, "cancel is one-way")
	require.Zero(t, st.job.ProcessedItems)
	require.Len(t, b.acked, 3)
	require.NotEmpty(t, st.logs, "late results are logged for audit")
}
