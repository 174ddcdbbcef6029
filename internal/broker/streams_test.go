package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/config"
	"poster-generation-service/internal/models"
)

func testBroker(t *testing.T) (*Broker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(client, config.Config{
		StreamPartitions:  4,
		WorkerGroup:       "workers",
		ReconcilerGroup:   "reconcilers",
		VisibilityTimeout: time.Minute,
		ReceiveBlock:      10 * time.Millisecond,
	})
	if err := b.EnsureGroups(context.Background()); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	return b, mr, client
}

func TestItemRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _, _ := testBroker(t)

	for i := 0; i < 3; i++ {
		msg := models.ItemMessage{JobID: "job-1", EntityID: fmt.Sprintf("e%d", i), TemplateRef: "tpl"}
		if err := b.PublishItem(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := map[string]bool{}
	for len(got) < 3 {
		deliveries, err := b.ReceiveItems(ctx, "w1", 10)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if len(deliveries) == 0 {
			t.Fatalf("expected deliveries, group drained early with %d seen", len(got))
		}
		for _, d := range deliveries {
			if d.Msg.JobID != "job-1" || d.Msg.TemplateRef != "tpl" {
				t.Fatalf("bad message: %+v", d.Msg)
			}
			got[d.Msg.EntityID] = true
			if err := b.AckItem(ctx, d); err != nil {
				t.Fatalf("ack: %v", err)
			}
		}
	}

	deliveries, err := b.ReceiveItems(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("receive after ack: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected empty group after ack, got %d", len(deliveries))
	}
}

func TestPartitionStableForJob(t *testing.T) {
	ctx := context.Background()
	b, _, client := testBroker(t)

	for i := 0; i < 10; i++ {
		msg := models.ItemMessage{JobID: "job-sticky", EntityID: fmt.Sprintf("e%d", i)}
		if err := b.PublishItem(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	nonEmpty := 0
	for p := 0; p < b.partitions; p++ {
		if n, _ := client.XLen(ctx, b.itemStream(p)).Result(); n > 0 {
			nonEmpty++
		}
	}
	if nonEmpty != 1 {
		t.Fatalf("one job must map to exactly one partition, got %d", nonEmpty)
	}
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _, _ := testBroker(t)

	res := models.ResultMessage{
		JobID:        "job-1",
		EntityID:     "e1",
		Status:       models.ItemCompleted,
		OutputRef:    "https://cdn.example.com/p/e1.png",
		Attempts:     1,
		ProcessingMS: 420,
	}
	if err := b.PublishResult(ctx, res); err != nil {
		t.Fatalf("publish result: %v", err)
	}

	deliveries, err := b.ReceiveResults(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("receive results: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 result, got %d", len(deliveries))
	}
	if deliveries[0].Msg != res {
		t.Fatalf("result mismatch: %+v", deliveries[0].Msg)
	}
	if err := b.AckResult(ctx, deliveries[0]); err != nil {
		t.Fatalf("ack result: %v", err)
	}
}

func TestMalformedMessageGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	b, _, client := testBroker(t)

	err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: resultStream,
		Values: map[string]any{payloadField: "{not json"},
	}).Err()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}

	deliveries, err := b.ReceiveResults(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("poison message must not be delivered, got %d", len(deliveries))
	}

	dlq, err := b.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dlq))
	}
}
