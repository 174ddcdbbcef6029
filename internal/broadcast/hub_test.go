package broadcast

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/logger"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(logger.NewNop())

	a := hub.Subscribe("job-1")
	b := hub.Subscribe("job-1")
	other := hub.Subscribe("job-2")

	hub.Publish("job-1", NewEvent(EventItemCompleted, map[string]string{"entity_id": "e1"}))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			if ev.Kind != EventItemCompleted {
				t.Fatalf("got kind %s", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-other.C:
		t.Fatalf("job-2 subscriber received job-1 event: %+v", ev)
	default:
	}
}

func TestUnsubscribeDoesNotAffectOthers(t *testing.T) {
	hub := NewHub(logger.NewNop())

	a := hub.Subscribe("job-1")
	b := hub.Subscribe("job-1")
	hub.Unsubscribe(a)

	if _, ok := <-a.C; ok {
		t.Fatal("unsubscribed channel must be closed")
	}

	hub.Publish("job-1", NewEvent(EventLog, nil))
	select {
	case ev := <-b.C:
		if ev.Kind != EventLog {
			t.Fatalf("got kind %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber lost its stream")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(logger.NewNop())
	sub := hub.Subscribe("job-1")

	// Nobody drains; publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("job-1", NewEvent(EventHeartbeat, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	hub.Unsubscribe(sub)
}

func TestRelayFeedsHub(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	hub := NewHub(logger.NewNop())
	relay := NewRelay(client, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx, hub) }()

	sub := hub.Subscribe("job-9")

	// The relay's psubscribe races with the publish; retry until it lands.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind != EventJobCompleted {
				t.Fatalf("got kind %s", ev.Kind)
			}
			return
		case <-tick.C:
			_ = relay.PublishEvent(ctx, "job-9", NewEvent(EventJobCompleted, nil))
		case <-deadline:
			t.Fatal("relay never delivered the event")
		}
	}
}
