package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/logger"
)

const channelPrefix = "posters:events:"

// Publisher is the write side of the progress channel. The hub satisfies it
// for single-process setups; the relay satisfies it across processes.
type Publisher interface {
	PublishEvent(ctx context.Context, jobID string, ev Event) error
}

// HubPublisher adapts a Hub to the Publisher interface.
type HubPublisher struct{ Hub *Hub }

func (p HubPublisher) PublishEvent(_ context.Context, jobID string, ev Event) error {
	p.Hub.Publish(jobID, ev)
	return nil
}

// Relay carries events over Redis pub/sub so the worker and reconciler
// processes can reach subscribers held by any API instance. Lost messages are
// acceptable here: the stream is best-effort and every subscriber gets a
// fresh status snapshot on connect.
type Relay struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRelay(client *redis.Client, log *logger.Logger) *Relay {
	return &Relay{client: client, log: log.With("component", "relay")}
}

// PublishEvent sends one event to every process subscribed to the job's
// channel.
func (r *Relay) PublishEvent(ctx context.Context, jobID string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.Publish(ctx, channelPrefix+jobID, raw).Err()
}

// Run subscribes to all job event channels and feeds them into the local hub
// until the context is cancelled.
func (r *Relay) Run(ctx context.Context, hub *Hub) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			jobID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("dropping undecodable event", "job_id", jobID, "error", err)
				continue
			}
			hub.Publish(jobID, ev)
		}
	}
}
