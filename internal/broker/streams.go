package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/config"
	"poster-generation-service/internal/models"
)

const (
	itemStreamPrefix = "posters:items:"
	resultStream     = "posters:results"
	dlqStream        = "posters:dlq"
	payloadField     = "payload"
)

// Broker distributes work items and results over Redis Streams. Work items
// are spread across a fixed set of partition streams keyed by job id, so one
// job's items land on one partition and keep per-job ordering where Redis
// provides it. Consumer groups give at-least-once delivery; correctness never
// depends on more than that.
type Broker struct {
	client          *redis.Client
	partitions      int
	workerGroup     string
	reconcilerGroup string
	visibility      time.Duration
	block           time.Duration
}

// ItemDelivery is one received work item message plus the handle to ack it.
type ItemDelivery struct {
	Stream string
	ID     string
	Msg    models.ItemMessage
}

// ResultDelivery is one received result message plus its ack handle.
type ResultDelivery struct {
	Stream string
	ID     string
	Msg    models.ResultMessage
}

// New builds a broker client from config.
func New(client *redis.Client, cfg config.Config) *Broker {
	partitions := cfg.StreamPartitions
	if partitions <= 0 {
		partitions = 1
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	block := cfg.ReceiveBlock
	if block == 0 {
		block = 2 * time.Second
	}
	return &Broker{
		client:          client,
		partitions:      partitions,
		workerGroup:     cfg.WorkerGroup,
		reconcilerGroup: cfg.ReconcilerGroup,
		visibility:      visibility,
		block:           block,
	}
}

func (b *Broker) itemStream(partition int) string {
	return fmt.Sprintf("%s%d", itemStreamPrefix, partition)
}

func (b *Broker) partitionFor(jobID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(b.partitions))
}

// EnsureGroups creates the consumer groups on all streams, tolerating groups
// that already exist.
func (b *Broker) EnsureGroups(ctx context.Context) error {
	for p := 0; p < b.partitions; p++ {
		if err := b.createGroup(ctx, b.itemStream(p), b.workerGroup); err != nil {
			return err
		}
	}
	return b.createGroup(ctx, resultStream, b.reconcilerGroup)
}

func (b *Broker) createGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// PublishItem appends one work item message to its job's partition.
func (b *Broker) PublishItem(ctx context.Context, msg models.ItemMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal item message: %w", err)
	}
	stream := b.itemStream(b.partitionFor(msg.JobID))
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// ReceiveItems blocks briefly for new work item messages across all
// partitions. A nil, nil return means the block timed out with nothing to do.
func (b *Broker) ReceiveItems(ctx context.Context, consumer string, count int) ([]ItemDelivery, error) {
	streams := make([]string, 0, b.partitions*2)
	for p := 0; p < b.partitions; p++ {
		streams = append(streams, b.itemStream(p))
	}
	for p := 0; p < b.partitions; p++ {
		streams = append(streams, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.workerGroup,
		Consumer: consumer,
		Streams:  streams,
		Count:    int64(count),
		Block:    b.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup items: %w", err)
	}
	return b.decodeItemStreams(ctx, res)
}

// ReclaimItems takes over work item deliveries whose consumer has been idle
// past the visibility timeout, re-serving messages abandoned by a crashed
// worker.
func (b *Broker) ReclaimItems(ctx context.Context, consumer string, count int) ([]ItemDelivery, error) {
	var out []ItemDelivery
	for p := 0; p < b.partitions; p++ {
		stream := b.itemStream(p)
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    b.workerGroup,
			Consumer: consumer,
			MinIdle:  b.visibility,
			Start:    "0-0",
			Count:    int64(count),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("xautoclaim %s: %w", stream, err)
		}
		for _, m := range msgs {
			d, ok := b.decodeItem(ctx, stream, m)
			if ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// AckItem acknowledges a work item delivery.
func (b *Broker) AckItem(ctx context.Context, d ItemDelivery) error {
	return b.client.XAck(ctx, d.Stream, b.workerGroup, d.ID).Err()
}

// PublishResult appends a result message for the reconciler.
func (b *Broker) PublishResult(ctx context.Context, res models.ResultMessage) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result message: %w", err)
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: resultStream,
		Values: map[string]any{payloadField: string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", resultStream, err)
	}
	return nil
}

// ReceiveResults blocks briefly for result messages.
func (b *Broker) ReceiveResults(ctx context.Context, consumer string, count int) ([]ResultDelivery, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.reconcilerGroup,
		Consumer: consumer,
		Streams:  []string{resultStream, ">"},
		Count:    int64(count),
		Block:    b.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup results: %w", err)
	}

	var out []ResultDelivery
	for _, stream := range res {
		for _, m := range stream.Messages {
			var msg models.ResultMessage
			if !b.decodePayload(ctx, stream.Stream, m, &msg) {
				continue
			}
			out = append(out, ResultDelivery{Stream: stream.Stream, ID: m.ID, Msg: msg})
		}
	}
	return out, nil
}

// ReclaimResults re-serves result deliveries abandoned past the visibility
// timeout.
func (b *Broker) ReclaimResults(ctx context.Context, consumer string, count int) ([]ResultDelivery, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   resultStream,
		Group:    b.reconcilerGroup,
		Consumer: consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", resultStream, err)
	}

	var out []ResultDelivery
	for _, m := range msgs {
		var msg models.ResultMessage
		if !b.decodePayload(ctx, resultStream, m, &msg) {
			continue
		}
		out = append(out, ResultDelivery{Stream: resultStream, ID: m.ID, Msg: msg})
	}
	return out, nil
}

// AckResult acknowledges a result delivery.
func (b *Broker) AckResult(ctx context.Context, d ResultDelivery) error {
	return b.client.XAck(ctx, d.Stream, b.reconcilerGroup, d.ID).Err()
}

// PendingDepth sums the length of all work item partitions, for the stream
// lag gauge.
func (b *Broker) PendingDepth(ctx context.Context) (int64, error) {
	var total int64
	for p := 0; p < b.partitions; p++ {
		n, err := b.client.XLen(ctx, b.itemStream(p)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (b *Broker) decodeItemStreams(ctx context.Context, res []redis.XStream) ([]ItemDelivery, error) {
	var out []ItemDelivery
	for _, stream := range res {
		for _, m := range stream.Messages {
			d, ok := b.decodeItem(ctx, stream.Stream, m)
			if ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (b *Broker) decodeItem(ctx context.Context, stream string, m redis.XMessage) (ItemDelivery, bool) {
	var msg models.ItemMessage
	if !b.decodePayload(ctx, stream, m, &msg) {
		return ItemDelivery{}, false
	}
	return ItemDelivery{Stream: stream, ID: m.ID, Msg: msg}, true
}

// decodePayload parses a message body. Malformed messages are poison: they go
// to the dead-letter stream and are acked so they never block the group.
func (b *Broker) decodePayload(ctx context.Context, stream string, m redis.XMessage, into any) bool {
	raw, _ := m.Values[payloadField].(string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), into); err == nil {
			return true
		}
	}
	_ = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]any{"source": stream, "id": m.ID, payloadField: raw},
	}).Err()
	group := b.workerGroup
	if stream == resultStream {
		group = b.reconcilerGroup
	}
	_ = b.client.XAck(ctx, stream, group, m.ID).Err()
	return false
}

// DLQPeek reads the newest dead-lettered messages for inspection.
func (b *Broker) DLQPeek(ctx context.Context, count int64) ([]map[string]any, error) {
	msgs, err := b.client.XRevRangeN(ctx, dlqStream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{"id": m.ID}
		for k, v := range m.Values {
			entry[k] = v
		}
		out = append(out, entry)
	}
	return out, nil
}
