package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/legchain/internal/domain"
)

const (
	defaultStreamMaxLen int64 = 100000
	eventField                = "event"
	handlerAttempts           = 3
)

// ChangeStreamConfig tunes the sharded change stream.
type ChangeStreamConfig struct {
	Shards      int
	Group       string
	Consumer    string
	BatchSize   int
	Block       time.Duration
	ReclaimIdle time.Duration
	MaxLen      int64
}

func (c *ChangeStreamConfig) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 1
	}
	if c.Group == "" {
		c.Group = "settlement"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 30 * time.Second
	}
	if c.MaxLen <= 0 {
		c.MaxLen = defaultStreamMaxLen
	}
}

// ChangeStream carries record change events over Redis Streams. Events are
// spread across shards by partition key, so all events for one record land
// on one stream and are consumed in order by one worker per shard.
//
// Key schema:
//
//	legchain:changes:{n} - stream, field "event" holds the JSON ChangeEvent
type ChangeStream struct {
	rdb    *redis.Client
	cfg    ChangeStreamConfig
	logger *slog.Logger
}

// NewChangeStream creates a ChangeStream backed by the given Client.
func NewChangeStream(c *Client, cfg ChangeStreamConfig, logger *slog.Logger) *ChangeStream {
	cfg.applyDefaults()
	return &ChangeStream{
		rdb:    c.Underlying(),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "change_stream")),
	}
}

var (
	_ domain.ChangePublisher  = (*ChangeStream)(nil)
	_ domain.ChangeSubscriber = (*ChangeStream)(nil)
)

func streamKey(shard int) string {
	return keyPrefix + "changes:" + strconv.Itoa(shard)
}

// shardFor maps a partition key onto [0, shards).
func shardFor(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// Publish appends events to their shards in one pipeline. Events keep their
// relative order within a shard because the pipeline preserves command
// order.
func (cs *ChangeStream) Publish(ctx context.Context, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := cs.rdb.Pipeline()
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("redis: marshal change %d: %w", evt.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(shardFor(evt.PartitionKey(), cs.cfg.Shards)),
			MaxLen: cs.cfg.MaxLen,
			Approx: true,
			Values: map[string]interface{}{eventField: data},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %d changes: %w", len(events), err)
	}
	return nil
}

// Subscribe consumes every shard until ctx is cancelled. A handler error
// leaves the entry pending; it is reclaimed once idle for ReclaimIdle.
func (cs *ChangeStream) Subscribe(ctx context.Context, handler domain.ChangeHandler) error {
	for shard := 0; shard < cs.cfg.Shards; shard++ {
		if err := cs.ensureGroup(ctx, streamKey(shard)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for shard := 0; shard < cs.cfg.Shards; shard++ {
		stream := streamKey(shard)
		g.Go(func() error {
			return cs.consumeShard(gctx, stream, handler)
		})
	}
	return g.Wait()
}

func (cs *ChangeStream) ensureGroup(ctx context.Context, stream string) error {
	err := cs.rdb.XGroupCreateMkStream(ctx, stream, cs.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s on %s: %w", cs.cfg.Group, stream, err)
	}
	return nil
}

func (cs *ChangeStream) consumeShard(ctx context.Context, stream string, handler domain.ChangeHandler) error {
	log := cs.logger.With(slog.String("stream", stream))
	lastReclaim := time.Time{}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastReclaim) >= cs.cfg.ReclaimIdle/2 {
			lastReclaim = time.Now()
			if err := cs.reclaim(ctx, stream, handler); err != nil && ctx.Err() == nil {
				log.Warn("reclaim pending changes failed", slog.String("error", err.Error()))
			}
		}

		results, err := cs.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cs.cfg.Group,
			Consumer: cs.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(cs.cfg.BatchSize),
			Block:    cs.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error("read change stream failed", slog.String("error", err.Error()))
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				cs.deliver(ctx, stream, msg, handler)
			}
		}
	}
}

// reclaim takes over entries left pending longer than ReclaimIdle, whether
// by a failed handler or a crashed consumer.
func (cs *ChangeStream) reclaim(ctx context.Context, stream string, handler domain.ChangeHandler) error {
	start := "0-0"
	for {
		msgs, next, err := cs.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    cs.cfg.Group,
			Consumer: cs.cfg.Consumer,
			MinIdle:  cs.cfg.ReclaimIdle,
			Start:    start,
			Count:    int64(cs.cfg.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("redis: autoclaim %s: %w", stream, err)
		}
		for _, msg := range msgs {
			cs.deliver(ctx, stream, msg, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// deliver decodes one entry and runs the handler with a short in-place
// retry. Undecodable entries are acknowledged so they cannot block a shard.
func (cs *ChangeStream) deliver(ctx context.Context, stream string, msg redis.XMessage, handler domain.ChangeHandler) {
	evt, err := decodeEntry(msg)
	if err != nil {
		cs.logger.Error("dropping undecodable change",
			slog.String("stream", stream),
			slog.String("entry", msg.ID),
			slog.String("error", err.Error()),
		)
		cs.ack(ctx, stream, msg.ID)
		return
	}

	var herr error
	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		if herr = handler(ctx, evt); herr == nil {
			cs.ack(ctx, stream, msg.ID)
			return
		}
		if ctx.Err() != nil || !sleepCtx(ctx, time.Duration(attempt)*100*time.Millisecond) {
			return
		}
	}
	cs.logger.Warn("change left pending for redelivery",
		slog.String("stream", stream),
		slog.String("entry", msg.ID),
		slog.String("kind", string(evt.Kind)),
		slog.String("key", evt.Key),
		slog.String("error", herr.Error()),
	)
}

func (cs *ChangeStream) ack(ctx context.Context, stream, id string) {
	if err := cs.rdb.XAck(ctx, stream, cs.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		cs.logger.Warn("ack change failed",
			slog.String("stream", stream),
			slog.String("entry", id),
			slog.String("error", err.Error()),
		)
	}
}

func decodeEntry(msg redis.XMessage) (domain.ChangeEvent, error) {
	raw, ok := msg.Values[eventField]
	if !ok {
		return domain.ChangeEvent{}, fmt.Errorf("entry %s has no %q field", msg.ID, eventField)
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return domain.ChangeEvent{}, fmt.Errorf("entry %s: unexpected payload type %T", msg.ID, raw)
	}

	var evt domain.ChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	return evt, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
