package redis

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
)

func TestShardForIsStableAndInRange(t *testing.T) {
	const shards = 8
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("bet:%d", i)
		s := shardFor(key, shards)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, shards)
		assert.Equal(t, s, shardFor(key, shards), "same key must map to the same shard")
	}
}

func TestShardForSpreadsKeys(t *testing.T) {
	const shards = 4
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[shardFor(fmt.Sprintf("position:%d", i), shards)] = true
	}
	assert.Len(t, seen, shards)
}

func TestShardForSingleShard(t *testing.T) {
	assert.Equal(t, 0, shardFor("market:0xabc", 1))
	assert.Equal(t, 0, shardFor("market:0xabc", 0))
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "legchain:changes:3", streamKey(3))
	assert.Equal(t, "legchain:creds:user-1", credentialKey("user-1"))
	assert.Equal(t, "legchain:tradability:0xabc", tradabilityKey("0xABC"))
	assert.Equal(t, "legchain:lock:relay", lockKey("relay"))
	assert.Equal(t, "legchain:ratelimit:orders", rateLimitKey("orders"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "ZADD")
}

func TestChangeStreamConfigDefaults(t *testing.T) {
	var cfg ChangeStreamConfig
	cfg.applyDefaults()

	assert.Equal(t, 1, cfg.Shards)
	assert.Equal(t, "settlement", cfg.Group)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Block)
	assert.Equal(t, 30*time.Second, cfg.ReclaimIdle)
	assert.Equal(t, defaultStreamMaxLen, cfg.MaxLen)
}

func TestDecodeEntry(t *testing.T) {
	evt := domain.ChangeEvent{
		ID:   42,
		Kind: domain.RecordBet,
		Op:   domain.ChangeModify,
		Key:  "bet-1",
		Old:  json.RawMessage(`{"status":"QUEUED"}`),
		New:  json.RawMessage(`{"status":"READY"}`),
	}
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	t.Run("string payload", func(t *testing.T) {
		got, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{eventField: string(data)}})
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.ID)
		assert.Equal(t, "bet:bet-1", got.PartitionKey())
		assert.JSONEq(t, `{"status":"READY"}`, string(got.New))
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := decodeEntry(redis.XMessage{ID: "1-1", Values: map[string]interface{}{}})
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := decodeEntry(redis.XMessage{ID: "1-2", Values: map[string]interface{}{eventField: "{"}})
		assert.Error(t, err)
	})
}
