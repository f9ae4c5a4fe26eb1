package kafka

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
)

func TestEncodeMessagesKeysByPartition(t *testing.T) {
	events := []domain.ChangeEvent{
		{ID: 1, Kind: domain.RecordBet, Op: domain.ChangeInsert, Key: "b1", New: json.RawMessage(`{}`)},
		{ID: 2, Kind: domain.RecordMarket, Op: domain.ChangeModify, Key: "0xabc", New: json.RawMessage(`{}`)},
	}

	msgs, err := encodeMessages(events)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "bet:b1", string(msgs[0].Key))
	assert.Equal(t, "market:0xabc", string(msgs[1].Key))

	var decoded domain.ChangeEvent
	require.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, int64(2), decoded.ID)
	assert.Equal(t, domain.ChangeModify, decoded.Op)

	require.Len(t, msgs[0].Headers, 2)
	assert.Equal(t, "kind", msgs[0].Headers[0].Key)
	assert.Equal(t, "bet", string(msgs[0].Headers[0].Value))
}

func TestEncodeMessagesEmpty(t *testing.T) {
	msgs, err := encodeMessages(nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
