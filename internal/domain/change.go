package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordKind identifies which record type a change event describes.
type RecordKind string

const (
	RecordChain    RecordKind = "chain"
	RecordPosition RecordKind = "position"
	RecordBet      RecordKind = "bet"
	RecordMarket   RecordKind = "market"
)

// ChangeOp is the kind of write that produced a change event.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeModify ChangeOp = "MODIFY"
)

// ChangeEvent is one committed write to a record, carrying before and after
// snapshots. Old is empty for inserts. Events for the same Key are delivered
// in commit order; events for different keys are not ordered.
type ChangeEvent struct {
	ID          int64           `json:"id"`
	Kind        RecordKind      `json:"kind"`
	Op          ChangeOp        `json:"op"`
	Key         string          `json:"key"`
	Old         json.RawMessage `json:"old,omitempty"`
	New         json.RawMessage `json:"new"`
	CommittedAt time.Time       `json:"committed_at"`
}

// PartitionKey groups events that must stay ordered relative to each other.
func (e ChangeEvent) PartitionKey() string {
	return string(e.Kind) + ":" + e.Key
}

// DecodeChange unmarshals the before and after snapshots of evt. The returned
// old pointer is nil when the event has no prior snapshot.
func DecodeChange[T any](evt ChangeEvent) (old *T, cur *T, err error) {
	if len(evt.Old) > 0 && string(evt.Old) != "null" {
		old = new(T)
		if err := json.Unmarshal(evt.Old, old); err != nil {
			return nil, nil, fmt.Errorf("decode %s %s old snapshot: %w", evt.Kind, evt.Key, err)
		}
	}
	cur = new(T)
	if err := json.Unmarshal(evt.New, cur); err != nil {
		return nil, nil, fmt.Errorf("decode %s %s new snapshot: %w", evt.Kind, evt.Key, err)
	}
	return old, cur, nil
}
