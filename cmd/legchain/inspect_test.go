package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/legchain/internal/domain"
)

func TestRenderPosition(t *testing.T) {
	pos := domain.Position{
		ID:                  "pos-1",
		ChainID:             "chain-1",
		UserID:              "user-1",
		InitialStake:        10_000_000,
		CurrentValue:        25_000_000,
		WonLegs:             2,
		Status:              domain.PositionStatusWon,
		FeeAmount:           300_000,
		FeeCollectionFailed: true,
		FeeFailureReason:    "allowance",
	}
	bets := []domain.Bet{
		{Sequence: 1, ConditionID: "0xabcdef0123456789", Side: domain.SideYes, Status: domain.BetStatusSettled, Outcome: domain.BetOutcomeWon, ActualStake: 10_000_000},
		{Sequence: 2, ConditionID: "0x02", Side: domain.SideNo, Status: domain.BetStatusSettled, Outcome: domain.BetOutcomeWon},
	}

	var buf bytes.Buffer
	renderPosition(&buf, pos, bets)
	out := buf.String()

	assert.Contains(t, out, "position pos-1")
	assert.Contains(t, out, "legs 2/2 won")
	assert.Contains(t, out, "FAILED allowance")
	assert.Contains(t, out, "0xabcdef0123…")
	assert.Contains(t, out, "SETTLED")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 5))
	assert.Equal(t, "ab…", shorten("abcd", 2))
}
