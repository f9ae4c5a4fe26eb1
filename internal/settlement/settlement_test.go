package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

func m(s string) int64 { return money.MustParse(s) }

func TestWinningLegPromotesNext(t *testing.T) {
	h := newHarness()
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.50"))
	h.drain(t)

	b1 := h.store.bet(bets[0].ID)
	require.Equal(t, domain.BetStatusFilled, b1.Status)
	assert.Equal(t, m("250"), b1.Shares)
	assert.Equal(t, m("100"), b1.ActualStake)
	assert.Equal(t, m("1"), b1.FillPct)
	assert.Equal(t, int64(0), b1.PriceImpact)
	assert.Equal(t, m("250"), b1.PotentialPayout)
	assert.Equal(t, domain.PositionStatusActive, h.store.position(pos.ID).Status)

	require.Len(t, h.exchange.placed, 1)
	assert.Equal(t, domain.OrderRequest{
		TokenID:      "tok-1",
		Side:         domain.OrderSideBuy,
		PriceCeiling: m("0.41"),
		Amount:       m("100"),
		Type:         domain.OrderTypeFAK,
	}, h.exchange.placed[0])

	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

	b1 = h.store.bet(bets[0].ID)
	assert.Equal(t, domain.BetStatusSettled, b1.Status)
	assert.Equal(t, domain.BetOutcomeWon, b1.Outcome)
	assert.Equal(t, m("250"), b1.ActualPayout)

	b2 := h.store.bet(bets[1].ID)
	assert.Equal(t, domain.BetStatusReady, b2.Status)
	assert.Equal(t, m("250"), b2.RequestedStake)

	p := h.store.position(pos.ID)
	assert.Equal(t, domain.PositionStatusActive, p.Status)
	assert.Equal(t, 2, p.CurrentLegSequence)
	assert.Equal(t, 1, p.CompletedLegs)
	assert.Equal(t, 1, p.WonLegs)
	assert.Equal(t, 0, p.SkippedLegs)
	assert.Equal(t, m("250"), p.CurrentValue)

	// The promoted leg executes with the winnings and the chain completes.
	h.drain(t)
	assert.Equal(t, m("625"), h.store.bet(bets[1].ID).Shares)

	h.resolve(t, "cond-2", domain.MarketStatusResolved, domain.OutcomeYes)
	h.drain(t)

	p = h.store.position(pos.ID)
	assert.Equal(t, domain.PositionStatusWon, p.Status)
	assert.Equal(t, m("625"), p.CurrentValue)
	assert.Equal(t, 2, p.CompletedLegs)
	assert.Equal(t, 2, p.WonLegs)
	assert.Equal(t, m("10.5"), p.FeeAmount)
	assert.True(t, p.FeeCollected)
	assert.Equal(t, []int64{m("10.5")}, h.fees.calls)
	assert.Equal(t, domain.ChainStatusWon, h.store.chain(pos.ChainID).Status)
	h.assertTotals(t)
}

func TestClosedLegIsSkipped(t *testing.T) {
	t.Run("advances past the closed leg", func(t *testing.T) {
		h := newHarness()
		pos, bets := h.open(t, "bob", "100", yes("0.40"), yes("0.40"), yes("0.40"))
		h.drain(t)
		h.markets.close("cond-2")

		h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

		b2 := h.store.bet(bets[1].ID)
		assert.Equal(t, domain.BetStatusMarketClosed, b2.Status)
		b3 := h.store.bet(bets[2].ID)
		assert.Equal(t, domain.BetStatusReady, b3.Status)
		assert.Equal(t, m("250"), b3.RequestedStake)

		p := h.store.position(pos.ID)
		assert.Equal(t, 1, p.SkippedLegs)
		assert.Equal(t, 3, p.CurrentLegSequence)
		assert.Equal(t, 1, p.CompletedLegs)
		assert.Equal(t, domain.PositionStatusActive, p.Status)
		assert.Equal(t, 1, h.observer.skipped)
	})

	t.Run("fails when no leg remains", func(t *testing.T) {
		h := newHarness()
		pos, bets := h.open(t, "bob", "100", yes("0.40"), yes("0.40"))
		h.drain(t)
		h.markets.close("cond-2")

		h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

		assert.Equal(t, domain.BetStatusMarketClosed, h.store.bet(bets[1].ID).Status)
		p := h.store.position(pos.ID)
		assert.Equal(t, domain.PositionStatusFailed, p.Status)
		assert.Equal(t, "no eligible leg remaining", p.FailureReason)
		assert.Equal(t, 1, p.SkippedLegs)
		assert.Equal(t, m("250"), p.CurrentValue)

		h.drain(t)
		assert.Equal(t, int64(0), h.store.chain(pos.ChainID).TotalValue)
		h.assertTotals(t)
	})
}

func TestVoidMarketFailsPositions(t *testing.T) {
	h := newHarness()
	alice, aliceBets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
	bob, bobBets := h.open(t, "bob", "100", yes("0.40"), yes("0.40"))
	require.Equal(t, alice.ChainID, bob.ChainID)

	h.drain(t)
	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)
	h.drain(t)

	placed := h.store.bet(bobBets[1].ID)
	placed.Status = domain.BetStatusPlaced
	placed.Shares = 0
	placed.OrderID = "order-x"
	h.store.setBet(placed)

	h.resolve(t, "cond-2", domain.MarketStatusCancelled, domain.OutcomeNone)

	for _, id := range []string{aliceBets[1].ID, bobBets[1].ID} {
		assert.Equal(t, domain.BetStatusVoided, h.store.bet(id).Status, id)
	}
	assert.Contains(t, h.exchange.cancelled, "order-x")

	for _, id := range []string{alice.ID, bob.ID} {
		p := h.store.position(id)
		assert.Equal(t, domain.PositionStatusFailed, p.Status, id)
		assert.Equal(t, m("250"), p.CurrentValue, id)
		assert.Equal(t, 1, p.CompletedLegs, id)
		assert.Equal(t, "leg 2 VOIDED: market voided", p.FailureReason)
	}

	h.drain(t)
	assert.Equal(t, int64(0), h.store.chain(alice.ChainID).TotalValue)
	h.assertTotals(t)
}

// arrangeLastLeg puts a 2-leg position on its final leg with a FILLED bet
// holding shares.
func arrangeLastLeg(t *testing.T, h *harness, user, shares string) (domain.Position, []domain.Bet) {
	t.Helper()
	pos, bets := h.open(t, user, "100", yes("0.50"), yes("0.75"))
	for {
		if _, ok := h.store.pop(); !ok {
			break
		}
	}

	now := h.now
	b1 := bets[0]
	b1.Status = domain.BetStatusSettled
	b1.Outcome = domain.BetOutcomeWon
	b1.Shares = m("200")
	b1.ActualPayout = m("200")
	h.store.setBet(b1)

	b2 := bets[1]
	b2.Status = domain.BetStatusFilled
	b2.RequestedStake = m("150")
	b2.Shares = m(shares)
	b2.FilledAt = &now
	h.store.setBet(b2)

	pos.Status = domain.PositionStatusActive
	pos.CurrentLegSequence = 2
	pos.CompletedLegs = 1
	pos.WonLegs = 1
	pos.CurrentValue = m("150")
	h.store.setPosition(pos)
	return pos, bets
}

func TestFinalLegWinCollectsFee(t *testing.T) {
	t.Run("collected", func(t *testing.T) {
		h := newHarness()
		pos, _ := arrangeLastLeg(t, h, "carol", "200")

		h.resolve(t, "cond-2", domain.MarketStatusResolved, domain.OutcomeYes)

		p := h.store.position(pos.ID)
		assert.Equal(t, domain.PositionStatusWon, p.Status)
		assert.Equal(t, m("200"), p.CurrentValue)
		assert.Equal(t, 2, p.CompletedLegs)
		assert.Equal(t, 2, p.WonLegs)
		assert.Equal(t, m("2"), p.FeeAmount)
		assert.True(t, p.FeeCollected)
		assert.False(t, p.FeeCollectionFailed)
		assert.Equal(t, "0xfee", p.FeeTxHash)
		assert.NotNil(t, p.TerminatedAt)
		assert.Equal(t, []int64{m("2")}, h.fees.calls)
		assert.Equal(t, domain.ChainStatusWon, h.store.chain(pos.ChainID).Status)

		// Redelivery does not collect twice.
		h.resolve(t, "cond-2", domain.MarketStatusResolved, domain.OutcomeYes)
		assert.Len(t, h.fees.calls, 1)
	})

	t.Run("collector failure keeps the win", func(t *testing.T) {
		h := newHarness()
		h.fees.err = errors.New("permit reverted")
		pos, _ := arrangeLastLeg(t, h, "carol", "200")

		h.resolve(t, "cond-2", domain.MarketStatusResolved, domain.OutcomeYes)
		h.drain(t)

		p := h.store.position(pos.ID)
		assert.Equal(t, domain.PositionStatusWon, p.Status)
		assert.True(t, p.FeeCollectionFailed)
		assert.False(t, p.FeeCollected)
		assert.Contains(t, p.FeeFailureReason, "permit reverted")
		assert.Equal(t, m("200"), p.CurrentValue)
		assert.Contains(t, h.alerts.events, AlertFeeFailed)
		assert.Equal(t, 1, h.observer.finished[domain.PositionStatusWon])
		h.assertTotals(t)
	})

	t.Run("no fee below dust", func(t *testing.T) {
		h := newHarness()
		pos, _ := arrangeLastLeg(t, h, "carol", "100.4")

		h.resolve(t, "cond-2", domain.MarketStatusResolved, domain.OutcomeYes)

		p := h.store.position(pos.ID)
		assert.Equal(t, domain.PositionStatusWon, p.Status)
		assert.Equal(t, int64(0), p.FeeAmount)
		assert.Empty(t, h.fees.calls)
	})
}

func TestOwnerCancelVoidsQueuedLegs(t *testing.T) {
	h := newHarness()
	dave, bets := h.open(t, "dave", "100", yes("0.40"), yes("0.40"), yes("0.40"))
	h.open(t, "erin", "50", yes("0.40"), yes("0.40"), yes("0.40"))
	h.drain(t)
	require.Equal(t, m("150"), h.store.chain(dave.ChainID).TotalValue)

	p := h.store.position(dave.ID)
	expect := p.Status
	require.NoError(t, p.Transition(domain.PositionStatusCancelled, h.now))
	require.NoError(t, memPositions{h.store}.Update(context.Background(), p, expect))
	h.drain(t)

	assert.Equal(t, domain.BetStatusFilled, h.store.bet(bets[0].ID).Status)
	assert.Equal(t, domain.BetStatusVoided, h.store.bet(bets[1].ID).Status)
	assert.Equal(t, domain.BetStatusVoided, h.store.bet(bets[2].ID).Status)
	assert.Equal(t, m("50"), h.store.chain(dave.ChainID).TotalValue)

	// Redelivered termination releases nothing further.
	require.NoError(t, h.terminator().Handle(context.Background(), h.store.position(dave.ID)))
	assert.Equal(t, m("50"), h.store.chain(dave.ChainID).TotalValue)
	h.assertTotals(t)
}

func TestExecutorPlacesOncePerReadyTransition(t *testing.T) {
	h := newHarness()
	_, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
	ready := h.store.bet(bets[0].ID)
	require.True(t, BetBecameReady(nil, &ready))

	exec := h.executor()
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, exec.Handle(context.Background(), ready))
		}()
	}
	wg.Wait()
	require.NoError(t, exec.Handle(context.Background(), ready))

	assert.Equal(t, 1, h.exchange.placeCount())
	assert.Equal(t, domain.BetStatusFilled, h.store.bet(bets[0].ID).Status)
}

func TestExecutorFailures(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(h *harness)
		want    domain.BetStatus
		orders  int
	}{
		{
			name:    "missing credentials",
			arrange: func(h *harness) { h.creds.err = fmt.Errorf("%w: wallet", domain.ErrNoCredentials) },
			want:    domain.BetStatusNoCredentials,
		},
		{
			name:    "market closed",
			arrange: func(h *harness) { h.markets.close("cond-1") },
			want:    domain.BetStatusMarketClosed,
		},
		{
			name:    "market closing soon",
			arrange: func(h *harness) { h.markets.ends["cond-1"] = h.now.Add(time.Hour) },
			want:    domain.BetStatusMarketClosingSoon,
		},
		{
			name:    "market info unreachable",
			arrange: func(h *harness) { h.markets.err = context.DeadlineExceeded },
			want:    domain.BetStatusExecutionError,
		},
		{
			name:    "no liquidity",
			arrange: func(h *harness) { h.exchange.placeErr = fmt.Errorf("clob: %w", domain.ErrInsufficientLiquidity) },
			want:    domain.BetStatusInsufficientLiquidity,
		},
		{
			name:    "rejected",
			arrange: func(h *harness) { h.exchange.placeErr = fmt.Errorf("clob: %w", domain.ErrOrderRejected) },
			want:    domain.BetStatusOrderRejected,
		},
		{
			name: "zero fill",
			arrange: func(h *harness) {
				h.exchange.fills = []domain.OrderFill{{State: domain.OrderStateCancelled}}
			},
			want:   domain.BetStatusUnfilled,
			orders: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.arrange(h)
			pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
			h.drain(t)

			b := h.store.bet(bets[0].ID)
			assert.Equal(t, tt.want, b.Status)
			assert.NotEmpty(t, b.FailureReason)
			assert.Equal(t, tt.orders, h.exchange.placeCount())

			p := h.store.position(pos.ID)
			assert.Equal(t, domain.PositionStatusFailed, p.Status)
			assert.Contains(t, p.FailureReason, "leg 1 "+string(tt.want))
			assert.Equal(t, domain.BetStatusVoided, h.store.bet(bets[1].ID).Status)
			h.assertTotals(t)
		})
	}
}

func TestExecutorUnconfirmedFillStaysPlaced(t *testing.T) {
	h := newHarness()
	h.exchange.fills = []domain.OrderFill{{State: domain.OrderStateLive}}
	pos, bets := h.open(t, "alice", "100", yes("0.40"))
	h.drain(t)

	b := h.store.bet(bets[0].ID)
	assert.Equal(t, domain.BetStatusPlaced, b.Status)
	assert.Equal(t, "order-1", b.OrderID)
	assert.Equal(t, h.cfg.FillPollAttempts, h.exchange.gets)
	assert.Equal(t, domain.PositionStatusPending, h.store.position(pos.ID).Status)
}

func TestExecutorRecordsPartialFill(t *testing.T) {
	h := newHarness()
	h.exchange.fills = []domain.OrderFill{
		{State: domain.OrderStateLive},
		{State: domain.OrderStateCancelled, FilledShares: m("120"), FillPrice: m("0.41")},
	}
	_, bets := h.open(t, "alice", "100", yes("0.40"))
	h.drain(t)

	b := h.store.bet(bets[0].ID)
	require.Equal(t, domain.BetStatusFilled, b.Status)
	assert.Equal(t, m("120"), b.Shares)
	assert.Equal(t, m("0.41"), b.FillPrice)
	assert.Equal(t, m("49.2"), b.ActualStake)
	assert.Equal(t, m("0.492"), b.FillPct)
	assert.Equal(t, m("0.025"), b.PriceImpact)
	assert.Equal(t, 2, h.exchange.gets)
}

func TestExecutorCancelsWhenPositionAlreadyTerminal(t *testing.T) {
	h := newHarness()
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
	p := h.store.position(pos.ID)
	p.Status = domain.PositionStatusCancelled
	h.store.setPosition(p)

	require.NoError(t, h.executor().Handle(context.Background(), h.store.bet(bets[0].ID)))

	assert.Equal(t, domain.BetStatusCancelled, h.store.bet(bets[0].ID).Status)
	assert.Zero(t, h.exchange.placeCount())
}

func TestExecutorReturnsClaimErrors(t *testing.T) {
	h := newHarness()
	_, bets := h.open(t, "alice", "100", yes("0.40"))
	h.store.failBetUpdate = errors.New("connection reset")

	err := h.executor().Handle(context.Background(), h.store.bet(bets[0].ID))
	require.Error(t, err)
	assert.Zero(t, h.exchange.placeCount())
}

func TestResolverLosingLeg(t *testing.T) {
	h := newHarness()
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
	h.drain(t)

	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeNo)

	b := h.store.bet(bets[0].ID)
	assert.Equal(t, domain.BetStatusSettled, b.Status)
	assert.Equal(t, domain.BetOutcomeLost, b.Outcome)
	assert.Zero(t, b.ActualPayout)

	p := h.store.position(pos.ID)
	assert.Equal(t, domain.PositionStatusLost, p.Status)
	assert.Equal(t, 1, p.CompletedLegs)
	assert.Zero(t, p.CurrentValue)
	assert.Equal(t, domain.ChainStatusLost, h.store.chain(pos.ChainID).Status)

	h.drain(t)
	assert.Equal(t, domain.BetStatusVoided, h.store.bet(bets[1].ID).Status)
	assert.Equal(t, m("100"), h.store.chain(pos.ChainID).TotalValue)
	h.assertTotals(t)
}

func TestResolverPlacedBets(t *testing.T) {
	tests := []struct {
		name     string
		repoll   []domain.OrderFill
		getErr   error
		want     domain.BetStatus
		wantNext domain.BetStatus
		wantPos  domain.PositionStatus
	}{
		{
			name:     "fill confirmed",
			repoll:   []domain.OrderFill{{State: domain.OrderStateMatched, FilledShares: m("250"), FillPrice: m("0.40")}},
			want:     domain.BetStatusSettled,
			wantNext: domain.BetStatusReady,
			wantPos:  domain.PositionStatusActive,
		},
		{
			name:     "definitively unfilled",
			repoll:   []domain.OrderFill{{State: domain.OrderStateCancelled}},
			want:     domain.BetStatusUnfilled,
			wantNext: domain.BetStatusQueued,
			wantPos:  domain.PositionStatusFailed,
		},
		{
			name:     "still unconfirmed",
			repoll:   []domain.OrderFill{{State: domain.OrderStateLive}},
			want:     domain.BetStatusExecutionError,
			wantNext: domain.BetStatusQueued,
			wantPos:  domain.PositionStatusFailed,
		},
		{
			name:     "exchange unreachable",
			getErr:   errors.New("dial tcp: i/o timeout"),
			want:     domain.BetStatusExecutionError,
			wantNext: domain.BetStatusQueued,
			wantPos:  domain.PositionStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.exchange.fills = []domain.OrderFill{{State: domain.OrderStateLive}}
			pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
			h.drain(t)
			require.Equal(t, domain.BetStatusPlaced, h.store.bet(bets[0].ID).Status)

			h.exchange.fills = tt.repoll
			h.exchange.getErr = tt.getErr
			h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

			assert.Equal(t, tt.want, h.store.bet(bets[0].ID).Status)
			assert.Equal(t, tt.wantNext, h.store.bet(bets[1].ID).Status)
			assert.Equal(t, tt.wantPos, h.store.position(pos.ID).Status)
		})
	}
}

func TestResolverIsReentrant(t *testing.T) {
	h := newHarness()
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"), yes("0.40"))
	h.drain(t)
	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

	// Redelivery changes nothing.
	before := h.store.position(pos.ID)
	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)
	assert.Equal(t, before, h.store.position(pos.ID))
	assert.Equal(t, domain.BetStatusReady, h.store.bet(bets[1].ID).Status)

	// An advance interrupted before the next leg was promoted is finished.
	b2 := h.store.bet(bets[1].ID)
	b2.Status = domain.BetStatusQueued
	b2.RequestedStake = 0
	h.store.setBet(b2)

	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)
	b2 = h.store.bet(bets[1].ID)
	assert.Equal(t, domain.BetStatusReady, b2.Status)
	assert.Equal(t, m("250"), b2.RequestedStake)
	assert.Equal(t, 1, h.store.position(pos.ID).WonLegs)
	h.assertSingleActive(t)
}

func TestResolverPayoutMismatchDoesNotBlock(t *testing.T) {
	h := newHarness()
	h.cfg.VerifyPayouts = true
	h.transfers = fakeTransfers{observed: m("10")}
	_, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
	h.drain(t)

	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

	b := h.store.bet(bets[0].ID)
	assert.Equal(t, domain.BetStatusSettled, b.Status)
	assert.False(t, b.PayoutVerified)
	assert.Equal(t, 1, h.observer.mismatches)
	assert.Contains(t, h.alerts.events, AlertPayoutMismatch)
	assert.Equal(t, domain.BetStatusReady, h.store.bet(bets[1].ID).Status)
}

func TestResolverLeavesExecutingBetAndAlerts(t *testing.T) {
	h := newHarness()
	_, bets := h.open(t, "alice", "100", yes("0.40"))
	b := h.store.bet(bets[0].ID)
	b.Status = domain.BetStatusExecuting
	h.store.setBet(b)

	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

	assert.Equal(t, domain.BetStatusExecuting, h.store.bet(bets[0].ID).Status)
	assert.Contains(t, h.alerts.events, AlertStuckBet)
}

func TestMarketResolvedWhileOrderInFlight(t *testing.T) {
	h := newHarness().withSnapshots()
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.50"))
	h.discard()

	d := h.deps()
	d.Exchange = &hookExchange{fakeExchange: h.exchange, onPlace: func() {
		require.Equal(t, domain.BetStatusExecuting, h.store.bet(bets[0].ID).Status)
		h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)
	}}
	require.NoError(t, NewExecutor(h.cfg, d).Handle(context.Background(), bets[0]))
	h.drain(t)

	b1 := h.store.bet(bets[0].ID)
	assert.Equal(t, domain.BetStatusSettled, b1.Status)
	assert.Equal(t, domain.BetOutcomeWon, b1.Outcome)
	p := h.store.position(pos.ID)
	assert.Equal(t, 1, p.WonLegs)
	assert.Equal(t, 2, p.CurrentLegSequence)
	assert.Equal(t, domain.BetStatusFilled, h.store.bet(bets[1].ID).Status)
	assert.NotContains(t, h.alerts.events, AlertStuckBet)
}

func TestResolverDefersExecutingBetToExecutor(t *testing.T) {
	h := newHarness().withSnapshots()
	_, bets := h.open(t, "alice", "100", yes("0.40"))
	b := h.store.bet(bets[0].ID)
	b.Status = domain.BetStatusExecuting
	h.store.setBet(b)

	h.resolve(t, "cond-1", domain.MarketStatusResolved, domain.OutcomeYes)

	assert.Equal(t, domain.BetStatusExecuting, h.store.bet(bets[0].ID).Status)
	assert.Empty(t, h.alerts.events)
}

func TestOrderFilledAfterPositionCancelledIsRecorded(t *testing.T) {
	h := newHarness()
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.50"))
	h.discard()
	ctx := context.Background()

	d := h.deps()
	d.Exchange = &hookExchange{fakeExchange: h.exchange, onPlace: func() {
		p := h.store.position(pos.ID)
		require.NoError(t, p.Transition(domain.PositionStatusCancelled, h.now))
		h.store.setPosition(p)
		require.NoError(t, h.terminator().Handle(ctx, p))
		require.Equal(t, domain.BetStatusCancelled, h.store.bet(bets[0].ID).Status)
	}}
	require.NoError(t, NewExecutor(h.cfg, d).Handle(ctx, bets[0]))

	b1 := h.store.bet(bets[0].ID)
	assert.Equal(t, domain.BetStatusCancelled, b1.Status)
	assert.Equal(t, "order-1", b1.OrderID)
	assert.Equal(t, m("250"), b1.Shares)
	assert.Equal(t, m("100"), b1.ActualStake)
	assert.Equal(t, domain.BetStatusVoided, h.store.bet(bets[1].ID).Status)
	assert.Empty(t, h.exchange.cancelled)
	assert.Contains(t, h.alerts.events, AlertUnrecorded)
}

func TestResolverIgnoresNonTerminalMarket(t *testing.T) {
	h := newHarness()
	_, bets := h.open(t, "alice", "100", yes("0.40"))
	h.drain(t)

	err := h.resolver().Handle(context.Background(), domain.Market{ConditionID: "cond-1", Status: domain.MarketStatusClosed})
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusFilled, h.store.bet(bets[0].ID).Status)
}

func TestTerminatorCancelsLiveOrders(t *testing.T) {
	h := newHarness()
	h.exchange.fills = []domain.OrderFill{{State: domain.OrderStateLive}}
	pos, bets := h.open(t, "alice", "100", yes("0.40"), yes("0.40"))
	h.drain(t)
	require.Equal(t, domain.BetStatusPlaced, h.store.bet(bets[0].ID).Status)

	p := h.store.position(pos.ID)
	require.NoError(t, p.Fail("operator", h.now))
	h.store.setPosition(p)

	require.NoError(t, h.terminator().Handle(context.Background(), p))

	assert.Equal(t, domain.BetStatusCancelled, h.store.bet(bets[0].ID).Status)
	assert.Equal(t, domain.BetStatusVoided, h.store.bet(bets[1].ID).Status)
	assert.Equal(t, []string{"order-1"}, h.exchange.cancelled)
	assert.Zero(t, h.store.chain(pos.ChainID).TotalValue)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want domain.BetStatus
	}{
		{fmt.Errorf("x: %w", domain.ErrNoCredentials), domain.BetStatusNoCredentials},
		{fmt.Errorf("x: %w", domain.ErrUnauthorized), domain.BetStatusNoCredentials},
		{fmt.Errorf("x: %w", domain.ErrSigningFailed), domain.BetStatusNoCredentials},
		{fmt.Errorf("x: %w", domain.ErrInsufficientLiquidity), domain.BetStatusInsufficientLiquidity},
		{fmt.Errorf("x: %w", domain.ErrMarketClosed), domain.BetStatusMarketClosed},
		{fmt.Errorf("x: %w", domain.ErrMarketClosingSoon), domain.BetStatusMarketClosingSoon},
		{fmt.Errorf("x: %w", domain.ErrOrderRejected), domain.BetStatusOrderRejected},
		{fmt.Errorf("x: %w", domain.ErrRateLimited), domain.BetStatusExecutionError},
		{context.DeadlineExceeded, domain.BetStatusExecutionError},
		{&timeoutErr{}, domain.BetStatusExecutionError},
		{errors.New("boom"), domain.BetStatusUnknownFailure},
		{nil, domain.BetStatusUnknownFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name   string
		payout string
		stake  string
		legs   int
		want   string
	}{
		{"two legs", "200", "100", 2, "2"},
		{"single leg", "200", "100", 1, "0"},
		{"no profit", "100", "100", 3, "0"},
		{"loss", "50", "100", 3, "0"},
		{"below dust", "100.4", "100", 2, "0"},
		{"at dust", "100.5", "100", 2, "0.01"},
		{"floors", "100.777777", "100", 2, "0.015555"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeFee(m(tt.payout), m(tt.stake), tt.legs, 200, m("0.01"))
			assert.Equal(t, m(tt.want), got)
		})
	}
}

func TestPriceCeiling(t *testing.T) {
	assert.Equal(t, m("0.41"), PriceCeiling(m("0.40"), 250, m("0.99")))
	assert.Equal(t, m("0.99"), PriceCeiling(m("0.98"), 250, m("0.99")))
	assert.Equal(t, m("0.5125"), PriceCeiling(m("0.50"), 250, m("0.99")))
}

func TestTriggers(t *testing.T) {
	bet := func(s domain.BetStatus) *domain.Bet { return &domain.Bet{Status: s} }
	pos := func(s domain.PositionStatus) *domain.Position { return &domain.Position{Status: s} }
	mkt := func(s domain.MarketStatus) *domain.Market { return &domain.Market{Status: s} }

	assert.True(t, BetBecameReady(nil, bet(domain.BetStatusReady)))
	assert.True(t, BetBecameReady(bet(domain.BetStatusQueued), bet(domain.BetStatusReady)))
	assert.False(t, BetBecameReady(bet(domain.BetStatusReady), bet(domain.BetStatusReady)))
	assert.False(t, BetBecameReady(bet(domain.BetStatusReady), bet(domain.BetStatusExecuting)))

	assert.True(t, MarketBecameTerminal(mkt(domain.MarketStatusClosed), mkt(domain.MarketStatusResolved)))
	assert.True(t, MarketBecameTerminal(nil, mkt(domain.MarketStatusCancelled)))
	assert.False(t, MarketBecameTerminal(mkt(domain.MarketStatusResolved), mkt(domain.MarketStatusResolved)))
	assert.False(t, MarketBecameTerminal(mkt(domain.MarketStatusActive), mkt(domain.MarketStatusClosed)))

	assert.True(t, PositionBecameTerminated(pos(domain.PositionStatusActive), pos(domain.PositionStatusLost)))
	assert.True(t, PositionBecameTerminated(pos(domain.PositionStatusPending), pos(domain.PositionStatusCancelled)))
	assert.False(t, PositionBecameTerminated(pos(domain.PositionStatusActive), pos(domain.PositionStatusWon)))
	assert.False(t, PositionBecameTerminated(pos(domain.PositionStatusFailed), pos(domain.PositionStatusFailed)))

	assert.True(t, PositionBecameFinal(pos(domain.PositionStatusActive), pos(domain.PositionStatusWon)))
	assert.False(t, PositionBecameFinal(pos(domain.PositionStatusWon), pos(domain.PositionStatusWon)))
	assert.False(t, PositionBecameFinal(pos(domain.PositionStatusActive), pos(domain.PositionStatusActive)))
}
