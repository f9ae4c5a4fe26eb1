package domain

import (
	"fmt"
	"time"
)

// BetStatus is the lifecycle status of one leg of a Position. The failure
// statuses double as the execution error taxonomy.
type BetStatus string

const (
	BetStatusQueued    BetStatus = "QUEUED"
	BetStatusReady     BetStatus = "READY"
	BetStatusExecuting BetStatus = "EXECUTING"
	BetStatusPlaced    BetStatus = "PLACED"
	BetStatusFilled    BetStatus = "FILLED"
	BetStatusSettled   BetStatus = "SETTLED"

	BetStatusNoCredentials         BetStatus = "NO_CREDENTIALS"
	BetStatusInsufficientLiquidity BetStatus = "INSUFFICIENT_LIQUIDITY"
	BetStatusMarketClosed          BetStatus = "MARKET_CLOSED"
	BetStatusMarketClosingSoon     BetStatus = "MARKET_CLOSING_SOON"
	BetStatusOrderRejected         BetStatus = "ORDER_REJECTED"
	BetStatusExecutionError        BetStatus = "EXECUTION_ERROR"
	BetStatusUnfilled              BetStatus = "UNFILLED"
	BetStatusVoided                BetStatus = "VOIDED"
	BetStatusUnknownFailure        BetStatus = "UNKNOWN_FAILURE"
	BetStatusCancelled             BetStatus = "CANCELLED"
)

// executionFailures are the statuses an in-flight bet can be failed into.
var executionFailures = []BetStatus{
	BetStatusNoCredentials,
	BetStatusInsufficientLiquidity,
	BetStatusMarketClosed,
	BetStatusMarketClosingSoon,
	BetStatusOrderRejected,
	BetStatusExecutionError,
	BetStatusUnknownFailure,
}

var betTransitions = map[BetStatus][]BetStatus{
	BetStatusQueued: {
		BetStatusReady, BetStatusMarketClosed, BetStatusVoided, BetStatusCancelled,
	},
	BetStatusReady: {
		BetStatusExecuting, BetStatusCancelled, BetStatusVoided,
	},
	BetStatusExecuting: append([]BetStatus{
		BetStatusPlaced, BetStatusCancelled, BetStatusVoided,
	}, executionFailures...),
	BetStatusPlaced: append([]BetStatus{
		BetStatusFilled, BetStatusUnfilled, BetStatusCancelled, BetStatusVoided,
	}, executionFailures...),
	BetStatusFilled: {
		BetStatusSettled, BetStatusVoided,
	},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s BetStatus) CanTransitionTo(next BetStatus) bool {
	for _, allowed := range betTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the bet can no longer change.
func (s BetStatus) IsTerminal() bool {
	_, open := betTransitions[s]
	return !open
}

// IsActive reports whether the bet currently occupies the position's single
// active-leg slot.
func (s BetStatus) IsActive() bool {
	switch s {
	case BetStatusReady, BetStatusExecuting, BetStatusPlaced, BetStatusFilled:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the terminal failure kinds.
func (s BetStatus) IsFailure() bool {
	switch s {
	case BetStatusUnfilled, BetStatusVoided, BetStatusCancelled:
		return true
	}
	for _, f := range executionFailures {
		if s == f {
			return true
		}
	}
	return false
}

// BetOutcome is the settled result of a filled bet.
type BetOutcome string

const (
	BetOutcomeNone BetOutcome = ""
	BetOutcomeWon  BetOutcome = "WON"
	BetOutcomeLost BetOutcome = "LOST"
)

// Bet is one leg of a Position. Money and price fields are micro-units;
// FillPct and PriceImpact are ratios scaled the same way (1.0 == 1e6).
type Bet struct {
	ID          string `json:"id"`
	PositionID  string `json:"position_id"`
	ChainID     string `json:"chain_id"`
	Sequence    int    `json:"sequence"`
	ConditionID string `json:"condition_id"`
	TokenID     string `json:"token_id"`
	Side        Side   `json:"side"`

	TargetPrice     int64 `json:"target_price"`
	RequestedStake  int64 `json:"requested_stake"`
	ActualStake     int64 `json:"actual_stake"`
	FillPrice       int64 `json:"fill_price"`
	Shares          int64 `json:"shares"`
	FillPct         int64 `json:"fill_pct"`
	PriceImpact     int64 `json:"price_impact"`
	PotentialPayout int64 `json:"potential_payout"`
	ActualPayout    int64 `json:"actual_payout"`

	OrderID        string     `json:"order_id"`
	Status         BetStatus  `json:"status"`
	Outcome        BetOutcome `json:"outcome"`
	FailureReason  string     `json:"failure_reason"`
	PayoutVerified bool       `json:"payout_verified"`

	ExecutedAt *time.Time `json:"executed_at"`
	FilledAt   *time.Time `json:"filled_at"`
	SettledAt  *time.Time `json:"settled_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Transition moves the bet to next if the transition table allows it.
func (b *Bet) Transition(next BetStatus, now time.Time) error {
	if !b.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: bet %s %s -> %s", ErrInvalidTransition, b.ID, b.Status, next)
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// Fail moves the bet into a failure status and records why.
func (b *Bet) Fail(status BetStatus, reason string, now time.Time) error {
	if err := b.Transition(status, now); err != nil {
		return err
	}
	b.FailureReason = reason
	return nil
}
