package domain

import (
	"fmt"
	"time"
)

// PositionStatus tracks a user's progress through a Chain.
type PositionStatus string

const (
	PositionStatusPending   PositionStatus = "PENDING"
	PositionStatusActive    PositionStatus = "ACTIVE"
	PositionStatusWon       PositionStatus = "WON"
	PositionStatusLost      PositionStatus = "LOST"
	PositionStatusCancelled PositionStatus = "CANCELLED"
	PositionStatusFailed    PositionStatus = "FAILED"
)

var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionStatusPending: {
		PositionStatusActive, PositionStatusWon, PositionStatusLost,
		PositionStatusCancelled, PositionStatusFailed,
	},
	// ACTIVE -> ACTIVE records progress onto the next leg.
	PositionStatusActive: {
		PositionStatusActive, PositionStatusWon, PositionStatusLost,
		PositionStatusCancelled, PositionStatusFailed,
	},
}

// IsTerminal reports whether no further transitions are allowed.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case PositionStatusWon, PositionStatusLost, PositionStatusCancelled, PositionStatusFailed:
		return true
	}
	return false
}

// IsTermination reports whether s is a status that triggers cleanup: the
// position ended without winning.
func (s PositionStatus) IsTermination() bool {
	switch s {
	case PositionStatusLost, PositionStatusCancelled, PositionStatusFailed:
		return true
	}
	return false
}

// ReleasesStake reports whether a position ending in s withdraws its stake
// from the chain total.
func (s PositionStatus) ReleasesStake() bool {
	return s == PositionStatusCancelled || s == PositionStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range positionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Position is one user's stake and progress against a Chain. Money fields
// are micro-units.
type Position struct {
	ID                 string         `json:"id"`
	ChainID            string         `json:"chain_id"`
	UserID             string         `json:"user_id"`
	InitialStake       int64          `json:"initial_stake"`
	CurrentValue       int64          `json:"current_value"`
	CompletedLegs      int            `json:"completed_legs"`
	WonLegs            int            `json:"won_legs"`
	SkippedLegs        int            `json:"skipped_legs"`
	CurrentLegSequence int            `json:"current_leg_sequence"`
	Status             PositionStatus `json:"status"`
	FailureReason      string         `json:"failure_reason"`
	StakeReleased      bool           `json:"stake_released"`

	FeeAmount           int64  `json:"fee_amount"`
	FeeCollected        bool   `json:"fee_collected"`
	FeeCollectionFailed bool   `json:"fee_collection_failed"`
	FeeFailureReason    string `json:"fee_failure_reason"`
	FeeTxHash           string `json:"fee_tx_hash"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TerminatedAt *time.Time `json:"terminated_at"`
}

// Transition moves the position to next, stamping TerminatedAt when the new
// status is terminal.
func (p *Position) Transition(next PositionStatus, now time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: position %s %s -> %s", ErrInvalidTransition, p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = now
	if next.IsTerminal() {
		t := now
		p.TerminatedAt = &t
	}
	return nil
}

// Fail transitions the position to FAILED with a reason. Accumulated value and
// leg counters are left untouched.
func (p *Position) Fail(reason string, now time.Time) error {
	if err := p.Transition(PositionStatusFailed, now); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}

// Profit is current value minus initial stake.
func (p Position) Profit() int64 {
	return p.CurrentValue - p.InitialStake
}
