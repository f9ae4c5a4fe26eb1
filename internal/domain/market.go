package domain

import (
	"fmt"
	"time"
)

// MarketStatus represents the lifecycle state of an underlying market.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "ACTIVE"
	MarketStatusClosed    MarketStatus = "CLOSED"
	MarketStatusResolved  MarketStatus = "RESOLVED"
	MarketStatusCancelled MarketStatus = "CANCELLED"
)

// IsTerminal reports whether the market has a final outcome.
func (s MarketStatus) IsTerminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// Outcome is the resolved result of a binary market.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeYes  Outcome = "YES"
	OutcomeNo   Outcome = "NO"
	OutcomeVoid Outcome = "VOID"
)

// Market is the cached resolution read model of one underlying condition.
type Market struct {
	ConditionID string       `json:"condition_id"`
	Question    string       `json:"question"`
	Status      MarketStatus `json:"status"`
	Outcome     Outcome      `json:"outcome"`
	EndDate     *time.Time   `json:"end_date"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Normalize forces the outcome of a cancelled market to VOID and clears any
// outcome carried by a market that has not resolved.
func (m *Market) Normalize() {
	switch m.Status {
	case MarketStatusCancelled:
		m.Outcome = OutcomeVoid
	case MarketStatusActive, MarketStatusClosed:
		m.Outcome = OutcomeNone
	}
}

// Validate enforces that an outcome is present exactly when the market is
// RESOLVED or CANCELLED, and that a cancelled market is VOID.
func (m Market) Validate() error {
	switch m.Status {
	case MarketStatusActive, MarketStatusClosed:
		if m.Outcome != OutcomeNone {
			return fmt.Errorf("market %s: status %s must not carry outcome %q", m.ConditionID, m.Status, m.Outcome)
		}
	case MarketStatusResolved:
		switch m.Outcome {
		case OutcomeYes, OutcomeNo, OutcomeVoid:
		default:
			return fmt.Errorf("market %s: resolved without a valid outcome (%q)", m.ConditionID, m.Outcome)
		}
	case MarketStatusCancelled:
		if m.Outcome != OutcomeVoid {
			return fmt.Errorf("market %s: cancelled market must be VOID, got %q", m.ConditionID, m.Outcome)
		}
	default:
		return fmt.Errorf("market %s: unknown status %q", m.ConditionID, m.Status)
	}
	return nil
}

// EffectiveOutcome is the outcome used for settlement: VOID for a cancelled
// market, the resolved outcome otherwise.
func (m Market) EffectiveOutcome() Outcome {
	if m.Status == MarketStatusCancelled {
		return OutcomeVoid
	}
	return m.Outcome
}

// Tradability is the live tradability view of a market as reported by the
// market info source.
type Tradability struct {
	ConditionID     string     `json:"condition_id"`
	Active          bool       `json:"active"`
	Closed          bool       `json:"closed"`
	AcceptingOrders bool       `json:"accepting_orders"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	FetchedAt       time.Time  `json:"fetched_at"`
}

// Open reports whether the market is taking orders right now.
func (t Tradability) Open() bool {
	return t.Active && !t.Closed && t.AcceptingOrders
}

// ClosesWithin reports whether the market ends before now+window. A market
// without an end date never closes soon.
func (t Tradability) ClosesWithin(now time.Time, window time.Duration) bool {
	if t.EndDate == nil {
		return false
	}
	return t.EndDate.Before(now.Add(window))
}
