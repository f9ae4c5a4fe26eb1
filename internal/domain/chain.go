package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ChainStatus is the lifecycle status of a Chain.
type ChainStatus string

const (
	ChainStatusActive ChainStatus = "ACTIVE"
	ChainStatusWon    ChainStatus = "WON"
	ChainStatusLost   ChainStatus = "LOST"
)

// Chain is the immutable, ordered definition of legs shared by every user who
// bets on the same sequence. TotalValue is the sum of the initial stakes of
// all participating positions, in micro-units.
type Chain struct {
	ID         string      `json:"id"`
	Legs       []Leg       `json:"legs"`
	TotalValue int64       `json:"total_value"`
	Status     ChainStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewChain validates legs and returns a Chain whose ID is derived from them.
func NewChain(legs []Leg) (Chain, error) {
	sorted := make([]Leg, len(legs))
	copy(sorted, legs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	if err := ValidateLegs(sorted); err != nil {
		return Chain{}, err
	}
	return Chain{
		ID:     ChainID(sorted),
		Legs:   sorted,
		Status: ChainStatusActive,
	}, nil
}

// ValidateLegs checks that legs are numbered 1..n in order and fully
// identified.
func ValidateLegs(legs []Leg) error {
	if len(legs) == 0 {
		return fmt.Errorf("%w: chain needs at least one leg", ErrInvalidLegs)
	}
	for i, leg := range legs {
		if leg.Sequence != i+1 {
			return fmt.Errorf("%w: leg %d has sequence %d", ErrInvalidLegs, i+1, leg.Sequence)
		}
		if leg.ConditionID == "" || leg.TokenID == "" {
			return fmt.Errorf("%w: leg %d is missing market identifiers", ErrInvalidLegs, leg.Sequence)
		}
		if !leg.Side.Valid() {
			return fmt.Errorf("%w: leg %d has side %q", ErrInvalidLegs, leg.Sequence, leg.Side)
		}
	}
	return nil
}

// ChainID returns the deterministic identifier for an ordered leg sequence.
// Question text is descriptive only and does not participate in the hash, so
// identical market/side sequences always map to the same Chain.
func ChainID(legs []Leg) string {
	var b strings.Builder
	for _, leg := range legs {
		b.WriteString(strconv.Itoa(leg.Sequence))
		b.WriteByte('|')
		b.WriteString(strings.ToLower(leg.ConditionID))
		b.WriteByte('|')
		b.WriteString(leg.TokenID)
		b.WriteByte('|')
		b.WriteString(string(leg.Side))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// LegCount returns the number of legs in the chain.
func (c Chain) LegCount() int {
	return len(c.Legs)
}

// Leg returns the leg with the given sequence number.
func (c Chain) Leg(sequence int) (Leg, bool) {
	if sequence < 1 || sequence > len(c.Legs) {
		return Leg{}, false
	}
	return c.Legs[sequence-1], true
}

// IsLastLeg reports whether sequence is the final leg.
func (c Chain) IsLastLeg(sequence int) bool {
	return sequence == len(c.Legs)
}
