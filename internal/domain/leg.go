package domain

import "strings"

// Side is the outcome a leg bets on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// ParseSide normalises a side string ("yes", "No", ...).
func ParseSide(s string) (Side, bool) {
	side := Side(strings.ToUpper(strings.TrimSpace(s)))
	return side, side.Valid()
}

// Leg is one step of a Chain: a single binary market and the side taken on it.
type Leg struct {
	Sequence    int    `json:"sequence"`
	ConditionID string `json:"condition_id"`
	TokenID     string `json:"token_id"`
	Side        Side   `json:"side"`
	Question    string `json:"question,omitempty"`
}
