package settlement

import "github.com/alanyoungcy/legchain/internal/domain"

// Trigger guards compare the before and after snapshots of a change so that
// redelivered events are ignored. old is nil for inserts.

// BetBecameReady reports whether the change moved a bet into READY.
func BetBecameReady(old, cur *domain.Bet) bool {
	if cur == nil || cur.Status != domain.BetStatusReady {
		return false
	}
	return old == nil || old.Status != domain.BetStatusReady
}

// MarketBecameTerminal reports whether the change moved a market into
// RESOLVED or CANCELLED.
func MarketBecameTerminal(old, cur *domain.Market) bool {
	if cur == nil || !cur.Status.IsTerminal() {
		return false
	}
	return old == nil || !old.Status.IsTerminal()
}

// PositionBecameTerminated reports whether the change moved a position into
// LOST, CANCELLED or FAILED.
func PositionBecameTerminated(old, cur *domain.Position) bool {
	if cur == nil || !cur.Status.IsTermination() {
		return false
	}
	return old == nil || !old.Status.IsTerminal()
}

// PositionBecameFinal reports whether the change moved a position into any
// terminal status, WON included.
func PositionBecameFinal(old, cur *domain.Position) bool {
	if cur == nil || !cur.Status.IsTerminal() {
		return false
	}
	return old == nil || !old.Status.IsTerminal()
}
