package settlement

import (
	"context"
	"errors"
	"net"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// Classify maps an execution error onto a bet failure status.
func Classify(err error) domain.BetStatus {
	switch {
	case err == nil:
		return domain.BetStatusUnknownFailure
	case errors.Is(err, domain.ErrNoCredentials),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrSigningFailed):
		return domain.BetStatusNoCredentials
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return domain.BetStatusInsufficientLiquidity
	case errors.Is(err, domain.ErrMarketClosed):
		return domain.BetStatusMarketClosed
	case errors.Is(err, domain.ErrMarketClosingSoon):
		return domain.BetStatusMarketClosingSoon
	case errors.Is(err, domain.ErrOrderRejected):
		return domain.BetStatusOrderRejected
	case errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return domain.BetStatusExecutionError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.BetStatusExecutionError
	}
	return domain.BetStatusUnknownFailure
}

// PriceCeiling is the worst price an order may fill at: target plus
// slippage, never above priceCap.
func PriceCeiling(target, slippageBps, priceCap int64) int64 {
	return money.Min(target+money.BpsOf(target, slippageBps), priceCap)
}

// ComputeFee returns the platform fee on a completed position: bps of the
// profit, charged only on multi-leg chains and only when it reaches dust.
func ComputeFee(payout, stake int64, legs int, bps, dust int64) int64 {
	if legs <= 1 {
		return 0
	}
	profit := payout - stake
	if profit <= 0 {
		return 0
	}
	fee := money.BpsOf(profit, bps)
	if fee <= 0 || fee < dust {
		return 0
	}
	return fee
}
