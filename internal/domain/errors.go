package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("conditional update precondition failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidLegs       = errors.New("invalid chain legs")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrLockHeld          = errors.New("lock already held")

	// Execution failures, mapped onto bet failure statuses by the settlement
	// classifier.
	ErrNoCredentials         = errors.New("no trading credentials")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOrderRejected         = errors.New("order rejected")
	ErrMarketClosed          = errors.New("market closed")
	ErrMarketClosingSoon     = errors.New("market closing soon")

	ErrFeeCollection = errors.New("fee collection failed")
)
