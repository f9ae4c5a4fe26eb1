package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderState is the exchange-reported state of a placed order.
type OrderState string

const (
	OrderStateLive      OrderState = "live"
	OrderStateMatched   OrderState = "matched"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateUnknown   OrderState = "unknown"
)

// OrderRequest is a buy or sell the settlement engine asks the exchange to
// place. Amount is the stake in micro-units for a buy, shares for a sell;
// PriceCeiling is the worst acceptable price in micro-units.
type OrderRequest struct {
	TokenID      string
	Side         OrderSide
	PriceCeiling int64
	Amount       int64
	Type         OrderType
}

// OrderAck is the exchange's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID string
	State   OrderState
}

// OrderFill is a point-in-time view of an order's execution. FilledShares and
// FillPrice are micro-units.
type OrderFill struct {
	OrderID      string
	State        OrderState
	FilledShares int64
	FillPrice    int64
	CheckedAt    time.Time
}

// Final reports whether the order can no longer fill further.
func (f OrderFill) Final() bool {
	return f.State == OrderStateMatched || f.State == OrderStateCancelled
}

// FeeReceipt records a completed platform fee transfer.
type FeeReceipt struct {
	Amount int64
	TxHash string
}

// PayoutCheck is the result of reconciling an expected payout against the
// on-chain transfer log of the custodial wallet.
type PayoutCheck struct {
	Expected int64
	Observed int64
	Matched  bool
}
