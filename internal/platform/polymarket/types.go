package polymarket

import (
	"encoding/json"
	"strings"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the Polymarket CLOB API.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	MarketID     string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Type         string `json:"order_type"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
}

// APIOrderPayload is the signed order body sent to POST /order.
type APIOrderPayload struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// APIPostOrderRequest is the envelope for POST /order.
type APIPostOrderRequest struct {
	Order     APIOrderPayload `json:"order"`
	Owner     string          `json:"owner"`
	OrderType string          `json:"orderType"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Outcomes, OutcomePrices and ClobTokenIDs are JSON-encoded string arrays.
type APIMarket struct {
	ID              string   `json:"id"`
	Question        string   `json:"question"`
	ConditionID     string   `json:"conditionId"`
	Active          flexBool `json:"active"`
	Closed          flexBool `json:"closed"`
	Archived        flexBool `json:"archived"`
	AcceptingOrders flexBool `json:"acceptingOrders"`
	EndDate         string   `json:"endDate"`
	Outcomes        string   `json:"outcomes"`
	OutcomePrices   string   `json:"outcomePrices"`
	ClobTokenIDs    string   `json:"clobTokenIds"`
	UpdatedAt       string   `json:"updatedAt"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSSubscribe is the initial subscription frame for the market channel.
type WSSubscribe struct {
	Type                 string   `json:"type"`
	Assets               []string `json:"assets_ids"`
	CustomFeatureEnabled bool     `json:"custom_feature_enabled"`
}

// WSMarketResolved is pushed on the market channel when a market settles.
type WSMarketResolved struct {
	EventType      string `json:"event_type"`
	Market         string `json:"market"`
	WinningAssetID string `json:"winning_asset_id"`
	WinningOutcome string `json:"winning_outcome"`
	Timestamp      string `json:"timestamp"`
}

// decodeStringArray parses Gamma's JSON-in-a-string arrays.
func decodeStringArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
