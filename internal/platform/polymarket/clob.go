// Package polymarket implements the exchange, market info and resolution
// feed adapters against the Polymarket CLOB, Gamma and websocket APIs.
package polymarket

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/legchain/internal/crypto"
	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

const (
	zeroAddress = "0x0000000000000000000000000000000000000000"

	// ctfExchange is the Polymarket CTF exchange contract on Polygon.
	ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

	orderBudgetKey = "clob:orders"
)

// ClobConfig configures a ClobClient.
type ClobConfig struct {
	BaseURL         string
	ChainID         int
	SignatureType   int
	ExchangeAddress string
	// OrdersPerSecond bounds every request this process sends to the CLOB.
	OrdersPerSecond float64
}

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. Every call is made on behalf of one user, whose
// credentials are passed per request.
type ClobClient struct {
	cfg        ClobConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	budget     domain.RateLimiter
	exchange   common.Address
}

// NewClobClient creates a new CLOB REST client.
func NewClobClient(cfg ClobConfig) *ClobClient {
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 5
	}
	if cfg.ExchangeAddress == "" {
		cfg.ExchangeAddress = ctfExchange
	}
	burst := int(cfg.OrdersPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &ClobClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), burst),
		exchange: common.HexToAddress(cfg.ExchangeAddress),
	}
}

// WithSharedBudget makes order placement also draw from a budget shared by
// every settlement process.
func (c *ClobClient) WithSharedBudget(rl domain.RateLimiter) *ClobClient {
	c.budget = rl
	return c
}

// PlaceOrder signs and submits a market order. For a BUY, req.Amount is the
// USDC stake and the order asks for at least Amount/PriceCeiling shares.
func (c *ClobClient) PlaceOrder(ctx context.Context, creds domain.TradingCredentials, req domain.OrderRequest) (domain.OrderAck, error) {
	if creds.Key == nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: place order: %w", domain.ErrNoCredentials)
	}
	if c.budget != nil {
		if err := c.budget.Wait(ctx, orderBudgetKey); err != nil {
			return domain.OrderAck{}, fmt.Errorf("polymarket/clob: order budget: %w", err)
		}
	}

	payload, err := c.buildOrder(creds, req)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: build order: %w", err)
	}

	body := APIPostOrderRequest{
		Order:     payload,
		Owner:     creds.API.Key,
		OrderType: string(req.Type),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, creds, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success || result.OrderID == "" {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: %w", rejection(result.ErrorMsg))
	}

	return domain.OrderAck{OrderID: result.OrderID, State: orderState(result.Status)}, nil
}

// GetOrder reports how much of an order has filled.
func (c *ClobClient) GetOrder(ctx context.Context, creds domain.TradingCredentials, orderID string) (domain.OrderFill, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, creds, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return domain.OrderFill{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.OrderFill{}, fmt.Errorf("polymarket/clob: decode order %s: %w", orderID, err)
	}
	return apiOrder.toFill(time.Now().UTC())
}

// CancelOrder cancels a single open order.
func (c *ClobClient) CancelOrder(ctx context.Context, creds domain.TradingCredentials, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doAuthenticatedRequest(ctx, creds, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket/clob: cancel order %s: %s", orderID, reason)
	}
	return nil
}

// DeriveAPIKey performs the CLOB L1 auth flow for key and returns the
// user's L2 HMAC credentials. It derives existing credentials first and
// creates new ones if the key has never been registered.
func (c *ClobClient) DeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (domain.APICredentials, error) {
	signer := crypto.NewSignerFromKey(key, c.cfg.ChainID)

	creds, err := c.l1Request(ctx, signer, http.MethodGet, "/auth/derive-api-key")
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, errBadRequest) {
		return domain.APICredentials{}, err
	}
	return c.l1Request(ctx, signer, http.MethodPost, "/auth/api-key")
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

var errBadRequest = errors.New("bad request")

func (c *ClobClient) buildOrder(creds domain.TradingCredentials, req domain.OrderRequest) (APIOrderPayload, error) {
	if req.PriceCeiling <= 0 || req.PriceCeiling >= money.Scale {
		return APIOrderPayload{}, fmt.Errorf("%w: price ceiling %s out of range", domain.ErrOrderRejected, money.Format(req.PriceCeiling))
	}
	if req.Amount <= 0 {
		return APIOrderPayload{}, fmt.Errorf("%w: non-positive amount", domain.ErrOrderRejected)
	}

	var makerAmount, takerAmount int64
	side := 0
	switch req.Side {
	case domain.OrderSideBuy:
		shares, err := money.Shares(req.Amount, req.PriceCeiling)
		if err != nil {
			return APIOrderPayload{}, err
		}
		makerAmount, takerAmount = req.Amount, shares
	case domain.OrderSideSell:
		side = 1
		makerAmount, takerAmount = req.Amount, money.MulPrice(req.Amount, req.PriceCeiling)
	default:
		return APIOrderPayload{}, fmt.Errorf("%w: side %q", domain.ErrOrderRejected, req.Side)
	}

	salt := rand.Int64N(1 << 53)
	maker := creds.Address
	if maker == "" {
		maker = crypto.NewSignerFromKey(creds.Key, c.cfg.ChainID).Address().Hex()
	}

	unsigned := crypto.OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         maker,
		Signer:        maker,
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.cfg.SignatureType,
	}

	sig, err := crypto.NewSignerFromKey(creds.Key, c.cfg.ChainID).SignOrder(unsigned, c.exchange)
	if err != nil {
		return APIOrderPayload{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	return APIOrderPayload{
		Salt:          salt,
		Maker:         unsigned.Maker,
		Signer:        unsigned.Signer,
		Taker:         unsigned.Taker,
		TokenID:       unsigned.TokenID,
		MakerAmount:   unsigned.MakerAmount,
		TakerAmount:   unsigned.TakerAmount,
		Expiration:    unsigned.Expiration,
		Nonce:         unsigned.Nonce,
		FeeRateBps:    unsigned.FeeRateBps,
		Side:          string(req.Side),
		SignatureType: unsigned.SignatureType,
		Signature:     sig,
	}, nil
}

// l1Request sends a request signed with the ClobAuth EIP-712 message. Per
// Polymarket docs, L1 requires POLY_ADDRESS, POLY_SIGNATURE, POLY_TIMESTAMP
// and POLY_NONCE.
func (c *ClobClient) l1Request(ctx context.Context, signer *crypto.Signer, method, path string) (domain.APICredentials, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.APICredentials{}, fmt.Errorf("polymarket/clob: rate limit: %w", err)
	}

	address := signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return domain.APICredentials{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return domain.APICredentials{}, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	respBody, err := c.send(req)
	if err != nil {
		return domain.APICredentials{}, fmt.Errorf("polymarket/clob: auth %s: %w", path, err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return domain.APICredentials{}, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	creds := domain.APICredentials{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	if creds.Empty() {
		return domain.APICredentials{}, fmt.Errorf("polymarket/clob: auth %s: %w: incomplete credentials", path, domain.ErrUnauthorized)
	}
	return creds, nil
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, creds domain.TradingCredentials, method, path string, body any) ([]byte, error) {
	if creds.API.Empty() {
		return nil, domain.ErrNoCredentials
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	headers := crypto.NewHMACAuth(creds.API).L2Headers(creds.Address, method, path, bodyStr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.send(req)
}

func (c *ClobClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
// A 400 from the order endpoint carries the exchange's rejection reason.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusBadRequest:
		var e struct {
			ErrorMsg string `json:"errorMsg"`
			Error    string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && (e.ErrorMsg != "" || e.Error != "") {
			msg := e.ErrorMsg
			if msg == "" {
				msg = e.Error
			}
			return errors.Join(errBadRequest, rejection(msg))
		}
		return fmt.Errorf("%w: %s", errBadRequest, bodyStr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// rejection maps an exchange error message onto the execution error
// taxonomy.
func rejection(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no orders found to match"),
		strings.Contains(lower, "not enough liquidity"),
		strings.Contains(lower, "couldn't be fully filled"),
		strings.Contains(lower, "no match"):
		return fmt.Errorf("%w: %s", domain.ErrInsufficientLiquidity, msg)
	case strings.Contains(lower, "market is closed"),
		strings.Contains(lower, "not accepting orders"),
		strings.Contains(lower, "market not found"),
		strings.Contains(lower, "orderbook") && strings.Contains(lower, "does not exist"):
		return fmt.Errorf("%w: %s", domain.ErrMarketClosed, msg)
	case msg == "":
		return fmt.Errorf("%w: no reason given", domain.ErrOrderRejected)
	default:
		return fmt.Errorf("%w: %s", domain.ErrOrderRejected, msg)
	}
}

func orderState(status string) domain.OrderState {
	upper := strings.ToUpper(status)
	switch {
	case strings.Contains(upper, "MATCHED"), strings.Contains(upper, "FILLED"):
		return domain.OrderStateMatched
	case strings.Contains(upper, "CANCEL"), strings.Contains(upper, "UNMATCHED"):
		return domain.OrderStateCancelled
	case strings.Contains(upper, "LIVE"), strings.Contains(upper, "OPEN"), strings.Contains(upper, "DELAYED"):
		return domain.OrderStateLive
	default:
		return domain.OrderStateUnknown
	}
}

func (a APIOrder) toFill(now time.Time) (domain.OrderFill, error) {
	fill := domain.OrderFill{
		OrderID:   a.ID,
		State:     orderState(a.Status),
		CheckedAt: now,
	}
	if a.SizeMatched != "" {
		shares, err := money.Parse(a.SizeMatched)
		if err != nil {
			return domain.OrderFill{}, fmt.Errorf("polymarket/clob: order %s size_matched: %w", a.ID, err)
		}
		fill.FilledShares = shares
	}
	if a.Price != "" {
		price, err := money.Parse(a.Price)
		if err != nil {
			return domain.OrderFill{}, fmt.Errorf("polymarket/clob: order %s price: %w", a.ID, err)
		}
		fill.FillPrice = price
	}
	return fill, nil
}
