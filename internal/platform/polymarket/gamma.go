package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market metadata, tradability flags and resolution prices.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Market returns the Gamma record for one condition.
func (g *GammaClient) Market(ctx context.Context, conditionID string) (APIMarket, error) {
	params := url.Values{}
	params.Set("condition_ids", strings.ToLower(conditionID))

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	for _, m := range apiMarkets {
		if strings.EqualFold(m.ConditionID, conditionID) {
			return m, nil
		}
	}
	return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: condition=%s", domain.ErrNotFound, conditionID)
}

// Tradability reports whether a market is currently taking orders.
func (g *GammaClient) Tradability(ctx context.Context, conditionID string) (domain.Tradability, error) {
	m, err := g.Market(ctx, conditionID)
	if err != nil {
		return domain.Tradability{}, err
	}
	return m.ToTradability(g.now()), nil
}

// Resolution returns the market snapshot derived from Gamma's flags and
// outcome prices.
func (g *GammaClient) Resolution(ctx context.Context, conditionID string) (domain.Market, error) {
	m, err := g.Market(ctx, conditionID)
	if err != nil {
		return domain.Market{}, err
	}
	return m.ToDomainMarket(g.now()), nil
}

// ToTradability maps the Gamma flags onto a Tradability view.
func (m APIMarket) ToTradability(now time.Time) domain.Tradability {
	return domain.Tradability{
		ConditionID:     strings.ToLower(m.ConditionID),
		Active:          bool(m.Active),
		Closed:          bool(m.Closed),
		AcceptingOrders: bool(m.AcceptingOrders),
		EndDate:         parseTime(m.EndDate),
		FetchedAt:       now,
	}
}

// ToDomainMarket converts a Gamma market into a resolution snapshot.
//
//   - open market: ACTIVE
//   - closed with an outcome priced at 1: RESOLVED YES or NO
//   - closed with every outcome priced at 0.5: RESOLVED VOID (50/50 split)
//   - archived without a winner: CANCELLED
//   - anything else closed: CLOSED, awaiting resolution
func (m APIMarket) ToDomainMarket(now time.Time) domain.Market {
	out := domain.Market{
		ConditionID: strings.ToLower(m.ConditionID),
		Question:    m.Question,
		Status:      domain.MarketStatusActive,
		EndDate:     parseTime(m.EndDate),
		UpdatedAt:   now,
	}
	if !bool(m.Closed) {
		return out
	}

	switch outcome := m.winningOutcome(); {
	case outcome != domain.OutcomeNone:
		out.Status = domain.MarketStatusResolved
		out.Outcome = outcome
	case bool(m.Archived):
		out.Status = domain.MarketStatusCancelled
	default:
		out.Status = domain.MarketStatusClosed
	}
	out.Normalize()
	return out
}

// winningOutcome reads outcomePrices. Binary markets list the YES side
// first unless the outcome labels say otherwise.
func (m APIMarket) winningOutcome() domain.Outcome {
	prices := decodeStringArray(m.OutcomePrices)
	if len(prices) != 2 {
		return domain.OutcomeNone
	}
	labels := decodeStringArray(m.Outcomes)

	parsed := make([]int64, len(prices))
	for i, p := range prices {
		v, err := money.Parse(p)
		if err != nil {
			return domain.OutcomeNone
		}
		parsed[i] = v
	}

	half := money.Scale / 2
	if parsed[0] == half && parsed[1] == half {
		return domain.OutcomeVoid
	}
	for i, v := range parsed {
		if v != money.Scale {
			continue
		}
		if i < len(labels) {
			switch strings.ToLower(labels[i]) {
			case "yes":
				return domain.OutcomeYes
			case "no":
				return domain.OutcomeNo
			}
		}
		if i == 0 {
			return domain.OutcomeYes
		}
		return domain.OutcomeNo
	}
	return domain.OutcomeNone
}

// TokenIDs returns the CLOB token ids in outcome order.
func (m APIMarket) TokenIDs() []string {
	return decodeStringArray(m.ClobTokenIDs)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
