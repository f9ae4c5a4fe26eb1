package metrics_test

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/metrics"
	"github.com/alanyoungcy/legchain/internal/money"
	"github.com/alanyoungcy/legchain/internal/pipeline"
	"github.com/alanyoungcy/legchain/internal/settlement"
)

var (
	_ settlement.Observer     = (*metrics.Metrics)(nil)
	_ pipeline.EventObserver  = (*metrics.Metrics)(nil)
	_ pipeline.RelayObserver  = (*metrics.Metrics)(nil)
	_ pipeline.IngestObserver = (*metrics.Metrics)(nil)
)

func TestSettlementCounters(t *testing.T) {
	m := metrics.New()

	m.BetExecuted(domain.BetStatusFilled, 300*time.Millisecond)
	m.BetExecuted(domain.BetStatusMarketClosed, 10*time.Millisecond)
	m.BetExecuted(domain.BetStatusFilled, time.Second)
	m.FeeCollected(money.MustParse("10.5"), false)
	m.FeeCollected(money.MustParse("3"), true)
	m.PayoutMismatch()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BetsExecuted.WithLabelValues("FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BetsExecuted.WithLabelValues("MARKET_CLOSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeesCollected))
	assert.InDelta(t, 10.5, testutil.ToFloat64(m.FeeVolume), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayoutMismatches))
}

func TestPipelineCounters(t *testing.T) {
	m := metrics.New()

	m.EventHandled(domain.RecordBet, pipeline.RouteExecute, nil, time.Millisecond)
	m.EventHandled(domain.RecordMarket, pipeline.RouteResolve, errors.New("x"), time.Millisecond)
	m.Relayed(25, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamEvents.WithLabelValues("bet", "execute", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamEvents.WithLabelValues("market", "resolve", "error")))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.RelayedChanges))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayLag))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := metrics.New()
	m.LegSkipped()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "legchain_legs_skipped_total 1"))
	assert.Contains(t, body, "go_goroutines")
}
