package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
	"github.com/alanyoungcy/legchain/internal/server/handler"
	"github.com/alanyoungcy/legchain/internal/service"
)

type stubPositions struct {
	openUser  string
	openLegs  []service.LegRequest
	openStake int64
	err       error
}

func (s *stubPositions) Open(_ context.Context, userID string, legs []service.LegRequest, stake int64) (service.PositionDetail, error) {
	s.openUser, s.openLegs, s.openStake = userID, legs, stake
	if s.err != nil {
		return service.PositionDetail{}, s.err
	}
	return service.PositionDetail{Position: domain.Position{ID: "pos-1", UserID: userID}}, nil
}

func (s *stubPositions) Cancel(_ context.Context, id, userID string) (domain.Position, error) {
	if s.err != nil {
		return domain.Position{}, s.err
	}
	return domain.Position{ID: id, UserID: userID, Status: domain.PositionStatusCancelled}, nil
}

func (s *stubPositions) Get(_ context.Context, id, userID string) (service.PositionDetail, error) {
	if s.err != nil {
		return service.PositionDetail{}, s.err
	}
	return service.PositionDetail{Position: domain.Position{ID: id, UserID: userID}}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyAll) Wait(context.Context, string) error                              { return nil }

func newTestServer(positions handler.PositionService, checks map[string]handler.Check, limiter domain.RateLimiter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Handlers{
		Health:    handler.NewHealthHandler(checks, time.Second, logger),
		Positions: handler.NewPositionHandler(positions, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("legchain_up 1\n"))
		}),
	}
	return NewServer(Config{APIKey: "secret", RateLimit: 10, RateWindow: time.Second}, h, limiter, logger).Handler()
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var authed = map[string]string{"Authorization": "Bearer secret", "X-User-ID": "alice"}

func TestProbes(t *testing.T) {
	h := newTestServer(&stubPositions{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, nil)

	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz", "", nil).Code)

	rec := do(h, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["redis"])

	rec = do(h, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "legchain_up")
}

func TestOpenPosition(t *testing.T) {
	pos := &stubPositions{}
	h := newTestServer(pos, nil, nil)

	body := `{"stake":"25.5","legs":[{"condition_id":"0xabc","token_id":"1","side":"YES","target_price":"0.42"}]}`
	rec := do(h, "POST", "/api/positions", body, authed)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", pos.openUser)
	assert.Equal(t, money.MustParse("25.5"), pos.openStake)
	require.Len(t, pos.openLegs, 1)
	assert.Equal(t, money.MustParse("0.42"), pos.openLegs[0].TargetPrice)
}

func TestOpenPosition_BadInput(t *testing.T) {
	h := newTestServer(&stubPositions{}, nil, nil)

	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/api/positions", `{`, authed).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/api/positions", `{"stake":"ten"}`, authed).Code)

	invalid := &stubPositions{err: service.ErrInvalidStake}
	h = newTestServer(invalid, nil, nil)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/api/positions", `{"stake":"0.1","legs":[]}`, authed).Code)
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(&stubPositions{}, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, do(h, "GET", "/api/positions/p1", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(h, "GET", "/api/positions/p1", "", map[string]string{"X-API-Key": "wrong", "X-User-ID": "alice"}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(h, "GET", "/api/positions/p1", "", map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, "GET", "/api/positions/p1", "", map[string]string{"X-API-Key": "secret", "X-User-ID": "alice"}).Code)
}

func TestCancelPosition_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{errors.New("pool closed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := newTestServer(&stubPositions{err: tt.err}, nil, nil)
		rec := do(h, "DELETE", "/api/positions/p1", "", authed)
		assert.Equal(t, tt.want, rec.Code, "%v", tt.err)
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(&stubPositions{}, nil, denyAll{})
	rec := do(h, "GET", "/api/positions/p1", "", authed)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Probes are never limited.
	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz", "", nil).Code)
}
