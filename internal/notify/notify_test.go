package notify

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
)

type stubSender struct {
	name   string
	err    error
	titles []string
}

func (s *stubSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *stubSender) Name() string { return s.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{s}, []string{"fee_failed", " payout_mismatch "}, 10, time.Minute, quietLogger())

	require.NoError(t, n.Notify(context.Background(), "fee_failed", "fee", "msg"))
	require.NoError(t, n.Notify(context.Background(), "payout_mismatch", "payout", "msg"))
	require.NoError(t, n.Notify(context.Background(), "stuck_bet", "stuck", "msg"))

	assert.Equal(t, []string{"fee", "payout"}, s.titles)
}

func TestNotifyRateLimitsPerEvent(t *testing.T) {
	s := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{s}, nil, 2, time.Hour, quietLogger())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, n.Notify(ctx, "stuck_bet", "stuck", ""))
	}
	require.NoError(t, n.Notify(ctx, "fee_failed", "fee", ""))

	assert.Equal(t, []string{"stuck", "stuck", "fee"}, s.titles)
}

func TestNotifyJoinsSenderErrors(t *testing.T) {
	ok := &stubSender{name: "ok"}
	bad := &stubSender{name: "bad", err: errors.New("403")}
	n := NewNotifier([]Sender{bad, ok}, nil, 0, 0, quietLogger())

	err := n.Notify(context.Background(), "fee_failed", "fee", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: 403")
	assert.Len(t, ok.titles, 1)
}

func TestNotifyWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, 0, 0, quietLogger())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), "fee_failed", "t", "m"))
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Fee failed", "position pos-1"))
	assert.Equal(t, "**Fee failed**\nposition pos-1", got["content"])
}

func TestTelegramSender(t *testing.T) {
	var (
		path string
		got  map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "Stuck <bet>", "bet_1 & bet_2")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "<b>Stuck &lt;bet&gt;</b>\nbet_1 &amp; bet_2", got["text"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	long := strings.Repeat("x", 10)
	assert.Equal(t, "xxxx…", truncate(long, 5))
}
