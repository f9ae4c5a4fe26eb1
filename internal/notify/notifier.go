// Package notify delivers operator alerts (fee failures, payout mismatches,
// stuck bets) to Telegram and Discord.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender. Events outside the configured
// set are dropped, and each event type is rate limited so a burst of
// identical failures does not flood the channel.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger

	burst    int
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a Notifier. An empty events list allows every event.
// Each event type may send burst alerts, refilled one per interval.
func NewNotifier(senders []Sender, events []string, burst int, interval time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if burst <= 0 {
		burst = 5
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		burst:    burst,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends an alert for event. Filtered and rate-limited alerts are
// dropped silently.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.limiter(event).Allow() {
		n.logger.WarnContext(ctx, "alert suppressed by rate limit", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (n *Notifier) limiter(event string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[event]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.interval), n.burst)
		n.limiters[event] = l
	}
	return l
}

// postJSON posts payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
