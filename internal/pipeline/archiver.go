package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

// AuditArchiver exports audit rows older than a cutoff to cold storage.
type AuditArchiver interface {
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves audit history past the retention window to object storage.
type Archiver struct {
	blob          AuditArchiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(blob AuditArchiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run archives every audit row older than the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blob.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive audit before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("audit_archived", n))
	return nil
}

// RunCron runs the archiver on a five-field cron schedule ("minute hour
// day-of-month month day-of-week") until ctx is cancelled. "0 4 * * *" runs
// daily at 04:00 UTC.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	if _, err := parseCron(cronExpr); err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
		}

		wait := next.Sub(a.now())
		a.logger.Debug("archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	return f.wildcard || slices.Contains(f.values, val)
}

// parseCronField accepts "*", "*/n", single values, ranges "a-b" and comma
// separated lists of those, within [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	var values []int
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step in %q", part)
			}
			step, part = n, base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q: %w", part, err)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q: %w", part, err)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q: %w", part, err)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			values = append(values, v)
		}
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute, hour, dayOfMonth, month, dayOfWeek cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

var cronBounds = [5]struct {
	name   string
	lo, hi int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronBounds) {
		return parsedCron{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}

	var parsed [5]cronField
	for i, b := range cronBounds {
		f, err := parseCronField(fields[i], b.lo, b.hi)
		if err != nil {
			return parsedCron{}, fmt.Errorf("%s field: %w", b.name, err)
		}
		parsed[i] = f
	}
	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// nextCronTime returns the first minute after `after` matching expr, looking
// at most a year ahead.
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	limit := after.AddDate(1, 0, 1)
	for t := after.Truncate(time.Minute).Add(time.Minute); t.Before(limit); t = t.Add(time.Minute) {
		if cron.matchesTime(t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no run of %q within a year", expr)
}
