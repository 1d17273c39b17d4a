// Package usage keeps per-key monthly request and byte counters.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ubuygold/gopdf/internal/db"
	"github.com/ubuygold/gopdf/internal/model"
)

const periodLayout = "2006-01"

// ErrInvalidPeriod is returned for a period not formatted as YYYY-MM.
var ErrInvalidPeriod = errors.New("invalid period")

// PeriodOf returns the UTC calendar month of t as "YYYY-MM".
func PeriodOf(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// ParsePeriod validates a "YYYY-MM" string.
func ParsePeriod(period string) (time.Time, error) {
	t, err := time.Parse(periodLayout, period)
	if err != nil || t.Format(periodLayout) != period {
		return time.Time{}, fmt.Errorf("%w %q: must be formatted as YYYY-MM", ErrInvalidPeriod, period)
	}
	return t, nil
}

// Previous returns the period immediately before period.
func Previous(period string) (string, error) {
	t, err := ParsePeriod(period)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, -1, 0).Format(periodLayout), nil
}

// Ledger records successful generations. Writes go through a single atomic
// upsert-increment in the store, so concurrent recordings never lose updates.
type Ledger struct {
	db     db.Service
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger backed by dbService.
func NewLedger(dbService db.Service, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     dbService,
		logger: logger.With("component", "usage"),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests use it to pin periods.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// CurrentPeriod returns the period of the ledger's current time.
func (l *Ledger) CurrentPeriod() string {
	return PeriodOf(l.now())
}

// RecordSuccess adds one request and byteCount bytes to the key's current period.
func (l *Ledger) RecordSuccess(ctx context.Context, apiKeyID uint, byteCount int64) (*model.UsageRecord, error) {
	now := l.now().UTC()
	record, err := l.db.IncrementUsage(ctx, apiKeyID, PeriodOf(now), byteCount, now)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Usage recorded", "api_key_id", apiKeyID, "period", record.Period,
		"request_count", record.RequestCount, "byte_count", record.ByteCount)
	return record, nil
}

// Current returns the key's usage in the current period, zero-valued if none.
func (l *Ledger) Current(ctx context.Context, apiKeyID uint) (*model.UsageRecord, error) {
	return l.db.GetUsage(ctx, apiKeyID, l.CurrentPeriod())
}

// Summary returns the key's usage in period, zero-valued if none. An empty
// period means the current one.
func (l *Ledger) Summary(ctx context.Context, apiKeyID uint, period string) (*model.UsageRecord, error) {
	if period == "" {
		period = l.CurrentPeriod()
	} else if _, err := ParsePeriod(period); err != nil {
		return nil, err
	}
	return l.db.GetUsage(ctx, apiKeyID, period)
}

// Report returns every usage record of period, ordered by key id.
func (l *Ledger) Report(ctx context.Context, period string) ([]model.UsageRecord, error) {
	if _, err := ParsePeriod(period); err != nil {
		return nil, err
	}
	return l.db.ListUsageByPeriod(ctx, period)
}
