package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ubuygold/gopdf/internal/model"
	"github.com/ubuygold/gopdf/internal/usage"

	"github.com/robfig/cron/v3"
)

// UsageReporter lists the usage records of a period.
type UsageReporter interface {
	CurrentPeriod() string
	Report(ctx context.Context, period string) ([]model.UsageRecord, error)
}

// Report is the summary of one closed period.
type Report struct {
	Period   string
	Keys     int
	Requests int64
	Bytes    int64
}

type Scheduler struct {
	ledger UsageReporter
	spec   string
	logger *slog.Logger
	c      *cron.Cron
}

// NewScheduler creates a scheduler that reports the previous month's usage
// on the given cron spec, "@monthly" if empty.
func NewScheduler(ledger UsageReporter, spec string, logger *slog.Logger) *Scheduler {
	if spec == "" {
		spec = "@monthly"
	}
	return &Scheduler{
		ledger: ledger,
		spec:   spec,
		logger: logger.With("component", "scheduler"),
		c:      cron.New(),
	}
}

func (s *Scheduler) Start() error {
	_, err := s.c.AddFunc(s.spec, func() {
		if _, err := s.ReportPreviousPeriod(context.Background()); err != nil {
			s.logger.Error("Usage report failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("error scheduling usage report %q: %w", s.spec, err)
	}
	s.c.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// ReportPreviousPeriod logs the totals of every key for the month before the
// current one. Usage is never reset, the period key starts a fresh row.
func (s *Scheduler) ReportPreviousPeriod(ctx context.Context) (*Report, error) {
	period, err := usage.Previous(s.ledger.CurrentPeriod())
	if err != nil {
		return nil, err
	}
	records, err := s.ledger.Report(ctx, period)
	if err != nil {
		return nil, err
	}

	report := &Report{Period: period, Keys: len(records)}
	for _, r := range records {
		report.Requests += r.RequestCount
		report.Bytes += r.ByteCount
		s.logger.Info("Key usage", "period", period, "api_key_id", r.APIKeyID,
			"request_count", r.RequestCount, "byte_count", r.ByteCount)
	}
	s.logger.Info("Usage report complete", "period", period, "keys", report.Keys,
		"request_count", report.Requests, "byte_count", report.Bytes)
	return report, nil
}
