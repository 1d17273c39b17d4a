package api

import (
	"time"

	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/model"
	"github.com/ubuygold/gopdf/internal/quota"
)

// UsageSummary is the usage of one key in one period, with its plan limits.
type UsageSummary struct {
	KeyID             uint              `json:"key_id"`
	KeyPrefix         string            `json:"key_prefix"`
	AccountName       string            `json:"account_name"`
	Plan              string            `json:"plan"`
	Status            string            `json:"status"`
	Month             string            `json:"month"`
	RequestCount      int64             `json:"request_count"`
	ByteCount         int64             `json:"byte_count"`
	LastUpdatedAt     *time.Time        `json:"last_updated_at,omitempty"`
	Limits            config.PlanLimits `json:"limits"`
	RemainingRequests int64             `json:"remaining_requests"`
	RemainingBytes    int64             `json:"remaining_bytes"`
}

// NewUsageSummary combines a key, its usage record and its plan limits.
// Remaining values are -1 for unbounded limits.
func NewUsageSummary(key *model.APIKey, record *model.UsageRecord, limits config.PlanLimits) UsageSummary {
	d := quota.Check(limits, record)
	s := UsageSummary{
		KeyID:             key.ID,
		KeyPrefix:         key.KeyPrefix,
		AccountName:       key.AccountName,
		Plan:              key.Plan,
		Status:            key.Status,
		Month:             record.Period,
		RequestCount:      record.RequestCount,
		ByteCount:         record.ByteCount,
		Limits:            limits,
		RemainingRequests: d.RemainingRequests,
		RemainingBytes:    d.RemainingBytes,
	}
	if !record.UpdatedAt.IsZero() {
		updated := record.UpdatedAt
		s.LastUpdatedAt = &updated
	}
	return s
}
