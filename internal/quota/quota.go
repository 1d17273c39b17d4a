// Package quota decides whether a key may generate another document in the
// current period. Every function here is pure.
package quota

import (
	"fmt"

	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/model"
)

// Deny reasons.
const (
	ReasonRequests = "requests"
	ReasonBytes    = "bytes"
)

// Unbounded is reported as the remaining allowance of a limit that is not set.
const Unbounded int64 = -1

// QuotaExceededError is returned when a plan limit is reached.
type QuotaExceededError struct {
	Reason string
	Limit  int64
	Used   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s used %d of %d", e.Reason, e.Used, e.Limit)
}

// Decision is the outcome of a quota check. Remaining values are measured
// before the current request and are Unbounded when the limit is not set.
type Decision struct {
	Allowed           bool
	Reason            string
	RemainingRequests int64
	RemainingBytes    int64

	limit int64
	used  int64
}

// Err returns the QuotaExceededError for a denied decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &QuotaExceededError{Reason: d.Reason, Limit: d.limit, Used: d.used}
}

// Check evaluates usage against limits. A nil usage counts as zero.
//
// The request that brings request_count to the limit is allowed. The byte
// limit is checked after the fact: the size of the next PDF is unknown, so a
// key is denied once byte_count has reached the limit.
func Check(limits config.PlanLimits, usage *model.UsageRecord) Decision {
	var requests, bytes int64
	if usage != nil {
		requests, bytes = usage.RequestCount, usage.ByteCount
	}

	d := Decision{
		Allowed:           true,
		RemainingRequests: remaining(limits.MaxRequestsPerPeriod, requests),
		RemainingBytes:    remaining(limits.MaxBytesPerPeriod, bytes),
	}

	if limit := limits.MaxRequestsPerPeriod; limit != nil && requests+1 > *limit {
		d.Allowed, d.Reason, d.limit, d.used = false, ReasonRequests, *limit, requests
		return d
	}
	if limit := limits.MaxBytesPerPeriod; limit != nil && bytes >= *limit {
		d.Allowed, d.Reason, d.limit, d.used = false, ReasonBytes, *limit, bytes
		return d
	}
	return d
}

func remaining(limit *int64, used int64) int64 {
	if limit == nil {
		return Unbounded
	}
	if used >= *limit {
		return 0
	}
	return *limit - used
}

// Policy resolves plan names to their limits.
type Policy struct {
	plans map[string]config.PlanLimits
}

// NewPolicy creates a Policy over the configured plan table.
func NewPolicy(plans map[string]config.PlanLimits) *Policy {
	return &Policy{plans: plans}
}

// Limits returns the limits of plan. Unknown plans report false.
func (p *Policy) Limits(plan string) (config.PlanLimits, bool) {
	limits, ok := p.plans[config.NormalizePlan(plan)]
	return limits, ok
}

// Check evaluates usage against the limits of plan. A key whose plan was
// removed from the configuration is denied outright.
func (p *Policy) Check(plan string, usage *model.UsageRecord) Decision {
	limits, ok := p.Limits(plan)
	if !ok {
		zero := int64(0)
		return Check(config.PlanLimits{MaxRequestsPerPeriod: &zero}, usage)
	}
	return Check(limits, usage)
}
