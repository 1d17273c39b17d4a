// Package metering runs a generation request through authentication, quota
// and rendering, and records successful renders in the usage ledger.
package metering

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ubuygold/gopdf/internal/auth"
	"github.com/ubuygold/gopdf/internal/logger"
	"github.com/ubuygold/gopdf/internal/model"
	"github.com/ubuygold/gopdf/internal/quota"
	"github.com/ubuygold/gopdf/internal/render"
)

// State is the position of a request in the metering pipeline.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateAuthenticated State = "AUTHENTICATED"
	StateQuotaChecked  State = "QUOTA_CHECKED"
	StateRendering     State = "RENDERING"
	StateRecorded      State = "RECORDED"
	StateDenied        State = "DENIED"
	StateFailed        State = "FAILED"
)

// Authenticator resolves a credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*auth.Principal, error)
}

// Ledger is the part of the usage ledger metering needs.
type Ledger interface {
	Current(ctx context.Context, apiKeyID uint) (*model.UsageRecord, error)
	RecordSuccess(ctx context.Context, apiKeyID uint, byteCount int64) (*model.UsageRecord, error)
}

// QuotaChecker decides on a plan's remaining allowance.
type QuotaChecker interface {
	Check(plan string, usage *model.UsageRecord) quota.Decision
}

// RenderFunc produces the PDF of an authorized request.
type RenderFunc func(ctx context.Context) ([]byte, error)

// Authorization is an authenticated principal allowed by its quota.
type Authorization struct {
	Principal *auth.Principal
	Decision  quota.Decision
}

// Outcome describes a finished request. It is returned on failure too, with
// State set to DENIED or FAILED.
type Outcome struct {
	RequestID string
	State     State
	Principal *auth.Principal
	PDF       []byte
	Usage     *model.UsageRecord
	// Remaining is the request allowance left after this request, or
	// quota.Unbounded.
	Remaining int64
}

// Service is the metering pipeline.
type Service struct {
	gate    Authenticator
	ledger  Ledger
	policy  QuotaChecker
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a Service. Renders taking longer than timeout fail.
func NewService(gate Authenticator, ledger Ledger, policy QuotaChecker, timeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		gate:    gate,
		ledger:  ledger,
		policy:  policy,
		timeout: timeout,
		logger:  logger.With("component", "metering"),
	}
}

// Authorize authenticates credential and checks the key's quota for the
// current period. It never writes to the ledger.
func (s *Service) Authorize(ctx context.Context, credential string) (*Authorization, error) {
	principal, err := s.gate.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return s.checkQuota(ctx, principal)
}

func (s *Service) checkQuota(ctx context.Context, principal *auth.Principal) (*Authorization, error) {
	usage, err := s.ledger.Current(ctx, principal.KeyID)
	if err != nil {
		return nil, err
	}
	decision := s.policy.Check(principal.Plan, usage)
	authz := &Authorization{Principal: principal, Decision: decision}
	if err := decision.Err(); err != nil {
		return authz, err
	}
	return authz, nil
}

// RecordSuccess adds a successful generation of byteCount bytes to the ledger.
func (s *Service) RecordSuccess(ctx context.Context, apiKeyID uint, byteCount int) (*model.UsageRecord, error) {
	return s.ledger.RecordSuccess(ctx, apiKeyID, int64(byteCount))
}

// RecordFailure notes a failed generation. Failures are not billed, so the
// ledger is left untouched.
func (s *Service) RecordFailure(ctx context.Context, apiKeyID uint, cause error) {
	s.logger.Warn("PDF generation failed",
		"request_id", logger.RequestIDFrom(ctx),
		"api_key_id", apiKeyID,
		"error", cause,
	)
}

// Run executes the full pipeline for one request.
func (s *Service) Run(ctx context.Context, credential string, renderPDF RenderFunc) (*Outcome, error) {
	requestID := logger.RequestIDFrom(ctx)
	if requestID == "" {
		requestID = logger.NewRequestID()
		ctx = logger.WithRequestID(ctx, requestID)
	}
	out := &Outcome{RequestID: requestID, State: StateReceived, Remaining: quota.Unbounded}
	log := s.logger.With("request_id", requestID)

	principal, err := s.gate.Authenticate(ctx, credential)
	if err != nil {
		advance(log, out, deniedOrFailed(err))
		return out, err
	}
	out.Principal = principal
	advance(log, out, StateAuthenticated)

	authz, err := s.checkQuota(ctx, principal)
	if authz != nil {
		out.Remaining = authz.Decision.RemainingRequests
	}
	if err != nil {
		advance(log, out, deniedOrFailed(err))
		if out.State == StateDenied {
			log.Info("Request denied by quota", "api_key_id", principal.KeyID, "error", err)
		}
		return out, err
	}
	advance(log, out, StateQuotaChecked)

	advance(log, out, StateRendering)
	start := time.Now()
	pdf, err := s.render(ctx, renderPDF)
	if err != nil {
		advance(log, out, StateFailed)
		s.RecordFailure(ctx, principal.KeyID, err)
		return out, err
	}

	// The PDF exists; bill it even if the client has gone away.
	record, err := s.RecordSuccess(context.WithoutCancel(ctx), principal.KeyID, len(pdf))
	if err != nil {
		advance(log, out, StateFailed)
		log.Error("Failed to record usage after render", "api_key_id", principal.KeyID, "error", err)
		return out, err
	}

	out.PDF = pdf
	out.Usage = record
	out.Remaining = s.policy.Check(principal.Plan, record).RemainingRequests
	advance(log, out, StateRecorded)
	log.Info("PDF generated",
		"api_key_id", principal.KeyID,
		"key_prefix", principal.KeyPrefix,
		"bytes", len(pdf),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (s *Service) render(ctx context.Context, renderPDF RenderFunc) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	pdf, err := renderPDF(ctx)
	if err != nil {
		var renderErr *render.RenderError
		var templateErr *render.TemplateError
		if errors.As(err, &renderErr) || errors.As(err, &templateErr) {
			return nil, err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &render.RenderError{Err: err, Timeout: true}
		}
		return nil, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &render.RenderError{Err: ctx.Err(), Timeout: true}
	}
	return pdf, nil
}

func advance(log *slog.Logger, out *Outcome, next State) {
	log.Debug("Request state changed", "from", out.State, "to", next)
	out.State = next
}

func deniedOrFailed(err error) State {
	var authErr *auth.AuthError
	var quotaErr *quota.QuotaExceededError
	if errors.As(err, &authErr) || errors.As(err, &quotaErr) {
		return StateDenied
	}
	return StateFailed
}
