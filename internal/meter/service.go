// Package meter coordinates one optimization request end to end: identity
// resolution, rate-limit admission, credit reservation, the upstream engine
// call, and final settlement plus usage recording.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptrefine/metering/internal/identity"
	"github.com/promptrefine/metering/internal/ledger"
	"github.com/promptrefine/metering/internal/limits"
	"github.com/promptrefine/metering/internal/optimizer"
	"github.com/promptrefine/metering/internal/pricing"
	"github.com/promptrefine/metering/internal/store"
	"github.com/promptrefine/metering/internal/tier"
	"github.com/promptrefine/metering/internal/usagelog"
)

// DenyReason classifies why a request was refused before reaching the engine.
type DenyReason string

const (
	DenyRateLimited        DenyReason = "rate_limited"
	DenyInsufficientCredit DenyReason = "insufficient_credit"
	DenyNotEligible        DenyReason = "not_eligible"
)

// DeniedError carries the caller-facing refusal. Message is safe to return
// verbatim to end users.
type DeniedError struct {
	Reason     DenyReason
	Tier       tier.Tier
	Message    string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string { return e.Message }

// Metrics is the slice of the observability provider the service records to.
type Metrics interface {
	RecordAdmission(tier, decision string)
	RecordCreditSpend(mode string)
	RecordEngineLatency(model, mode string, status int, duration time.Duration)
	RecordTokens(model, mode string, promptTokens, completionTokens int64)
}

// Request is one caller-submitted optimization.
type Request struct {
	Subject string
	UserID  string
	Email   string

	RequestID     string
	Prompt        string
	Context       string
	Model         string
	Comprehensive bool
}

// Result is a completed, committed optimization.
type Result struct {
	AccountID       uuid.UUID
	OptimizedPrompt string
	Model           string
	Mode            ledger.Mode
	InputTokens     int64
	OutputTokens    int64
	CostUSDMicros   int64
	Remaining       int
	ProcessingTime  time.Duration
}

// Balance is a point-in-time snapshot of an account's entitlements.
type Balance struct {
	Account     *store.Account
	Tier        tier.Tier
	WindowUsed  int
	WindowQuota int64
	Unmetered   bool
}

type Service struct {
	resolver  *identity.Resolver
	accounts  store.AccountStore
	policies  *tier.Table
	limiter   *limits.QuotaLimiter
	ledger    *ledger.Ledger
	engine    optimizer.Engine
	estimator *pricing.Estimator
	recorder  *usagelog.Recorder
	metrics   Metrics
	logger    *slog.Logger
}

type Deps struct {
	Resolver  *identity.Resolver
	Accounts  store.AccountStore
	Policies  *tier.Table
	Limiter   *limits.QuotaLimiter
	Ledger    *ledger.Ledger
	Engine    optimizer.Engine
	Estimator *pricing.Estimator
	Recorder  *usagelog.Recorder
	Metrics   Metrics
	Logger    *slog.Logger
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver:  deps.Resolver,
		accounts:  deps.Accounts,
		policies:  deps.Policies,
		limiter:   deps.Limiter,
		ledger:    deps.Ledger,
		engine:    deps.Engine,
		estimator: deps.Estimator,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Optimize runs the full admission pipeline and, when admitted, the upstream
// engine call. Refusals surface as *DeniedError or identity.ErrAccountNotFound;
// anything else is an internal failure.
func (s *Service) Optimize(ctx context.Context, req Request) (*Result, error) {
	if s == nil {
		return nil, errors.New("meter service not configured")
	}

	account, err := s.resolver.Resolve(ctx, req.Subject, req.UserID, req.Email)
	if err != nil {
		return nil, err
	}
	effective := account.EffectiveTier()

	decision, err := s.limiter.Admit(ctx, effective, account.ID)
	if err != nil {
		if errors.Is(err, limits.ErrLimitExceeded) {
			s.recordAdmission(effective, "rate_limited")
			return nil, s.rateLimitDenial(effective, decision)
		}
		return nil, fmt.Errorf("admission check: %w", err)
	}

	mode := ledger.ModeStandard
	if req.Comprehensive {
		mode = ledger.ModeComprehensive
	}

	reservation, err := s.ledger.CheckAndReserve(ctx, account, mode)
	if err != nil {
		// The admission slot was consumed but no work will happen.
		s.limiter.Refund(ctx, effective, account.ID)
		var insufficient *ledger.InsufficientCreditError
		if errors.As(err, &insufficient) {
			return nil, s.creditDenial(insufficient)
		}
		return nil, fmt.Errorf("reserve credit: %w", err)
	}

	start := time.Now()
	engineResult, err := s.engine.Optimize(ctx, optimizer.Request{
		Prompt:        req.Prompt,
		Context:       req.Context,
		Comprehensive: req.Comprehensive,
		Model:         req.Model,
	})
	elapsed := time.Since(start)
	if err != nil {
		// Settle against a detached context so a caller hang-up still
		// returns the reserved credit and the window slot.
		settleCtx := context.WithoutCancel(ctx)
		if relErr := s.ledger.Release(settleCtx, reservation); relErr != nil {
			s.logger.Error("release reservation after engine failure",
				"account_id", account.ID, "mode", string(mode), "error", relErr)
		}
		s.limiter.Refund(settleCtx, effective, account.ID)
		s.recordEngineLatency(engineResult.Model, mode, 0, elapsed)
		return nil, fmt.Errorf("optimization engine: %w", err)
	}

	settleCtx := context.WithoutCancel(ctx)
	if err := s.ledger.Commit(settleCtx, reservation); err != nil {
		s.logger.Warn("commit reservation",
			"account_id", account.ID, "mode", string(mode), "error", err)
	}

	s.recordAdmission(effective, "allowed")
	if s.metrics != nil {
		s.metrics.RecordCreditSpend(string(mode))
		s.metrics.RecordTokens(engineResult.Model, string(mode), engineResult.InputTokens, engineResult.OutputTokens)
	}
	s.recordEngineLatency(engineResult.Model, mode, 200, elapsed)

	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		requestID = uuid.New()
	}
	cost := s.estimator.EstimateUSDMicros(engineResult.InputTokens, engineResult.OutputTokens, engineResult.Model)
	s.recorder.Record(settleCtx, store.UsageEntry{
		AccountID:        account.ID,
		RequestID:        requestID,
		Model:            engineResult.Model,
		Mode:             string(mode),
		InputTokens:      engineResult.InputTokens,
		OutputTokens:     engineResult.OutputTokens,
		CostUSDMicros:    cost,
		ProcessingTimeMs: elapsed.Milliseconds(),
	})

	return &Result{
		AccountID:       account.ID,
		OptimizedPrompt: engineResult.OptimizedPrompt,
		Model:           engineResult.Model,
		Mode:            mode,
		InputTokens:     engineResult.InputTokens,
		OutputTokens:    engineResult.OutputTokens,
		CostUSDMicros:   cost,
		Remaining:       decision.Remaining,
		ProcessingTime:  elapsed,
	}, nil
}

// AccountBalance reports the account's current credit state and window usage.
func (s *Service) AccountBalance(ctx context.Context, id uuid.UUID) (*Balance, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	effective := account.EffectiveTier()
	policy := s.policies.Lookup(effective)

	used, err := s.limiter.WindowUsage(ctx, effective, account.ID)
	if err != nil {
		return nil, fmt.Errorf("window usage: %w", err)
	}
	return &Balance{
		Account:     account,
		Tier:        effective,
		WindowUsed:  used,
		WindowQuota: int64(policy.Quota),
		Unmetered:   policy.Unmetered,
	}, nil
}

func (s *Service) rateLimitDenial(effective tier.Tier, decision limits.Decision) *DeniedError {
	msg := "Rate limit exceeded. Please retry later."
	if effective == tier.Free {
		msg = "You have used all free optimizations for this period. Upgrade your plan for higher limits."
	}
	return &DeniedError{
		Reason:     DenyRateLimited,
		Tier:       effective,
		Message:    msg,
		RetryAfter: decision.RetryAfter,
	}
}

func (s *Service) creditDenial(err *ledger.InsufficientCreditError) *DeniedError {
	switch {
	case err.Mode == ledger.ModeComprehensive && !err.Eligible:
		s.recordAdmission(err.Tier, "insufficient_credit")
		return &DeniedError{
			Reason:  DenyNotEligible,
			Tier:    err.Tier,
			Message: "Comprehensive optimization requires a Pro plan or higher.",
		}
	case err.Mode == ledger.ModeComprehensive:
		s.recordAdmission(err.Tier, "insufficient_credit")
		return &DeniedError{
			Reason:  DenyInsufficientCredit,
			Tier:    err.Tier,
			Message: "No premium credits remaining.",
		}
	default:
		s.recordAdmission(err.Tier, "insufficient_credit")
		msg := "Optimization credits exhausted. Please retry after your window resets."
		if err.Tier == tier.Free {
			msg = "You have used all free optimizations for this period. Upgrade your plan for more."
		}
		return &DeniedError{
			Reason:  DenyInsufficientCredit,
			Tier:    err.Tier,
			Message: msg,
		}
	}
}

func (s *Service) recordAdmission(effective tier.Tier, decision string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordAdmission(string(effective), decision)
}

func (s *Service) recordEngineLatency(model string, mode ledger.Mode, status int, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	if model == "" {
		model = "unknown"
	}
	s.metrics.RecordEngineLatency(model, string(mode), status, elapsed)
}
