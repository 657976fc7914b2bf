package httpserver

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/promptrefine/metering/internal/app"
	"github.com/promptrefine/metering/internal/httpserver/httputil"
	"github.com/promptrefine/metering/internal/identity"
	"github.com/promptrefine/metering/internal/meter"
	"github.com/promptrefine/metering/internal/requestctx"
	"github.com/promptrefine/metering/internal/store"
)

const (
	headerSubject = "X-Caller-Subject"
	headerUserID  = "X-Caller-User-Id"
	headerEmail   = "X-Caller-Email"
)

type optimizeRequest struct {
	Prompt        string `json:"prompt"`
	Context       string `json:"context"`
	Model         string `json:"model"`
	Comprehensive bool   `json:"comprehensive"`
}

type optimizeResponse struct {
	AccountID        string `json:"account_id"`
	OptimizedPrompt  string `json:"optimized_prompt"`
	Model            string `json:"model"`
	Mode             string `json:"mode"`
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	CostUSDMicros    int64  `json:"cost_usd_micros"`
	Remaining        int    `json:"remaining"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

type balanceResponse struct {
	AccountID            string `json:"account_id"`
	Tier                 string `json:"tier"`
	TierStatus           string `json:"tier_status"`
	WindowUsed           int    `json:"window_used"`
	WindowQuota          int64  `json:"window_quota"`
	Unmetered            bool   `json:"unmetered"`
	StandardRemaining    int64  `json:"standard_remaining"`
	StandardUsed         int64  `json:"standard_used"`
	ComprehensiveCredits int64  `json:"comprehensive_credits"`
}

func registerAPIRoutes(router *fiber.App, container *app.Container) {
	v1 := router.Group("/v1", callerContextMiddleware)

	v1.Post("/optimize", func(c *fiber.Ctx) error {
		rc, _ := requestctx.FromContext(c.UserContext())
		if rc == nil || (rc.Subject == "" && rc.UserID == "" && rc.Email == "") {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "caller identity headers required")
		}

		var body optimizeRequest
		if err := c.BodyParser(&body); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if strings.TrimSpace(body.Prompt) == "" {
			return httputil.WriteError(c, fiber.StatusBadRequest, "prompt is required")
		}

		result, err := container.Meter.Optimize(c.UserContext(), meter.Request{
			Subject:       rc.Subject,
			UserID:        rc.UserID,
			Email:         rc.Email,
			RequestID:     rc.RequestID,
			Prompt:        body.Prompt,
			Context:       body.Context,
			Model:         body.Model,
			Comprehensive: body.Comprehensive,
		})
		if err != nil {
			return writeMeterError(c, err)
		}

		return c.Status(fiber.StatusOK).JSON(optimizeResponse{
			AccountID:        result.AccountID.String(),
			OptimizedPrompt:  result.OptimizedPrompt,
			Model:            result.Model,
			Mode:             string(result.Mode),
			InputTokens:      result.InputTokens,
			OutputTokens:     result.OutputTokens,
			CostUSDMicros:    result.CostUSDMicros,
			Remaining:        result.Remaining,
			ProcessingTimeMs: result.ProcessingTime.Milliseconds(),
		})
	})

	v1.Get("/accounts/:id/balance", func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid account id")
		}

		balance, err := container.Meter.AccountBalance(c.UserContext(), id)
		if err != nil {
			return writeMeterError(c, err)
		}

		return c.Status(fiber.StatusOK).JSON(balanceResponse{
			AccountID:            balance.Account.ID.String(),
			Tier:                 string(balance.Tier),
			TierStatus:           string(balance.Account.TierStatus),
			WindowUsed:           balance.WindowUsed,
			WindowQuota:          balance.WindowQuota,
			Unmetered:            balance.Unmetered,
			StandardRemaining:    balance.Account.StandardRemaining,
			StandardUsed:         balance.Account.StandardUsed,
			ComprehensiveCredits: balance.Account.ComprehensiveCredits,
		})
	})
}

// callerContextMiddleware lifts caller identity headers into the typed
// request context so downstream services never touch transport types.
func callerContextMiddleware(c *fiber.Ctx) error {
	rc := &requestctx.Context{
		RequestID: requestIDFromLocals(c),
		Subject:   strings.TrimSpace(c.Get(headerSubject)),
		UserID:    strings.TrimSpace(c.Get(headerUserID)),
		Email:     strings.TrimSpace(c.Get(headerEmail)),
	}
	c.Locals(requestctx.FiberLocalsKey(), rc)
	c.SetUserContext(requestctx.WithContext(c.UserContext(), rc))
	return c.Next()
}

func requestIDFromLocals(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return ""
}

func writeMeterError(c *fiber.Ctx, err error) error {
	var denied *meter.DeniedError
	switch {
	case errors.As(err, &denied):
		status := fiber.StatusTooManyRequests
		switch denied.Reason {
		case meter.DenyInsufficientCredit:
			status = fiber.StatusPaymentRequired
		case meter.DenyNotEligible:
			status = fiber.StatusForbidden
		}
		if denied.RetryAfter > 0 {
			seconds := int64(denied.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(seconds, 10))
		}
		return c.Status(status).JSON(fiber.Map{
			"error":               denied.Message,
			"kind":                string(denied.Reason),
			"tier":                string(denied.Tier),
			"retry_after_seconds": int64(denied.RetryAfter.Seconds()),
		})
	case errors.Is(err, identity.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		return httputil.WriteError(c, fiber.StatusNotFound, "account not found")
	default:
		return httputil.WriteError(c, fiber.StatusBadGateway, "optimization failed")
	}
}
