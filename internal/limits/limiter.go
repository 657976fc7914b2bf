package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptrefine/metering/internal/tier"
)

// ErrLimitExceeded signals the tier's request quota is spent for the
// current window.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Decision is the outcome of an admission check. RetryAfter is only set on
// denials and reflects the time until the current window expires.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// QuotaLimiter enforces per-(tier, account) fixed-window request quotas.
//
// The window opens at the first admitted request: INCR creates the key and
// the expiry set on creation closes the window exactly one period later.
// Because INCR is atomic, concurrent requests racing the last slot can not
// both be admitted; there is no read-check-write anywhere in this path.
type QuotaLimiter struct {
	client   *redis.Client
	policies *tier.Table
}

func NewQuotaLimiter(client *redis.Client, policies *tier.Table) *QuotaLimiter {
	return &QuotaLimiter{client: client, policies: policies}
}

// Admit consumes one quota slot for the account under its effective tier.
// Returns a denial decision with ErrLimitExceeded when the window is full.
func (l *QuotaLimiter) Admit(ctx context.Context, effective tier.Tier, accountID uuid.UUID) (Decision, error) {
	if l == nil || l.client == nil {
		return Decision{}, errors.New("quota limiter not initialized")
	}

	policy := l.policies.Lookup(effective)
	if policy.Unmetered {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := windowKey(effective, accountID)
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("increment window counter: %w", err)
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, policy.Window)
	}
	if int(cnt) > policy.Quota {
		retryAfter := policy.Window
		if ttl, err := l.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, ErrLimitExceeded
	}
	return Decision{Allowed: true, Remaining: policy.Quota - int(cnt)}, nil
}

// Refund returns one slot to the current window. Used when a request was
// admitted but never reached the external call (e.g. ledger rejection), so
// a user out of credits does not also burn down their request quota.
func (l *QuotaLimiter) Refund(ctx context.Context, effective tier.Tier, accountID uuid.UUID) {
	if l == nil || l.client == nil {
		return
	}
	if l.policies.Lookup(effective).Unmetered {
		return
	}
	l.client.Decr(ctx, windowKey(effective, accountID))
}

// WindowUsage reports the admitted count in the account's current window.
// Zero with no error means the window has not opened yet.
func (l *QuotaLimiter) WindowUsage(ctx context.Context, effective tier.Tier, accountID uuid.UUID) (int, error) {
	if l == nil || l.client == nil {
		return 0, errors.New("quota limiter not initialized")
	}
	cnt, err := l.client.Get(ctx, windowKey(effective, accountID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return cnt, nil
}

func windowKey(effective tier.Tier, accountID uuid.UUID) string {
	return fmt.Sprintf("quota:%s:%s", effective, accountID)
}
