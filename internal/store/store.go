package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/promptrefine/metering/internal/tier"
)

var (
	// ErrNotFound signals that no account matched the lookup key.
	ErrNotFound = errors.New("account not found")
	// ErrWriteConflict signals a concurrent-modification failure that the
	// caller should retry from a fresh read.
	ErrWriteConflict = errors.New("account write conflict")
)

// Account is the canonical tenant record. The identity resolver is the sole
// writer of the identifier fields; the ledger owns the balances.
type Account struct {
	ID                   uuid.UUID
	ExternalIDs          []string
	PrimaryExternalID    string
	Email                string
	Tier                 tier.Tier
	TierStatus           tier.Status
	StandardUsed         int64
	StandardRemaining    int64
	ComprehensiveCredits int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EffectiveTier applies the active/expired demotion rule.
func (a *Account) EffectiveTier() tier.Tier {
	return tier.Effective(a.Tier, a.TierStatus)
}

// HasExternalID reports whether the identifier is already reconciled onto
// the account.
func (a *Account) HasExternalID(ext string) bool {
	for _, id := range a.ExternalIDs {
		if id == ext {
			return true
		}
	}
	return false
}

// AccountStore is the persistence contract the metering core depends on.
// Balance mutations are single conditional updates: the store reports
// whether the guarded write applied so callers never read-check-write.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByExternalID(ctx context.Context, ext string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// AddExternalID appends ext to the account's identifier set (if absent)
	// and marks it primary, as one atomic, idempotent update.
	AddExternalID(ctx context.Context, id uuid.UUID, ext string) error

	// DebitStandard decrements standard_remaining and increments
	// standard_used iff the balance is positive; reports whether it applied.
	DebitStandard(ctx context.Context, id uuid.UUID) (bool, error)
	// CreditStandard reverses a DebitStandard hold.
	CreditStandard(ctx context.Context, id uuid.UUID) error
	// MarkStandardUsed bumps the reporting counter for paid-tier requests.
	MarkStandardUsed(ctx context.Context, id uuid.UUID) error

	DebitComprehensive(ctx context.Context, id uuid.UUID) (bool, error)
	CreditComprehensive(ctx context.Context, id uuid.UUID) error
}

// UsageEntry is one append-only usage log row.
type UsageEntry struct {
	AccountID        uuid.UUID
	RequestID        uuid.UUID
	Model            string
	Mode             string
	InputTokens      int64
	OutputTokens     int64
	CostUSDMicros    int64
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

// UsageStore appends usage log entries. Entries are write-once; nothing in
// this service updates or deletes them.
type UsageStore interface {
	InsertUsage(ctx context.Context, entry UsageEntry) error
}
