// Package ledger tracks the two decrementing balances each account carries:
// the free-tier standard allowance and the tier-independent pool of
// comprehensive credits.
//
// Balance changes follow a reserve/commit/release discipline. A reservation
// places the hold (the guarded decrement) before the external optimization
// call; commit finalizes it afterwards, and release refunds it when the call
// fails or the caller goes away. A failed call therefore never consumes a
// credit, and no ledger state is held locked across the call itself.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/promptrefine/metering/internal/store"
	"github.com/promptrefine/metering/internal/tier"
)

// Mode selects which balance a request draws from.
type Mode string

const (
	ModeStandard      Mode = "standard"
	ModeComprehensive Mode = "comprehensive"
)

// ErrInsufficientCredit is the sentinel wrapped by InsufficientCreditError.
var ErrInsufficientCredit = errors.New("insufficient credit")

// InsufficientCreditError carries enough structure for the caller to render
// an actionable message: which pool ran dry and whether the tier was even
// eligible for it.
type InsufficientCreditError struct {
	Mode     Mode
	Tier     tier.Tier
	Eligible bool
}

func (e *InsufficientCreditError) Error() string {
	if e.Mode == ModeComprehensive && !e.Eligible {
		return fmt.Sprintf("tier %s is not eligible for comprehensive optimization", e.Tier)
	}
	return fmt.Sprintf("insufficient %s credit on tier %s", e.Mode, e.Tier)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

const (
	debitAttempts = 3
	debitBackoff  = 25 * time.Millisecond
)

// Reservation is a provisional hold that must be committed or released
// exactly once. Settling twice is a no-op.
type Reservation struct {
	AccountID uuid.UUID
	Mode      Mode
	Tier      tier.Tier

	debited bool
	settled atomic.Bool
}

// Ledger mediates balance checks and decrements against the account store.
type Ledger struct {
	accounts store.AccountStore
	policies *tier.Table
}

func New(accounts store.AccountStore, policies *tier.Table) *Ledger {
	return &Ledger{accounts: accounts, policies: policies}
}

// CheckAndReserve validates the account's balance for the requested mode and
// places the hold. The decrement is a single conditional update in the
// store, so concurrent reservations racing the last credit cannot both
// succeed.
func (l *Ledger) CheckAndReserve(ctx context.Context, account *store.Account, mode Mode) (*Reservation, error) {
	if l == nil || l.accounts == nil {
		return nil, errors.New("ledger not initialized")
	}
	if account == nil {
		return nil, errors.New("account is required")
	}

	effective := account.EffectiveTier()
	res := &Reservation{AccountID: account.ID, Mode: mode, Tier: effective}

	switch mode {
	case ModeStandard:
		if effective != tier.Free {
			// Paid tiers are gated by the rate limiter alone; usage is
			// counted at commit for reporting and never blocks.
			return res, nil
		}
		ok, err := l.debit(ctx, l.accounts.DebitStandard, account.ID)
		if err != nil {
			return nil, fmt.Errorf("reserve standard credit: %w", err)
		}
		if !ok {
			return nil, &InsufficientCreditError{Mode: ModeStandard, Tier: effective, Eligible: true}
		}
		res.debited = true
		return res, nil

	case ModeComprehensive:
		if !l.policies.Lookup(effective).ComprehensiveEligible {
			return nil, &InsufficientCreditError{Mode: ModeComprehensive, Tier: effective, Eligible: false}
		}
		ok, err := l.debit(ctx, l.accounts.DebitComprehensive, account.ID)
		if err != nil {
			return nil, fmt.Errorf("reserve comprehensive credit: %w", err)
		}
		if !ok {
			return nil, &InsufficientCreditError{Mode: ModeComprehensive, Tier: effective, Eligible: true}
		}
		res.debited = true
		return res, nil
	}

	return nil, fmt.Errorf("unknown ledger mode %q", mode)
}

// Commit finalizes a reservation after a confirmed successful external call.
func (l *Ledger) Commit(ctx context.Context, res *Reservation) error {
	if res == nil || !res.settled.CompareAndSwap(false, true) {
		return nil
	}
	if res.Mode == ModeStandard && !res.debited {
		// Reporting-only counter for paid tiers.
		if err := l.accounts.MarkStandardUsed(ctx, res.AccountID); err != nil {
			return fmt.Errorf("mark standard usage: %w", err)
		}
	}
	return nil
}

// Release refunds the hold when the external call failed, timed out, or the
// caller disconnected. The pre-reservation balance is restored.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.settled.CompareAndSwap(false, true) {
		return nil
	}
	if !res.debited {
		return nil
	}
	switch res.Mode {
	case ModeStandard:
		if err := l.accounts.CreditStandard(ctx, res.AccountID); err != nil {
			return fmt.Errorf("release standard credit: %w", err)
		}
	case ModeComprehensive:
		if err := l.accounts.CreditComprehensive(ctx, res.AccountID); err != nil {
			return fmt.Errorf("release comprehensive credit: %w", err)
		}
	}
	return nil
}

// debit retries conditional updates that surfaced a write conflict, always
// re-issuing the guarded statement rather than trusting any prior read.
func (l *Ledger) debit(ctx context.Context, op func(context.Context, uuid.UUID) (bool, error), id uuid.UUID) (bool, error) {
	var err error
	for attempt := 0; attempt < debitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(debitBackoff << attempt):
			}
		}
		var ok bool
		ok, err = op(ctx, id)
		if err == nil {
			return ok, nil
		}
		if !errors.Is(err, store.ErrWriteConflict) {
			return false, err
		}
	}
	return false, err
}
