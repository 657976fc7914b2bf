// Package identity maps inbound caller identifiers onto canonical accounts.
//
// Callers arrive with up to three identifiers: the authenticated subject,
// a client-supplied user id, and an email address. Historically users moved
// between authentication back-ends, so one account can own several external
// identifiers. Resolution follows a strict priority order and reconciles
// drifted identifiers back onto the account it finds.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/promptrefine/metering/internal/store"
)

// ErrAccountNotFound is fatal for the calling request: this component never
// provisions accounts.
var ErrAccountNotFound = errors.New("account not found")

const (
	reconcileAttempts = 3
	reconcileBackoff  = 25 * time.Millisecond
)

// Resolver looks up accounts by external identifier or email.
type Resolver struct {
	accounts store.AccountStore
	logger   *slog.Logger
}

func NewResolver(accounts store.AccountStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{accounts: accounts, logger: logger}
}

// Resolve returns the canonical account for the caller, trying in order:
// authenticated subject, fallback user id, then normalized email. An email
// hit reconciles the caller's identifier onto the account so the next
// request resolves in step one.
func (r *Resolver) Resolve(ctx context.Context, subject, userID, email string) (*store.Account, error) {
	if r == nil || r.accounts == nil {
		return nil, errors.New("identity resolver not initialized")
	}

	subject = strings.TrimSpace(subject)
	userID = strings.TrimSpace(userID)
	email = strings.ToLower(strings.TrimSpace(email))

	if subject != "" {
		account, err := r.accounts.GetByExternalID(ctx, subject)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup by subject: %w", err)
		}
	}

	if userID != "" {
		account, err := r.accounts.GetByExternalID(ctx, userID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup by user id: %w", err)
		}
	}

	if email != "" {
		account, err := r.accounts.GetByEmail(ctx, email)
		if err == nil {
			return r.reconcile(ctx, account, subject, userID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
	}

	return nil, ErrAccountNotFound
}

// reconcile appends the caller's identifier to the account found via email
// and marks it primary. The store update is a single idempotent statement,
// so resolving the same drifted identity twice converges on one state.
func (r *Resolver) reconcile(ctx context.Context, account *store.Account, subject, userID string) (*store.Account, error) {
	callerID := subject
	if callerID == "" {
		callerID = userID
	}
	if callerID == "" || account.PrimaryExternalID == callerID {
		return account, nil
	}

	var err error
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reconcileBackoff << attempt):
			}
		}
		err = r.accounts.AddExternalID(ctx, account.ID, callerID)
		if err == nil {
			if !account.HasExternalID(callerID) {
				account.ExternalIDs = append(account.ExternalIDs, callerID)
			}
			account.PrimaryExternalID = callerID
			r.logger.Info("reconciled drifted identifier",
				slog.String("account_id", account.ID.String()),
				slog.String("external_id", callerID))
			return account, nil
		}
		if !errors.Is(err, store.ErrWriteConflict) {
			break
		}
	}
	return nil, fmt.Errorf("reconcile identifier: %w", err)
}
