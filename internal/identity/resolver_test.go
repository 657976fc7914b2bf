package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/promptrefine/metering/internal/store"
	"github.com/promptrefine/metering/internal/tier"
)

func seedAccount(t *testing.T, m *store.Memory, email string, externalIDs ...string) store.Account {
	t.Helper()
	primary := ""
	if len(externalIDs) > 0 {
		primary = externalIDs[0]
	}
	account := store.Account{
		ID:                uuid.New(),
		ExternalIDs:       externalIDs,
		PrimaryExternalID: primary,
		Email:             email,
		Tier:              tier.Free,
		TierStatus:        tier.StatusActive,
		CreatedAt:         time.Now().UTC(),
	}
	m.Put(account)
	return account
}

func TestResolvePrefersSubjectOverEmail(t *testing.T) {
	m := store.NewMemory()
	bySubject := seedAccount(t, m, "a@example.com", "auth0|123")
	seedAccount(t, m, "shared@example.com", "legacy|999")

	resolver := NewResolver(m, nil)
	got, err := resolver.Resolve(context.Background(), "auth0|123", "", "shared@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != bySubject.ID {
		t.Fatalf("expected subject match %s, got %s", bySubject.ID, got.ID)
	}
}

func TestResolveFallsBackToUserID(t *testing.T) {
	m := store.NewMemory()
	account := seedAccount(t, m, "b@example.com", "user_42")

	resolver := NewResolver(m, nil)
	got, err := resolver.Resolve(context.Background(), "unknown-subject", "user_42", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != account.ID {
		t.Fatalf("expected user id match %s, got %s", account.ID, got.ID)
	}
}

func TestResolveEmailIsCaseInsensitive(t *testing.T) {
	m := store.NewMemory()
	account := seedAccount(t, m, "Mixed@Example.COM", "legacy|1")

	resolver := NewResolver(m, nil)
	got, err := resolver.Resolve(context.Background(), "", "", "mixed@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != account.ID {
		t.Fatalf("expected email match %s, got %s", account.ID, got.ID)
	}
}

func TestResolveReconcilesDriftedIdentifier(t *testing.T) {
	m := store.NewMemory()
	account := seedAccount(t, m, "drift@example.com", "legacy|1")

	resolver := NewResolver(m, nil)
	got, err := resolver.Resolve(context.Background(), "auth0|new", "", "drift@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.PrimaryExternalID != "auth0|new" {
		t.Fatalf("expected primary identifier updated, got %q", got.PrimaryExternalID)
	}

	// The reconciled identifier now resolves directly in step one.
	direct, err := resolver.Resolve(context.Background(), "auth0|new", "", "")
	if err != nil {
		t.Fatalf("resolve after reconcile: %v", err)
	}
	if direct.ID != account.ID {
		t.Fatalf("expected direct match after reconcile")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	m := store.NewMemory()
	account := seedAccount(t, m, "idem@example.com", "legacy|1")

	resolver := NewResolver(m, nil)
	for i := 0; i < 3; i++ {
		if _, err := resolver.Resolve(context.Background(), "auth0|x", "u_1", "idem@example.com"); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}

	stored, err := m.GetByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	count := 0
	for _, id := range stored.ExternalIDs {
		if id == "auth0|x" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one appended identifier, got %d (%v)", count, stored.ExternalIDs)
	}
}

func TestResolveAccountNotFound(t *testing.T) {
	resolver := NewResolver(store.NewMemory(), nil)
	_, err := resolver.Resolve(context.Background(), "nobody", "nobody", "nobody@example.com")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestResolveEmptyTriple(t *testing.T) {
	resolver := NewResolver(store.NewMemory(), nil)
	_, err := resolver.Resolve(context.Background(), "", "", "")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for empty triple, got %v", err)
	}
}
