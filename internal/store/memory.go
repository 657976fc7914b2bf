package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process AccountStore/UsageStore used by unit tests. Guarded
// updates are serialized under one mutex, matching the atomicity the Postgres
// implementation gets from single conditional statements.
type Memory struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
	usage    []UsageEntry

	// InsertUsageErr, when set, makes InsertUsage fail. Used to exercise the
	// recorder's swallow path.
	InsertUsageErr error
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[uuid.UUID]*Account)}
}

// Put installs or replaces an account fixture.
func (m *Memory) Put(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	cp.ExternalIDs = append([]string(nil), a.ExternalIDs...)
	m.accounts[a.ID] = &cp
}

func (m *Memory) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) GetByExternalID(ctx context.Context, ext string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.HasExternalID(ext) {
			return copyAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Account
	for _, a := range m.accounts {
		if !strings.EqualFold(a.Email, email) {
			continue
		}
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return copyAccount(oldest), nil
}

func (m *Memory) AddExternalID(ctx context.Context, id uuid.UUID, ext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if !a.HasExternalID(ext) {
		a.ExternalIDs = append(a.ExternalIDs, ext)
	}
	a.PrimaryExternalID = ext
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DebitStandard(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.StandardRemaining <= 0 {
		return false, nil
	}
	a.StandardRemaining--
	a.StandardUsed++
	return true, nil
}

func (m *Memory) CreditStandard(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.StandardRemaining++
		if a.StandardUsed > 0 {
			a.StandardUsed--
		}
	}
	return nil
}

func (m *Memory) MarkStandardUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.StandardUsed++
	}
	return nil
}

func (m *Memory) DebitComprehensive(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.ComprehensiveCredits <= 0 {
		return false, nil
	}
	a.ComprehensiveCredits--
	return true, nil
}

func (m *Memory) CreditComprehensive(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.ComprehensiveCredits++
	}
	return nil
}

func (m *Memory) InsertUsage(ctx context.Context, entry UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertUsageErr != nil {
		return m.InsertUsageErr
	}
	m.usage = append(m.usage, entry)
	return nil
}

// UsageEntries returns a snapshot of everything recorded so far.
func (m *Memory) UsageEntries() []UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageEntry(nil), m.usage...)
}

func copyAccount(a *Account) *Account {
	cp := *a
	cp.ExternalIDs = append([]string(nil), a.ExternalIDs...)
	return &cp
}
