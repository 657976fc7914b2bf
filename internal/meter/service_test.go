package meter

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptrefine/metering/internal/identity"
	"github.com/promptrefine/metering/internal/ledger"
	"github.com/promptrefine/metering/internal/limits"
	"github.com/promptrefine/metering/internal/optimizer"
	"github.com/promptrefine/metering/internal/pricing"
	"github.com/promptrefine/metering/internal/store"
	"github.com/promptrefine/metering/internal/tier"
	"github.com/promptrefine/metering/internal/usagelog"
)

type fakeEngine struct {
	result optimizer.Result
	err    error
	calls  int
}

func (f *fakeEngine) Optimize(ctx context.Context, req optimizer.Request) (optimizer.Result, error) {
	f.calls++
	if f.err != nil {
		return optimizer.Result{}, f.err
	}
	res := f.result
	if res.Model == "" {
		res.Model = "gpt-4o-mini"
	}
	if res.OptimizedPrompt == "" {
		res.OptimizedPrompt = "optimized: " + req.Prompt
	}
	return res, nil
}

func newTestService(t *testing.T, engine optimizer.Engine) (*Service, *store.Memory) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policies, err := tier.NewTable(nil)
	if err != nil {
		t.Fatalf("build policy table: %v", err)
	}
	mem := store.NewMemory()
	estimator, err := pricing.NewEstimator(nil, "")
	if err != nil {
		t.Fatalf("build estimator: %v", err)
	}

	svc := New(Deps{
		Resolver:  identity.NewResolver(mem, nil),
		Accounts:  mem,
		Policies:  policies,
		Limiter:   limits.NewQuotaLimiter(client, policies),
		Ledger:    ledger.New(mem, policies),
		Engine:    engine,
		Estimator: estimator,
		Recorder:  usagelog.NewRecorder(mem, nil, nil),
	})
	return svc, mem
}

func freeAccount(id uuid.UUID) store.Account {
	return store.Account{
		ID:                id,
		ExternalIDs:       []string{"sub-free"},
		PrimaryExternalID: "sub-free",
		Email:             "free@example.com",
		Tier:              tier.Free,
		TierStatus:        tier.StatusActive,
		StandardRemaining: 3,
	}
}

func TestOptimizeFreeTierExhaustsAfterThree(t *testing.T) {
	engine := &fakeEngine{}
	svc, mem := newTestService(t, engine)
	id := uuid.New()
	mem.Put(freeAccount(id))

	req := Request{Subject: "sub-free", Prompt: "write a poem"}
	for i := 0; i < 3; i++ {
		res, err := svc.Optimize(context.Background(), req)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if res.OptimizedPrompt == "" {
			t.Fatalf("request %d: empty result", i+1)
		}
	}

	_, err := svc.Optimize(context.Background(), req)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != DenyRateLimited {
		t.Fatalf("expected rate limit denial, got %s", denied.Reason)
	}
	if denied.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", denied.RetryAfter)
	}
	if engine.calls != 3 {
		t.Fatalf("engine called %d times, want 3", engine.calls)
	}
	if got := len(mem.UsageEntries()); got != 3 {
		t.Fatalf("usage entries = %d, want 3", got)
	}
}

func TestOptimizeEngineFailureReleasesCreditAndSlot(t *testing.T) {
	engine := &fakeEngine{err: errors.New("upstream timeout")}
	svc, mem := newTestService(t, engine)
	id := uuid.New()
	mem.Put(freeAccount(id))

	req := Request{Subject: "sub-free", Prompt: "write a poem"}
	if _, err := svc.Optimize(context.Background(), req); err == nil {
		t.Fatal("expected engine error")
	}

	account, err := mem.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if account.StandardRemaining != 3 {
		t.Fatalf("failed call consumed credit: remaining = %d", account.StandardRemaining)
	}
	if got := len(mem.UsageEntries()); got != 0 {
		t.Fatalf("failed call recorded usage: %d entries", got)
	}

	// The window slot was refunded, so three successes must still fit.
	engine.err = nil
	for i := 0; i < 3; i++ {
		if _, err := svc.Optimize(context.Background(), req); err != nil {
			t.Fatalf("request %d after recovery: %v", i+1, err)
		}
	}
}

func TestOptimizeCanceledProTreatedAsFree(t *testing.T) {
	engine := &fakeEngine{}
	svc, mem := newTestService(t, engine)
	id := uuid.New()
	mem.Put(store.Account{
		ID:                id,
		ExternalIDs:       []string{"sub-pro"},
		PrimaryExternalID: "sub-pro",
		Email:             "pro@example.com",
		Tier:              tier.Pro,
		TierStatus:        tier.StatusCanceled,
		StandardRemaining: 3,
	})

	req := Request{Subject: "sub-pro", Prompt: "improve this"}
	for i := 0; i < 3; i++ {
		if _, err := svc.Optimize(context.Background(), req); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	_, err := svc.Optimize(context.Background(), req)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Tier != tier.Free {
		t.Fatalf("expected free-tier denial for canceled subscription, got %s", denied.Tier)
	}
}

func TestOptimizeComprehensiveRequiresEligibleTier(t *testing.T) {
	engine := &fakeEngine{}
	svc, mem := newTestService(t, engine)
	id := uuid.New()
	mem.Put(store.Account{
		ID:                   id,
		ExternalIDs:          []string{"sub-basic"},
		PrimaryExternalID:    "sub-basic",
		Email:                "basic@example.com",
		Tier:                 tier.Basic,
		TierStatus:           tier.StatusActive,
		StandardRemaining:    100,
		ComprehensiveCredits: 5,
	})

	_, err := svc.Optimize(context.Background(), Request{
		Subject:       "sub-basic",
		Prompt:        "improve this",
		Comprehensive: true,
	})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != DenyNotEligible {
		t.Fatalf("expected eligibility denial, got %s", denied.Reason)
	}

	account, _ := mem.GetByID(context.Background(), id)
	if account.ComprehensiveCredits != 5 {
		t.Fatalf("ineligible request consumed premium credit: %d", account.ComprehensiveCredits)
	}
	if engine.calls != 0 {
		t.Fatal("engine called for an ineligible request")
	}
}

func TestOptimizeComprehensiveSpendsPremiumCredit(t *testing.T) {
	engine := &fakeEngine{result: optimizer.Result{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500}}
	svc, mem := newTestService(t, engine)
	id := uuid.New()
	mem.Put(store.Account{
		ID:                   id,
		ExternalIDs:          []string{"sub-pro"},
		PrimaryExternalID:    "sub-pro",
		Email:                "pro@example.com",
		Tier:                 tier.Pro,
		TierStatus:           tier.StatusActive,
		StandardRemaining:    100,
		ComprehensiveCredits: 2,
	})

	res, err := svc.Optimize(context.Background(), Request{
		Subject:       "sub-pro",
		Prompt:        "improve this",
		Comprehensive: true,
	})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Mode != ledger.ModeComprehensive {
		t.Fatalf("mode = %s, want comprehensive", res.Mode)
	}
	if res.CostUSDMicros <= 0 {
		t.Fatalf("expected positive cost, got %d", res.CostUSDMicros)
	}

	account, _ := mem.GetByID(context.Background(), id)
	if account.ComprehensiveCredits != 1 {
		t.Fatalf("premium credits = %d, want 1", account.ComprehensiveCredits)
	}
	entries := mem.UsageEntries()
	if len(entries) != 1 || entries[0].Mode != "comprehensive" {
		t.Fatalf("unexpected usage entries: %+v", entries)
	}
}

func TestOptimizeUnknownCaller(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{})
	_, err := svc.Optimize(context.Background(), Request{Subject: "nobody", Prompt: "hi"})
	if !errors.Is(err, identity.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountBalance(t *testing.T) {
	engine := &fakeEngine{}
	svc, mem := newTestService(t, engine)
	id := uuid.New()
	mem.Put(freeAccount(id))

	if _, err := svc.Optimize(context.Background(), Request{Subject: "sub-free", Prompt: "hi"}); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	balance, err := svc.AccountBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("AccountBalance: %v", err)
	}
	if balance.Tier != tier.Free {
		t.Fatalf("tier = %s, want free", balance.Tier)
	}
	if balance.WindowUsed != 1 {
		t.Fatalf("window used = %d, want 1", balance.WindowUsed)
	}
	if balance.WindowQuota != 3 {
		t.Fatalf("window quota = %d, want 3", balance.WindowQuota)
	}
	if balance.Account.StandardRemaining != 2 {
		t.Fatalf("standard remaining = %d, want 2", balance.Account.StandardRemaining)
	}
	if time.Since(balance.Account.UpdatedAt) < 0 {
		t.Fatal("updated_at in the future")
	}
}
