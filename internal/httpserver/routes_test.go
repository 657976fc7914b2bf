package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptrefine/metering/internal/app"
	"github.com/promptrefine/metering/internal/config"
	"github.com/promptrefine/metering/internal/identity"
	"github.com/promptrefine/metering/internal/ledger"
	"github.com/promptrefine/metering/internal/limits"
	"github.com/promptrefine/metering/internal/meter"
	"github.com/promptrefine/metering/internal/optimizer"
	"github.com/promptrefine/metering/internal/pricing"
	"github.com/promptrefine/metering/internal/store"
	"github.com/promptrefine/metering/internal/tier"
	"github.com/promptrefine/metering/internal/usagelog"
)

type stubEngine struct{}

func (stubEngine) Optimize(ctx context.Context, req optimizer.Request) (optimizer.Result, error) {
	return optimizer.Result{
		OptimizedPrompt: "optimized: " + req.Prompt,
		Model:           "gpt-4o-mini",
		InputTokens:     100,
		OutputTokens:    50,
	}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()

	redisServer, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(redisServer.Close)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
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

	limiter := limits.NewQuotaLimiter(client, policies)
	meterSvc := meter.New(meter.Deps{
		Resolver:  identity.NewResolver(mem, nil),
		Accounts:  mem,
		Policies:  policies,
		Limiter:   limiter,
		Ledger:    ledger.New(mem, policies),
		Engine:    stubEngine{},
		Estimator: estimator,
		Recorder:  usagelog.NewRecorder(mem, nil, nil),
	})

	container := &app.Container{
		Config: &config.Config{
			Server: config.ServerConfig{ListenAddr: ":0", BodyLimitMB: 1},
		},
		Redis:    client,
		Accounts: mem,
		Policies: policies,
		Limiter:  limiter,
		Meter:    meterSvc,
	}

	srv, err := New(container)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	return srv, mem
}

func seedFreeAccount(mem *store.Memory) uuid.UUID {
	id := uuid.New()
	mem.Put(store.Account{
		ID:                id,
		ExternalIDs:       []string{"sub-1"},
		PrimaryExternalID: "sub-1",
		Email:             "user@example.com",
		Tier:              tier.Free,
		TierStatus:        tier.StatusActive,
		StandardRemaining: 3,
	})
	return id
}

func postOptimize(t *testing.T, srv *Server, subject string, body map[string]any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set(headerSubject, subject)
	}
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func TestOptimizeEndpoint(t *testing.T) {
	srv, mem := newTestServer(t)
	seedFreeAccount(mem)

	resp := postOptimize(t, srv, "sub-1", map[string]any{"prompt": "write a haiku"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body optimizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.OptimizedPrompt != "optimized: write a haiku" {
		t.Fatalf("unexpected optimized prompt %q", body.OptimizedPrompt)
	}
	if body.Mode != "standard" {
		t.Fatalf("mode = %q, want standard", body.Mode)
	}
	if body.CostUSDMicros <= 0 {
		t.Fatalf("expected positive cost, got %d", body.CostUSDMicros)
	}
}

func TestOptimizeEndpointRequiresIdentity(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postOptimize(t, srv, "", map[string]any{"prompt": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestOptimizeEndpointRequiresPrompt(t *testing.T) {
	srv, mem := newTestServer(t)
	seedFreeAccount(mem)
	resp := postOptimize(t, srv, "sub-1", map[string]any{"prompt": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOptimizeEndpointRateLimit(t *testing.T) {
	srv, mem := newTestServer(t)
	seedFreeAccount(mem)

	for i := 0; i < 3; i++ {
		resp := postOptimize(t, srv, "sub-1", map[string]any{"prompt": "hi"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, resp.StatusCode)
		}
	}

	resp := postOptimize(t, srv, "sub-1", map[string]any{"prompt": "hi"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["kind"] != "rate_limited" {
		t.Fatalf("kind = %v, want rate_limited", body["kind"])
	}
	if body["tier"] != "free" {
		t.Fatalf("tier = %v, want free", body["tier"])
	}
}

func TestOptimizeEndpointUnknownCaller(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postOptimize(t, srv, "ghost", map[string]any{"prompt": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	srv, mem := newTestServer(t)
	id := seedFreeAccount(mem)

	postOptimize(t, srv, "sub-1", map[string]any{"prompt": "hi"})

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/"+id.String()+"/balance", nil)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Tier != "free" || body.WindowUsed != 1 || body.WindowQuota != 3 {
		t.Fatalf("unexpected balance: %+v", body)
	}
	if body.StandardRemaining != 2 {
		t.Fatalf("standard remaining = %d, want 2", body.StandardRemaining)
	}
}

func TestBalanceEndpointUnknownAccount(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/"+uuid.NewString()+"/balance", nil)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
