package app

import (
	"testing"
	"time"

	"github.com/promptrefine/metering/internal/config"
	"github.com/promptrefine/metering/internal/tier"
)

func TestTierOverridesConversion(t *testing.T) {
	unmetered := true
	overrides := tierOverrides([]config.TierOverride{
		{Name: "pro", Quota: 500, Window: 720 * time.Hour},
		{Name: "enterprise", Unmetered: &unmetered},
	})
	if len(overrides) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(overrides))
	}
	if overrides[0].Tier != "pro" || overrides[0].Quota != 500 || overrides[0].Window != 720*time.Hour {
		t.Fatalf("unexpected pro override: %+v", overrides[0])
	}
	if overrides[1].Unmetered == nil || !*overrides[1].Unmetered {
		t.Fatalf("unexpected enterprise override: %+v", overrides[1])
	}

	table, err := tier.NewTable(overrides)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if got := table.Lookup(tier.Pro).Quota; got != 500 {
		t.Fatalf("pro quota = %d, want 500", got)
	}
}

func TestTierOverridesRejectUnknownTier(t *testing.T) {
	overrides := tierOverrides([]config.TierOverride{{Name: "platinum", Quota: 10}})
	if _, err := tier.NewTable(overrides); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestPricingEntriesConversion(t *testing.T) {
	entries := pricingEntries(config.PricingConfig{
		Models: []config.ModelPricing{
			{Model: "gpt-4o", InputPerMillion: 2.5, OutputPerMillion: 10},
		},
	})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Model != "gpt-4o" || entries[0].InputPerMillion != 2.5 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	if got := pricingEntries(config.PricingConfig{}); got != nil {
		t.Fatalf("expected nil for empty config, got %+v", got)
	}
}
