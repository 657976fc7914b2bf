package usagelog

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/promptrefine/metering/internal/store"
)

type captureSink struct {
	entries []store.UsageEntry
	errs    []error
}

func (c *captureSink) ReportWriteFailure(_ context.Context, entry store.UsageEntry, err error) {
	c.entries = append(c.entries, entry)
	c.errs = append(c.errs, err)
}

type countingMetrics struct {
	failures int
}

func (m *countingMetrics) RecordUsageLogFailure() { m.failures++ }

func TestRecordAppendsEntry(t *testing.T) {
	m := store.NewMemory()
	rec := NewRecorder(m, &captureSink{}, nil)

	entry := store.UsageEntry{
		AccountID:    uuid.New(),
		RequestID:    uuid.New(),
		Model:        "gpt-4o-mini",
		Mode:         "standard",
		InputTokens:  120,
		OutputTokens: 80,
	}
	rec.Record(context.Background(), entry)

	entries := m.UsageEntries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatalf("recorder must stamp created_at")
	}
	if entries[0].RequestID != entry.RequestID {
		t.Fatalf("entry mismatch")
	}
}

func TestRecordSwallowsWriteFailure(t *testing.T) {
	m := store.NewMemory()
	m.InsertUsageErr = errors.New("usage_log unavailable")
	sink := &captureSink{}
	metrics := &countingMetrics{}
	rec := NewRecorder(m, sink, metrics)

	// Must not panic or propagate; the parent request stays unaffected.
	rec.Record(context.Background(), store.UsageEntry{AccountID: uuid.New(), RequestID: uuid.New()})

	if len(sink.entries) != 1 {
		t.Fatalf("expected failure reported to sink, got %d", len(sink.entries))
	}
	if metrics.failures != 1 {
		t.Fatalf("expected failure metric increment, got %d", metrics.failures)
	}
}
