package usagelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/promptrefine/metering/internal/store"
)

// FailureSink receives usage entries whose write failed, fire-and-forget.
// The default implementation logs them; deployments can fan out to an
// external observability collector instead.
type FailureSink interface {
	ReportWriteFailure(ctx context.Context, entry store.UsageEntry, err error)
}

// LogFailureSink reports failed writes through slog.
type LogFailureSink struct {
	logger *slog.Logger
}

func NewLogFailureSink(logger *slog.Logger) *LogFailureSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogFailureSink{logger: logger}
}

func (s *LogFailureSink) ReportWriteFailure(_ context.Context, entry store.UsageEntry, err error) {
	s.logger.Error("usage log write failed",
		slog.String("account_id", entry.AccountID.String()),
		slog.String("request_id", entry.RequestID.String()),
		slog.String("model", entry.Model),
		slog.String("error", err.Error()))
}

// Metrics is the slice of the observability provider the recorder needs.
type Metrics interface {
	RecordUsageLogFailure()
}

// Recorder appends immutable usage entries. It never sits on the critical
// path: a failed insert is reported to the sink and swallowed, so request
// handling cannot be failed by analytics.
type Recorder struct {
	usage   store.UsageStore
	sink    FailureSink
	metrics Metrics
}

func NewRecorder(usage store.UsageStore, sink FailureSink, metrics Metrics) *Recorder {
	if sink == nil {
		sink = NewLogFailureSink(nil)
	}
	return &Recorder{usage: usage, sink: sink, metrics: metrics}
}

// Record appends one entry. Errors are swallowed by contract.
func (r *Recorder) Record(ctx context.Context, entry store.UsageEntry) {
	if r == nil || r.usage == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := r.usage.InsertUsage(ctx, entry); err != nil {
		if r.metrics != nil {
			r.metrics.RecordUsageLogFailure()
		}
		r.sink.ReportWriteFailure(ctx, entry, err)
	}
}
