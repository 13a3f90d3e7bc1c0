package sync

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/crmsync/calendarsync/internal/blob"
	"github.com/crmsync/calendarsync/internal/report"
)

const (
	otelScope       = "calendarsync/sync"
	spanRun         = "sync.run"
	metricCreated   = "calendarsync.sync.events.created"
	metricUpdated   = "calendarsync.sync.events.updated"
	metricDeleted   = "calendarsync.sync.events.deleted"
	metricSkipped   = "calendarsync.sync.events.skipped"
	metricConflicts = "calendarsync.sync.conflicts"
	metricDeferred  = "calendarsync.sync.deferred"
	metricErrors    = "calendarsync.sync.errors"
)

// Engine orchestrates the sync lifecycle: the polling loop, telemetry, and
// the last-run report blob consumed by the status command. Create one with
// [NewEngine] and start it with [Engine.Run], or drive single passes through
// [Engine.RunOnce].
type Engine struct {
	reconciler   *Reconciler
	pollInterval time.Duration
	reportPath   string
	log          *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntSkipped   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntDeferred  metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewEngine creates an Engine. reportPath may be empty to skip last-run
// report persistence.
func NewEngine(reconciler *Reconciler, pollInterval time.Duration, reportPath string, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler:   reconciler,
		pollInterval: pollInterval,
		reportPath:   reportPath,
		log:          logger,

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Number of events created during sync"),
		cntUpdated:   mustCounter(metricUpdated, "Number of events updated during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Number of events deleted during sync"),
		cntSkipped:   mustCounter(metricSkipped, "Number of operations skipped during sync"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflict resolutions during sync"),
		cntDeferred:  mustCounter(metricDeferred, "Number of operations deferred past the per-account cap"),
		cntErrors:    mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// run performs one pass, recording a trace span, metrics, and the last-run
// report blob.
func (e *Engine) run(ctx context.Context) (*report.RunStatus, error) {
	ctx, span := e.tracer.Start(ctx, spanRun)
	defer span.End()

	status, err := e.reconciler.Run(ctx)
	totals := status.Totals()

	if totals.Created > 0 {
		e.cntCreated.Add(ctx, int64(totals.Created))
	}
	if totals.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(totals.Updated))
	}
	if totals.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(totals.Deleted))
	}
	if totals.Skipped > 0 {
		e.cntSkipped.Add(ctx, int64(totals.Skipped))
	}
	if totals.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(totals.Conflicts))
	}
	if totals.Deferred > 0 {
		e.cntDeferred.Add(ctx, int64(totals.Deferred))
	}
	if totals.Errors > 0 {
		e.cntErrors.Add(ctx, int64(totals.Errors))
	}

	span.SetAttributes(
		attribute.Int("sync.accounts", len(status.Accounts)),
		attribute.Int("sync.created", totals.Created),
		attribute.Int("sync.updated", totals.Updated),
		attribute.Int("sync.deleted", totals.Deleted),
		attribute.Int("sync.skipped", totals.Skipped),
		attribute.Int("sync.conflicts", totals.Conflicts),
		attribute.Int("sync.deferred", totals.Deferred),
		attribute.Int("sync.errors", totals.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}

	if e.reportPath != "" {
		if werr := blob.Write(e.reportPath, status); werr != nil {
			e.log.Error("writing last-run report", "path", e.reportPath, "error", werr)
		}
	}

	return status, err
}

// RunOnce performs a single pass and returns its report.
func (e *Engine) RunOnce(ctx context.Context) (*report.RunStatus, error) {
	return e.run(ctx)
}

// Run starts the polling loop. An immediate first pass runs before the
// ticker takes over. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	if _, err := e.run(ctx); err != nil {
		e.log.Error("initial sync pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.run(ctx); err != nil {
				e.log.Error("sync pass failed", "error", err)
			}
		}
	}
}
