// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchmcp/services/patch/apply"
	"github.com/AleutianAI/patchmcp/services/patch/failures"
)

var (
	tracer = otel.Tracer("patchmcp.patch")
	meter  = otel.Meter("patchmcp.patch")
)

var (
	requestTotal    metric.Int64Counter
	requestLatency  metric.Float64Histogram
	blocksApplied   metric.Int64Counter
	linesChanged    metric.Int64Counter
	hintsTotal      metric.Int64Counter
	advisoriesTotal metric.Int64Counter
	gcDropped       metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if requestTotal, err = meter.Int64Counter(
			"patch_requests_total",
			metric.WithDescription("Patch requests by outcome and failure stage"),
		); err != nil {
			metricsErr = err
			return
		}
		if requestLatency, err = meter.Float64Histogram(
			"patch_request_duration_seconds",
			metric.WithDescription("End-to-end patch request duration including QA"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if blocksApplied, err = meter.Int64Counter(
			"patch_blocks_applied_total",
			metric.WithDescription("SEARCH/REPLACE blocks applied successfully"),
		); err != nil {
			metricsErr = err
			return
		}
		if linesChanged, err = meter.Int64Counter(
			"patch_lines_changed_total",
			metric.WithDescription("Lines added and removed by applied patches"),
		); err != nil {
			metricsErr = err
			return
		}
		if hintsTotal, err = meter.Int64Counter(
			"patch_fuzzy_hints_total",
			metric.WithDescription("Not-found errors that carried a near-match hint"),
		); err != nil {
			metricsErr = err
			return
		}
		if advisoriesTotal, err = meter.Int64Counter(
			"patch_failure_advisories_total",
			metric.WithDescription("Failures that carried a consecutive-failure advisory"),
		); err != nil {
			metricsErr = err
			return
		}
		if gcDropped, err = meter.Int64Counter(
			"patch_failure_gc_dropped_total",
			metric.WithDescription("Files dropped from failure tracking by garbage collection"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startPatchSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "PatchService.PatchFile",
		trace.WithAttributes(attribute.String("patch.file_path", path)),
	)
}

func setPatchSpanFailure(span trace.Span, stage failures.Stage, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(stage))
	span.SetAttributes(attribute.String("patch.failure_stage", string(stage)))
}

func setPatchSpanSuccess(span trace.Span, applied int, change apply.Change, qaRan bool) {
	span.SetAttributes(
		attribute.Int("patch.blocks_applied", applied),
		attribute.Int("patch.lines_added", change.LinesAdded),
		attribute.Int("patch.lines_removed", change.LinesRemoved),
		attribute.Bool("patch.qa_ran", qaRan),
	)
}

func recordFailure(ctx context.Context, perr *PatchError, duration time.Duration, hinted bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", "failure"),
		attribute.String("stage", string(perr.Stage)),
	)
	requestTotal.Add(ctx, 1, attrs)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	if hinted {
		hintsTotal.Add(ctx, 1)
	}
	if perr.Advisory != "" {
		advisoriesTotal.Add(ctx, 1)
	}
}

func recordSuccess(ctx context.Context, applied int, change apply.Change, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", "success"))
	requestTotal.Add(ctx, 1, attrs)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	blocksApplied.Add(ctx, int64(applied))
	linesChanged.Add(ctx, int64(change.LinesAdded), metric.WithAttributes(attribute.String("direction", "added")))
	linesChanged.Add(ctx, int64(change.LinesRemoved), metric.WithAttributes(attribute.String("direction", "removed")))
}

func recordGC(ctx context.Context, dropped int) {
	if err := initMetrics(); err != nil || dropped == 0 {
		return
	}
	gcDropped.Add(ctx, int64(dropped))
}
