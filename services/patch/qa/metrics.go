// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package qa

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for QA operations.
var (
	tracer = otel.Tracer("patchmcp.qa")
	meter  = otel.Meter("patchmcp.qa")
)

// Metrics for QA operations.
var (
	toolLatency     metric.Float64Histogram
	toolTotal       metric.Int64Counter
	pipelineLatency metric.Float64Histogram
	iterationsUsed  metric.Int64Histogram
	pipelineWarns   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		toolLatency, err = meter.Float64Histogram(
			"qa_tool_duration_seconds",
			metric.WithDescription("Duration of a single QA tool invocation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		toolTotal, err = meter.Int64Counter(
			"qa_tool_runs_total",
			metric.WithDescription("Total QA tool invocations by tool and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pipelineLatency, err = meter.Float64Histogram(
			"qa_pipeline_duration_seconds",
			metric.WithDescription("Duration of a full QA pipeline run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		iterationsUsed, err = meter.Int64Histogram(
			"qa_pipeline_iterations",
			metric.WithDescription("Lint/format passes per QA pipeline run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pipelineWarns, err = meter.Int64Counter(
			"qa_pipeline_warnings_total",
			metric.WithDescription("Total QA pipeline warnings such as timeouts and iteration limits"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startPipelineSpan creates a span for a pipeline run.
func startPipelineSpan(ctx context.Context, file string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.Run",
		trace.WithAttributes(attribute.String("qa.file_path", file)),
	)
}

// setPipelineSpanResult sets the result attributes on a pipeline span.
func setPipelineSpanResult(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.Int("qa.iterations", res.Iterations),
		attribute.Int("qa.warnings", len(res.Warnings)),
		attribute.Int("qa.errors", len(res.Errors)),
		attribute.Bool("qa.mypy_suppressed", res.MypySuppressed),
	)
}

// startToolSpan creates a span for one tool invocation.
func startToolSpan(ctx context.Context, tool Tool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline."+string(tool),
		trace.WithAttributes(attribute.String("qa.tool", string(tool))),
	)
}

// setToolSpanResult sets the result attributes on a tool span.
func setToolSpanResult(span trace.Span, tr *ToolResult) {
	span.SetAttributes(
		attribute.String("qa.status", string(tr.Status)),
		attribute.Int("qa.exit_code", tr.ExitCode),
	)
}

// recordToolMetrics records metrics for one tool invocation.
func recordToolMetrics(ctx context.Context, tr *ToolResult) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", string(tr.Tool)),
		attribute.String("status", string(tr.Status)),
	)
	toolLatency.Record(ctx, tr.Duration.Seconds(), attrs)
	toolTotal.Add(ctx, 1, attrs)
}

// recordPipelineMetrics records metrics for a pipeline run.
func recordPipelineMetrics(ctx context.Context, res *Result, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("failed", res.HasFailures()))
	pipelineLatency.Record(ctx, duration.Seconds(), attrs)
	iterationsUsed.Record(ctx, int64(res.Iterations))
	if n := len(res.Warnings); n > 0 {
		pipelineWarns.Add(ctx, int64(n))
	}
}
