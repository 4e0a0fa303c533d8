// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/patchmcp/pkg/telemetry"
	"github.com/AleutianAI/patchmcp/services/patch"
)

// metricsServer serves /metrics and /health next to the stdio session.
type metricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// newMetricsRouter builds the HTTP routes. /metrics answers 404 when the
// Prometheus exporter is not active.
func newMetricsRouter(svc *patch.Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("patchmcp-metrics"))

	router.GET("/health", func(c *gin.Context) {
		tracked := 0
		if svc != nil {
			tracked = len(svc.Tracker().TrackedFiles())
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"version":       patch.Version,
			"tool":          patch.ToolName,
			"ready":         svc != nil,
			"tracked_files": tracked,
		})
	})
	router.GET("/metrics", func(c *gin.Context) {
		h := telemetry.MetricsHandler()
		if h == nil {
			c.String(http.StatusNotFound, "prometheus exporter disabled\n")
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})
	return router
}

// listenMetrics binds addr. Serving starts with serve.
func listenMetrics(addr string, svc *patch.Service) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	return &metricsServer{
		srv: &http.Server{
			Handler:           newMetricsRouter(svc),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// serve blocks until shutdown is called.
func (m *metricsServer) serve() error {
	slog.Info("Metrics endpoint listening", slog.String("addr", m.addr()))
	if err := m.srv.Serve(m.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (m *metricsServer) addr() string {
	return m.ln.Addr().String()
}

func (m *metricsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		slog.Warn("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
}
