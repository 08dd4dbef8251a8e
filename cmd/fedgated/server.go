// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/theseedship/duckdb-mcp-gateway/gateway"
)

// server owns the gateway and exposes its admin HTTP surface: stats,
// explain, health, query, and metrics, the way cmd/snellerd's server type
// wraps a *http.ServeMux of handler_*.go methods around a tenant.Manager.
type server struct {
	logger zerolog.Logger
	gw     *gateway.Gateway
	sink   *gateway.PrometheusSink

	http *http.Server
}

func newServer(addr string, gw *gateway.Gateway, sink *gateway.PrometheusSink, logger zerolog.Logger) *server {
	s := &server{logger: logger, gw: gw, sink: sink}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/explain", s.explainHandler)
	r.Post("/query", s.queryHandler)
	r.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := s.gw.Health()
	s.sink.Report(s.gw.GetStats())
	status := http.StatusOK
	if h.CacheDegraded {
		status = http.StatusOK // degraded mode is a reported condition, not a failure (spec.md §7)
	}
	writeJSON(w, status, h)
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.gw.GetStats()
	s.sink.Report(stats)
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) explainHandler(w http.ResponseWriter, r *http.Request) {
	sql := r.URL.Query().Get("sql")
	if sql == "" {
		http.Error(w, "missing 'sql' query parameter", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.gw.ExplainQuery(sql)))
}

type queryRequest struct {
	SQL string `json:"sql"`
}

func (s *server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SQL == "" {
		http.Error(w, "missing 'sql' field", http.StatusBadRequest)
		return
	}

	res, err := s.gw.ExecuteQuery(r.Context(), req.SQL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) Serve() error {
	return s.http.ListenAndServe()
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
