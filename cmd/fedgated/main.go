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

// Command fedgated runs the federated query gateway daemon: it loads a
// gateway.Config, wires a gateway.Gateway, and serves its admin HTTP
// surface (stats, explain, health, query, metrics) until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/theseedship/duckdb-mcp-gateway/gateway"
	"github.com/theseedship/duckdb-mcp-gateway/internal/logging"
)

var version = "development"

func main() {
	configPath := flag.String("config", "", "path to a gateway YAML config file (optional, defaults applied otherwise)")
	listenAddr := flag.String("listen", "", "HTTP admin listen address (overrides the config file's listenAddr)")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	logConsole := flag.Bool("log-console", false, "human-readable console logging instead of JSON")
	cacheDir := flag.String("cache-dir", "", "resource cache directory (defaults to the OS temp dir)")
	flag.Parse()

	logger := logging.Build(logging.Config{Level: *logLevel, Console: *logConsole})

	dir := *cacheDir
	if dir == "" {
		dir = os.TempDir()
	}
	cfg := gateway.DefaultConfig(dir)
	if *configPath != "" {
		var err error
		cfg, err = gateway.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load config")
		}
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize gateway")
	}

	sink := gateway.NewPrometheusSink()
	srv := newServer(cfg.ListenAddr, gw, sink, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("fedgated listening")
		if err := srv.Serve(); err != nil {
			errCh <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server exited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), gateway.DefaultShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
	if err := gw.Destroy(ctx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown failed")
	}
	fmt.Fprintln(os.Stderr, "fedgated stopped")
}
