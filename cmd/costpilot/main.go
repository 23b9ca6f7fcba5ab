// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the CostPilot orchestration
// core: the HTTP service that answers natural-language cost questions
// by routing them across the specialist analysis agents.
//
// Environment variables:
//
//	PORT                - HTTP server port (default: 8080)
//	CONFIG_FILE         - optional YAML config file path
//	DATABASE_URL        - PostgreSQL connection string for the audit sink
//	REDIS_URL           - Redis URL for the stale cost-data cache
//	INFERENCE_ENDPOINT  - inference backend base URL
//	INFERENCE_API_KEY   - inference backend API key
//	COSTDATA_ENDPOINT   - cost data provider base URL
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"costpilot/core/agents"
	"costpilot/core/circuitbreaker"
	"costpilot/core/config"
	"costpilot/core/costdata"
	"costpilot/core/inference"
	"costpilot/core/observability"
	"costpilot/core/orchestrator"
	"costpilot/core/safety"
	"costpilot/core/shared/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "costpilot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	log := logger.New("main")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	obs := observability.NewCore(observability.DefaultCoreConfig())
	defer obs.Close()

	breakers := circuitbreaker.NewRegistry(cfg.Breakers.BreakerDefaults(), cfg.Breakers.BreakerOverrides())
	breakers.SetStateChangeFunc(func(dependency string, from, to circuitbreaker.State) {
		obs.ObserveBreakerTransition(dependency, string(to), breakers.OpenCount())
		log.Warn("", "breaker state change", map[string]interface{}{
			"dependency": dependency,
			"from":       string(from),
			"to":         string(to),
		})
	})

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		defer db.Close()
	} else {
		log.Warn("", "DATABASE_URL not set, safety audit falls back to local file", nil)
	}
	sink, err := safety.NewDBAuditSink(db, cfg.Audit.QueueSize, cfg.Audit.Workers, cfg.Audit.FallbackPath)
	if err != nil {
		return fmt.Errorf("starting audit sink: %w", err)
	}
	defer sink.Close()

	pipeline := safety.NewPipeline(cfg.Safety.Pipeline(), nil, sink)

	backend, err := inference.NewHTTPBackend(inference.Config{
		APIKey:  cfg.Inference.APIKey,
		BaseURL: cfg.Inference.Endpoint,
		Model:   cfg.Inference.Model,
		Timeout: cfg.InferenceTimeout(),
	})
	if err != nil {
		return fmt.Errorf("configuring inference backend: %w", err)
	}

	live, err := costdata.NewHTTPProvider(costdata.HTTPConfig{BaseURL: cfg.CostData.Endpoint})
	if err != nil {
		return fmt.Errorf("configuring cost data provider: %w", err)
	}
	var provider costdata.Provider = live
	var staleCache costdata.StaleReader
	if cfg.Redis.URL != "" {
		cached, err := costdata.NewCachedProvider(live, cfg.Redis.URL, costdata.DefaultStaleTTL)
		if err != nil {
			return fmt.Errorf("connecting cost data cache: %w", err)
		}
		defer cached.Close()
		provider = cached
		staleCache = cached
	} else {
		log.Warn("", "REDIS_URL not set, no stale cost data when the provider is down", nil)
	}

	registry := agents.NewRegistry()
	if err := agents.RegisterSpecialists(registry, agents.Deps{
		Inference:  backend,
		CostData:   provider,
		StaleCache: staleCache,
		Breakers:   breakers,
	}); err != nil {
		return fmt.Errorf("registering agents: %w", err)
	}

	executor := orchestrator.NewExecutor(registry, breakers, pipeline, obs, cfg.Executor.Executor())
	service := orchestrator.NewService(pipeline, orchestrator.NewRouter(), executor, obs)
	server := orchestrator.NewServer(service, cfg.Server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case u := <-service.Updates():
				log.Debug(u.QueryID, "invocation update", map[string]interface{}{
					"agent":  u.AgentName,
					"status": string(u.Status),
				})
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("", "shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
