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

// Package orchestrator routes natural-language cost questions across
// the specialist agents and shields the caller from individual
// dependency failures. The service wires the safety pipeline, the
// workflow router, and the executor into one Analyze entry point.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"costpilot/core/observability"
	"costpilot/core/safety"
	"costpilot/core/shared/logger"
)

// Service is the inbound surface of the orchestration core
type Service struct {
	pipeline *safety.Pipeline
	router   *Router
	executor *Executor
	obs      *observability.Core
	logger   *logger.Logger
}

// NewService wires the core components together
func NewService(pipeline *safety.Pipeline, router *Router, executor *Executor, obs *observability.Core) *Service {
	return &Service{
		pipeline: pipeline,
		router:   router,
		executor: executor,
		obs:      obs,
		logger:   logger.New("orchestrator"),
	}
}

// Analyze answers one cost question. A Critical safety violation in
// the input returns a RejectedInput error before any agent runs; every
// other failure mode degrades into a partial result instead.
func (s *Service) Analyze(ctx context.Context, rawQuery string, queryContext, preferences map[string]interface{}) (*OrchestrationResult, error) {
	q := Query{
		ID:          uuid.NewString(),
		RawText:     rawQuery,
		Context:     queryContext,
		Preferences: preferences,
		CreatedAt:   time.Now().UTC(),
	}

	sanitized := s.pipeline.Sanitize(rawQuery)
	for _, v := range sanitized.Violations {
		s.obs.ObserveSafetyViolation(string(v.Kind), string(v.Severity))
	}
	if sanitized.Rejected {
		s.logger.Warn(q.ID, "query rejected by safety pipeline", map[string]interface{}{
			"violations": len(sanitized.Violations),
		})
		s.obs.ObserveRequest("rejected", "", 0)
		return nil, &CoreError{
			Kind:       KindRejectedInput,
			Message:    "query contains content that cannot be processed",
			Violations: sanitized.Violations,
		}
	}
	q.SanitizedText = sanitized.CleanText

	plan, err := s.router.ClassifyAndPlan(q)
	if err != nil {
		return nil, err
	}
	s.logger.Info(q.ID, "workflow planned", map[string]interface{}{
		"topology": string(plan.Topology),
		"nodes":    plan.Nodes,
	})

	result, err := s.executor.Execute(ctx, plan, q)
	if err != nil {
		return nil, err
	}

	// Non-fatal input findings ride along with the result
	result.Violations = append(sanitized.Violations, result.Violations...)

	s.logger.InfoWithDuration(q.ID, "analysis complete",
		float64(result.Duration.Milliseconds()), map[string]interface{}{
			"partial":    result.Partial,
			"confidence": result.Confidence,
		})
	return result, nil
}

// ObservabilitySnapshot exposes the read-only monitoring view
func (s *Service) ObservabilitySnapshot() observability.Snapshot {
	return s.obs.Snapshot()
}

// Updates exposes the executor's status stream for transport adapters
func (s *Service) Updates() <-chan InvocationUpdate {
	return s.executor.Updates()
}
