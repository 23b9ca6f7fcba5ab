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

// Package inference talks to the model backend that powers the
// analysis agents. All orchestrator traffic to the backend goes
// through the "inference-backend" circuit breaker; this package only
// knows how to shape and send a single completion call.
package inference

import (
	"context"
	"time"
)

// BreakerName is the circuit breaker dependency name for the backend
const BreakerName = "inference-backend"

// CompletionRequest is one prompt bound for the model backend
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Model        string
}

// CompletionResponse is the backend's answer
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      UsageStats
	Latency    time.Duration
}

// UsageStats counts tokens consumed by one completion
type UsageStats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Backend generates completions. Implementations must honor ctx
// cancellation; the orchestrator applies per-call deadlines.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	IsHealthy() bool
}
