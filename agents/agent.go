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

// Package agents holds the specialist analysis agents the orchestrator
// routes work to. Each agent answers one class of question over cost
// data; the orchestrator composes them into workflows.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Specialist agent names. The workflow router maps intents onto these.
const (
	AgentCostTrend           = "cost-trend"
	AgentResourceUtilization = "resource-utilization"
	AgentFinancialProjection = "financial-projection"
	AgentRemediationPlanning = "remediation-planning"
)

// Agent is one specialist. Invoke receives a sanitized input map and
// returns a structured output map; it must honor ctx cancellation and
// report failure through the error, never by panicking.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry is an explicit agent registry. It is constructed once at
// startup and injected wherever agents are resolved; there is no
// package-global registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent; a duplicate name is an error
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("agent %q already registered", a.Name())
	}
	r.agents[a.Name()] = a
	return nil
}

// Get resolves an agent by name
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
}

// Names lists registered agents in stable order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
