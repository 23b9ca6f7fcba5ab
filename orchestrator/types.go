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

package orchestrator

import (
	"fmt"
	"time"

	"costpilot/core/safety"
)

// Query is one incoming analysis request. It is immutable once the
// safety pipeline has produced SanitizedText.
type Query struct {
	ID            string                 `json:"id"`
	RawText       string                 `json:"-"`
	SanitizedText string                 `json:"sanitized_text"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Preferences   map[string]interface{} `json:"preferences,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// TopologyKind is the shape of a workflow plan
type TopologyKind string

const (
	TopologySimple     TopologyKind = "simple"
	TopologyParallel   TopologyKind = "parallel"
	TopologySequential TopologyKind = "sequential"
	TopologyAdaptive   TopologyKind = "adaptive"
)

// EdgeKind describes how an edge schedules its downstream node
type EdgeKind string

const (
	EdgeSequential  EdgeKind = "sequential"
	EdgeParallel    EdgeKind = "parallel"
	EdgeConvergent  EdgeKind = "convergent"
	EdgeConditional EdgeKind = "conditional"
)

// Edge connects two plan nodes. Predicate is only consulted for
// Conditional edges; the downstream node is skipped when it returns
// false against the upstream output.
type Edge struct {
	From      string
	To        string
	Kind      EdgeKind
	Predicate func(upstream map[string]interface{}) bool
}

// SynthesisNode is the reserved plan node the executor runs itself to
// merge upstream outputs; it is not a registered agent
const SynthesisNode = "synthesis"

// WorkflowPlan is the directed graph of agent nodes chosen for one
// query. It is consumed exactly once by the executor.
type WorkflowPlan struct {
	QueryID  string       `json:"query_id"`
	Topology TopologyKind `json:"topology"`
	Nodes    []string     `json:"nodes"`
	Edges    []Edge       `json:"-"`
	Intents  []string     `json:"intents"`
}

// Validate checks plan structural invariants: every edge endpoint is a
// declared node and every convergence node has at least two sources
func (p *WorkflowPlan) Validate() error {
	known := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		known[n] = true
	}

	convergentSources := make(map[string]int)
	for _, e := range p.Edges {
		if !known[e.From] || !known[e.To] {
			return fmt.Errorf("plan edge %s->%s references an undeclared node", e.From, e.To)
		}
		if e.Kind == EdgeConvergent {
			convergentSources[e.To]++
		}
	}
	for node, sources := range convergentSources {
		if sources < 2 {
			return fmt.Errorf("convergence node %s has %d source, need at least 2", node, sources)
		}
	}
	return nil
}

// InvocationStatus is the lifecycle of one node execution
type InvocationStatus string

const (
	StatusPending   InvocationStatus = "pending"
	StatusRunning   InvocationStatus = "running"
	StatusSucceeded InvocationStatus = "succeeded"
	StatusFailed    InvocationStatus = "failed"
	StatusSkipped   InvocationStatus = "skipped"
)

// AgentInvocation records one node execution, success or failure
type AgentInvocation struct {
	AgentName  string                 `json:"agent_name"`
	Input      map[string]interface{} `json:"-"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  ErrorKind              `json:"error_kind,omitempty"`
	Status     InvocationStatus       `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Duration is the node's wall-clock time
func (inv AgentInvocation) Duration() time.Duration {
	return inv.FinishedAt.Sub(inv.StartedAt)
}

// InvocationUpdate is one incremental status event for transport
// adapters subscribed to an execution
type InvocationUpdate struct {
	QueryID   string           `json:"query_id"`
	AgentName string           `json:"agent_name"`
	Status    InvocationStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// OrchestrationResult is the outcome of one analysis. Partial marks a
// degraded result: some or all nodes failed and Limitations explains
// what is missing. A total failure still produces a result with a
// non-empty limitations list, never a silent empty success.
type OrchestrationResult struct {
	QueryID     string                 `json:"query_id"`
	Topology    TopologyKind           `json:"topology"`
	Answer      map[string]interface{} `json:"answer"`
	Confidence  float64                `json:"confidence"`
	Partial     bool                   `json:"partial"`
	Limitations []string               `json:"limitations,omitempty"`
	Invocations []AgentInvocation      `json:"invocations"`
	Violations  []safety.Violation     `json:"violations,omitempty"`
	Duration    time.Duration          `json:"duration_ns"`
	TraceID     string                 `json:"trace_id,omitempty"`
}
