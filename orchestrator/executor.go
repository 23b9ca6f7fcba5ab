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
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"costpilot/core/agents"
	"costpilot/core/circuitbreaker"
	"costpilot/core/observability"
	"costpilot/core/safety"
	"costpilot/core/shared/logger"
)

// ExecutorConfig tunes one executor instance
type ExecutorConfig struct {
	// TotalBudget bounds one whole orchestration
	TotalBudget time.Duration
	// NodeTimeout bounds each node, within the remaining budget
	NodeTimeout time.Duration
	// UpdateBuffer sizes the status update channel
	UpdateBuffer int
}

// DefaultExecutorConfig returns production defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		TotalBudget:  60 * time.Second,
		NodeTimeout:  20 * time.Second,
		UpdateBuffer: 64,
	}
}

// Executor runs workflow plans. Parallel stages fan out on goroutines
// and join before the next stage starts; every agent call is wrapped
// in a per-agent circuit breaker, traced as a child span, and its
// assembled input is safety-checked first.
type Executor struct {
	registry *agents.Registry
	breakers *circuitbreaker.Registry
	pipeline *safety.Pipeline
	obs      *observability.Core
	config   ExecutorConfig
	logger   *logger.Logger
	updates  chan InvocationUpdate
}

// NewExecutor creates an executor
func NewExecutor(registry *agents.Registry, breakers *circuitbreaker.Registry, pipeline *safety.Pipeline, obs *observability.Core, config ExecutorConfig) *Executor {
	if config.TotalBudget <= 0 {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		registry: registry,
		breakers: breakers,
		pipeline: pipeline,
		obs:      obs,
		config:   config,
		logger:   logger.New("executor"),
		updates:  make(chan InvocationUpdate, config.UpdateBuffer),
	}
}

// Updates exposes incremental invocation status events. Sends never
// block: when no adapter drains the channel, events are dropped.
func (e *Executor) Updates() <-chan InvocationUpdate {
	return e.updates
}

func (e *Executor) publish(queryID, agent string, status InvocationStatus, errMsg string) {
	select {
	case e.updates <- InvocationUpdate{
		QueryID:   queryID,
		AgentName: agent,
		Status:    status,
		Error:     errMsg,
		At:        time.Now().UTC(),
	}:
	default:
	}
}

// Execute runs the plan to completion and always hands back a result:
// full on success, partial with limitations on any failure. The error
// return is reserved for structurally invalid plans.
func (e *Executor) Execute(ctx context.Context, plan *WorkflowPlan, q Query) (*OrchestrationResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, NewCoreError(KindInternal, "invalid workflow plan", err)
	}
	stages, err := stagePlan(plan)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.TotalBudget)
	defer cancel()

	rootSpan := e.obs.StartSpan("", "orchestrate", nil)
	exec := &execution{
		plan:    plan,
		query:   q,
		results: make(map[string]*AgentInvocation, len(plan.Nodes)),
	}

	for _, stage := range stages {
		e.runStage(ctx, exec, stage, rootSpan)
	}

	// Every node failing still leaves the caller with something: retry
	// the lowest-common-denominator agent once before degrading
	if exec.allAgentNodesFailed() && !exec.ranOnly(agents.AgentCostTrend) {
		e.logger.Warn(q.ID, "all plan nodes failed, running reduced fallback plan", nil)
		e.runNode(ctx, exec, agents.AgentCostTrend, rootSpan)
	}

	result := e.synthesize(exec, started)

	status := observability.SpanStatusOk
	if result.Partial {
		status = observability.SpanStatusError
	}
	e.obs.FinishSpan(rootSpan, status, map[string]string{"topology": string(plan.Topology)})
	e.obs.ObserveRequest(requestStatus(result), string(plan.Topology), result.Duration)

	result.TraceID = rootSpan.TraceID
	return result, nil
}

// execution is the mutable state of one plan run
type execution struct {
	plan    *WorkflowPlan
	query   Query
	mu      sync.Mutex
	results map[string]*AgentInvocation
}

func (x *execution) record(inv *AgentInvocation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.results[inv.AgentName] = inv
}

func (x *execution) get(node string) (*AgentInvocation, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	inv, ok := x.results[node]
	return inv, ok
}

func (x *execution) allAgentNodesFailed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	sawAgent := false
	for node, inv := range x.results {
		if node == SynthesisNode || inv.Status == StatusSkipped {
			continue
		}
		sawAgent = true
		if inv.Status == StatusSucceeded {
			return false
		}
	}
	return sawAgent
}

func (x *execution) ranOnly(agent string) bool {
	return len(x.plan.Nodes) == 1 && x.plan.Nodes[0] == agent
}

// runStage executes one topological stage; siblings run concurrently
// and the stage joins before returning
func (e *Executor) runStage(ctx context.Context, exec *execution, stage []string, root observability.SpanHandle) {
	if len(stage) == 1 {
		e.runNode(ctx, exec, stage[0], root)
		return
	}

	var wg sync.WaitGroup
	for _, node := range stage {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			e.runNode(ctx, exec, n, root)
		}(node)
	}
	wg.Wait()
}

// runNode executes a single plan node and records its invocation.
// A failed node never propagates an error upward; siblings and later
// stages observe it through the recorded invocation only.
func (e *Executor) runNode(ctx context.Context, exec *execution, node string, root observability.SpanHandle) {
	input, skip := e.assembleInput(exec, node)
	inv := &AgentInvocation{
		AgentName: node,
		Input:     input,
		StartedAt: time.Now(),
		Status:    StatusRunning,
	}
	if skip {
		inv.Status = StatusSkipped
		inv.FinishedAt = time.Now()
		exec.record(inv)
		e.publish(exec.query.ID, node, StatusSkipped, "")
		return
	}
	e.publish(exec.query.ID, node, StatusRunning, "")

	span := e.obs.StartSpan(root.TraceID, "node:"+node, &root)

	var output map[string]interface{}
	var err error
	if node == SynthesisNode {
		output = e.convergeUpstream(exec, node)
	} else {
		output, err = e.invokeAgent(ctx, exec, node, input)
	}

	inv.FinishedAt = time.Now()
	if err != nil {
		inv.Status = StatusFailed
		inv.Error = err.Error()
		inv.ErrorKind = KindOf(err)
		e.obs.FinishSpan(span, observability.SpanStatusError, map[string]string{"error_kind": string(inv.ErrorKind)})
		e.obs.ObserveAgentCall(node, "failure", inv.Duration())
		e.logger.ErrorWithErr(exec.query.ID, "node failed", err, map[string]interface{}{"node": node})
	} else {
		inv.Status = StatusSucceeded
		inv.Output = output
		e.obs.FinishSpan(span, observability.SpanStatusOk, nil)
		e.obs.ObserveAgentCall(node, "success", inv.Duration())
	}
	exec.record(inv)
	e.publish(exec.query.ID, node, inv.Status, inv.Error)
}

// invokeAgent wraps one agent call: safety check on the assembled
// input, the logical agent breaker, and a node deadline inside the
// remaining budget
func (e *Executor) invokeAgent(ctx context.Context, exec *execution, node string, input map[string]interface{}) (map[string]interface{}, error) {
	if err := e.checkInput(input); err != nil {
		return nil, err
	}

	agent, err := e.registry.Get(node)
	if err != nil {
		return nil, NewCoreError(KindAgentFailure, "resolving agent", err)
	}

	nodeCtx, cancel := context.WithTimeout(ctx, e.config.NodeTimeout)
	defer cancel()

	breaker := e.breakers.Get("agent:" + node)
	out, err := breaker.Call(nodeCtx, func(callCtx context.Context) (interface{}, error) {
		return agent.Invoke(callCtx, input)
	})
	if err != nil {
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			return nil, NewCoreError(KindDependencyUnavailable, "agent breaker open", err)
		case errors.Is(err, circuitbreaker.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
			return nil, NewCoreError(KindTimeout, "agent call exceeded deadline", err)
		default:
			return nil, NewCoreError(KindAgentFailure, "agent call failed", err)
		}
	}
	result, ok := out.(map[string]interface{})
	if !ok {
		return nil, NewCoreError(KindAgentFailure, "agent returned no output", nil)
	}
	return result, nil
}

// checkInput sanitizes the string fields of an assembled input map.
// Upstream agent output flows in here, so it gets the same treatment
// as the original query text.
func (e *Executor) checkInput(input map[string]interface{}) error {
	for key, value := range input {
		str, ok := value.(string)
		if !ok {
			continue
		}
		res := e.pipeline.Sanitize(str)
		if res.Rejected {
			return NewCoreError(KindAgentFailure, fmt.Sprintf("input field %q failed safety validation", key), nil)
		}
		input[key] = res.CleanText
	}
	return nil
}

// assembleInput builds a node's input: the query context and text,
// plus upstream outputs merged in per the incoming edges. skip is set
// when a conditional edge's predicate rejects the node.
func (e *Executor) assembleInput(exec *execution, node string) (map[string]interface{}, bool) {
	input := make(map[string]interface{}, len(exec.query.Context)+4)
	for k, v := range exec.query.Context {
		input[k] = v
	}
	for k, v := range exec.query.Preferences {
		input["pref_"+k] = v
	}
	input["query"] = exec.query.SanitizedText

	failures := make(map[string]string)
	for _, edge := range exec.plan.Edges {
		if edge.To != node {
			continue
		}
		upstream, done := exec.get(edge.From)
		if !done {
			continue
		}

		if edge.Kind == EdgeConditional && edge.Predicate != nil && !edge.Predicate(upstream.Output) {
			return nil, true
		}

		switch upstream.Status {
		case StatusSucceeded:
			for k, v := range upstream.Output {
				input[k] = v
			}
		case StatusFailed:
			failures[upstream.AgentName] = upstream.Error
		}
	}
	if len(failures) > 0 {
		input["upstream_failures"] = failures
	}
	return input, false
}

// convergeUpstream is the synthesis node body: a map of every
// upstream terminal result, failures included
func (e *Executor) convergeUpstream(exec *execution, node string) map[string]interface{} {
	upstream := make(map[string]interface{})
	for _, edge := range exec.plan.Edges {
		if edge.To != node {
			continue
		}
		inv, done := exec.get(edge.From)
		if !done {
			continue
		}
		switch inv.Status {
		case StatusSucceeded:
			upstream[edge.From] = inv.Output
		case StatusFailed:
			upstream[edge.From] = map[string]interface{}{"failed": true, "error": inv.Error}
		}
	}
	return map[string]interface{}{"upstream": upstream}
}

// synthesize merges terminal node results into the final answer and
// runs it through output validation
func (e *Executor) synthesize(exec *execution, started time.Time) *OrchestrationResult {
	var invocations []AgentInvocation
	var succeeded, failed []string
	answer := make(map[string]interface{})
	var summaries []string
	var confidences []float64

	for _, node := range orderedNodes(exec) {
		inv, ok := exec.get(node)
		if !ok {
			continue
		}
		invocations = append(invocations, *inv)
		if node == SynthesisNode {
			continue
		}
		switch inv.Status {
		case StatusSucceeded:
			succeeded = append(succeeded, node)
			answer[node] = inv.Output
			if s, ok := inv.Output["summary"].(string); ok && s != "" {
				summaries = append(summaries, s)
			}
			if c, ok := inv.Output["confidence"].(float64); ok {
				confidences = append(confidences, c)
			}
		case StatusFailed:
			failed = append(failed, node)
		}
	}

	result := &OrchestrationResult{
		QueryID:     exec.query.ID,
		Topology:    exec.plan.Topology,
		Invocations: invocations,
		Duration:    time.Since(started),
	}

	if len(succeeded) == 0 {
		result.Partial = true
		result.Answer = map[string]interface{}{"query": exec.query.SanitizedText}
		result.Limitations = append(result.Limitations,
			"no analysis agent completed successfully; no findings are available")
		for _, node := range failed {
			inv, _ := exec.get(node)
			result.Limitations = append(result.Limitations, fmt.Sprintf("%s: %s", node, inv.Error))
		}
		return result
	}

	answer["summary"] = strings.Join(summaries, " ")
	answer["succeeded_agents"] = succeeded
	if len(failed) > 0 {
		answer["failed_agents"] = failed
	}
	result.Answer = answer
	result.Confidence = averageConfidence(confidences)

	if len(failed) > 0 {
		result.Partial = true
		for _, node := range failed {
			inv, _ := exec.get(node)
			result.Limitations = append(result.Limitations,
				fmt.Sprintf("%s did not complete: %s", node, inv.Error))
		}
	}

	e.validateAnswer(result)
	return result
}

// validateAnswer runs the final answer through output validation; a
// failure degrades confidence and notes the limitation instead of
// failing the request
func (e *Executor) validateAnswer(result *OrchestrationResult) {
	validation := e.pipeline.ValidateOutput(result.Answer, safety.OutputShape{
		RequiredFields: []string{"summary"},
	})
	result.Violations = validation.Violations

	if len(validation.Violations) > 0 {
		result.Confidence -= validation.ConfidencePenalty
		if result.Confidence < 0 {
			result.Confidence = 0
		}
	}
	if !validation.OK {
		result.Partial = true
		result.Answer = validation.Sanitized
		result.Limitations = append([]string{"parts of the answer were withheld by output validation"}, result.Limitations...)
	}
}

// orderedNodes lists plan nodes first, then any fallback node run
// outside the plan
func orderedNodes(exec *execution) []string {
	seen := make(map[string]bool, len(exec.plan.Nodes))
	nodes := append([]string{}, exec.plan.Nodes...)
	for _, n := range nodes {
		seen[n] = true
	}
	exec.mu.Lock()
	var extra []string
	for n := range exec.results {
		if !seen[n] {
			extra = append(extra, n)
		}
	}
	exec.mu.Unlock()
	sort.Strings(extra)
	return append(nodes, extra...)
}

func averageConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return sum / float64(len(confidences))
}

func requestStatus(result *OrchestrationResult) string {
	if result.Partial {
		return "partial"
	}
	return "success"
}

// stagePlan orders plan nodes into topological stages: a node runs in
// the first stage after all of its predecessors. A cycle is a router
// bug and comes back as an internal error.
func stagePlan(plan *WorkflowPlan) ([][]string, error) {
	indegree := make(map[string]int, len(plan.Nodes))
	successors := make(map[string][]string, len(plan.Nodes))
	for _, node := range plan.Nodes {
		indegree[node] = 0
	}
	for _, edge := range plan.Edges {
		indegree[edge.To]++
		successors[edge.From] = append(successors[edge.From], edge.To)
	}

	var stages [][]string
	var current []string
	for _, node := range plan.Nodes {
		if indegree[node] == 0 {
			current = append(current, node)
		}
	}

	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		stages = append(stages, current)
		placed += len(current)

		var next []string
		for _, node := range current {
			for _, succ := range successors[node] {
				indegree[succ]--
				if indegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}

	if placed != len(plan.Nodes) {
		return nil, NewCoreError(KindInternal, "workflow plan contains a cycle", nil)
	}
	return stages, nil
}
