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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costpilot/core/agents"
	"costpilot/core/circuitbreaker"
	"costpilot/core/observability"
	"costpilot/core/safety"
)

type stubAgent struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	s.calls.Add(1)
	return s.fn(ctx, input)
}

func okAgent(name, summary string, confidence float64) *stubAgent {
	return &stubAgent{name: name, fn: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"summary": summary, "confidence": confidence}, nil
	}}
}

func failingAgent(name string) *stubAgent {
	return &stubAgent{name: name, fn: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("upstream service exploded")
	}}
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, stubs ...*stubAgent) (*Executor, *circuitbreaker.Registry) {
	t.Helper()
	registry := agents.NewRegistry()
	for _, s := range stubs {
		require.NoError(t, registry.Register(s))
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil)
	pipeline := safety.NewPipeline(safety.DefaultPipelineConfig(), nil, nil)
	obs := observability.NewCore(observability.DefaultCoreConfig())
	t.Cleanup(obs.Close)
	return NewExecutor(registry, breakers, pipeline, obs, cfg), breakers
}

func fanOutPlan(nodes ...string) *WorkflowPlan {
	plan := &WorkflowPlan{
		QueryID:  "q1",
		Topology: TopologyParallel,
		Nodes:    append(append([]string{}, nodes...), SynthesisNode),
	}
	for _, n := range nodes {
		plan.Edges = append(plan.Edges, Edge{From: n, To: SynthesisNode, Kind: EdgeConvergent})
	}
	return plan
}

func TestExecute_PartialFanOutKeepsSurvivors(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultExecutorConfig(),
		okAgent("a", "a finding", 0.9),
		okAgent("b", "b finding", 0.8),
		okAgent("c", "c finding", 0.7),
		failingAgent("d"),
	)

	result, err := exec.Execute(context.Background(), fanOutPlan("a", "b", "c", "d"), Query{ID: "q1", SanitizedText: "analyze everything"})
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Contains(t, result.Answer, "a")
	assert.Contains(t, result.Answer, "b")
	assert.Contains(t, result.Answer, "c")
	assert.NotContains(t, result.Answer, "d")
	assert.Equal(t, []string{"d"}, result.Answer["failed_agents"])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, result.Answer["succeeded_agents"])

	require.NotEmpty(t, result.Limitations)
	assert.Contains(t, result.Limitations[0], "d did not complete")
	assert.InDelta(t, 0.8, result.Confidence, 0.01)
}

func TestExecute_SequentialChainsUpstreamOutput(t *testing.T) {
	producer := &stubAgent{name: "a", fn: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"summary": "monthly totals computed", "total": 100.0, "confidence": 0.9}, nil
	}}

	var mu sync.Mutex
	var consumerInput map[string]interface{}
	consumer := &stubAgent{name: "b", fn: func(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		consumerInput = input
		mu.Unlock()
		return map[string]interface{}{"summary": "projection done", "confidence": 0.8}, nil
	}}

	exec, _ := newTestExecutor(t, DefaultExecutorConfig(), producer, consumer)
	plan := &WorkflowPlan{
		QueryID:  "q1",
		Topology: TopologySequential,
		Nodes:    []string{"a", "b"},
		Edges:    []Edge{{From: "a", To: "b", Kind: EdgeSequential}},
	}
	query := Query{
		ID:            "q1",
		SanitizedText: "spend trend and forecast",
		Context:       map[string]interface{}{"account_id": "acct-1"},
	}

	result, err := exec.Execute(context.Background(), plan, query)
	require.NoError(t, err)
	assert.False(t, result.Partial)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, consumerInput, "downstream agent never ran")
	assert.Equal(t, 100.0, consumerInput["total"])
	assert.Equal(t, "spend trend and forecast", consumerInput["query"])
	assert.Equal(t, "acct-1", consumerInput["account_id"])
}

func TestExecute_OpenBreakerFailsFastWithoutInvoking(t *testing.T) {
	guarded := okAgent("x", "never reached", 0.9)
	exec, breakers := newTestExecutor(t, DefaultExecutorConfig(), guarded, okAgent(agents.AgentCostTrend, "fallback", 0.6))

	breaker := breakers.Get("agent:x")
	for i := 0; i < 5; i++ {
		_, err := breaker.Call(context.Background(), func(context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		})
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	plan := &WorkflowPlan{QueryID: "q1", Topology: TopologySimple, Nodes: []string{"x"}}
	result, err := exec.Execute(context.Background(), plan, Query{ID: "q1", SanitizedText: "check x"})
	require.NoError(t, err)

	var inv *AgentInvocation
	for i := range result.Invocations {
		if result.Invocations[i].AgentName == "x" {
			inv = &result.Invocations[i]
		}
	}
	require.NotNil(t, inv)
	assert.Equal(t, StatusFailed, inv.Status)
	assert.Equal(t, KindDependencyUnavailable, inv.ErrorKind)
	assert.Zero(t, guarded.calls.Load(), "open breaker must short-circuit before the agent runs")
}

func TestExecute_AllFailedRunsFallbackAgent(t *testing.T) {
	fallback := okAgent(agents.AgentCostTrend, "baseline trend", 0.6)
	exec, _ := newTestExecutor(t, DefaultExecutorConfig(), failingAgent("x"), failingAgent("y"), fallback)

	plan := &WorkflowPlan{QueryID: "q1", Topology: TopologyParallel, Nodes: []string{"x", "y"}}
	result, err := exec.Execute(context.Background(), plan, Query{ID: "q1", SanitizedText: "broad question"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), fallback.calls.Load())
	assert.True(t, result.Partial)
	assert.Contains(t, result.Answer, agents.AgentCostTrend)
	assert.Contains(t, result.Answer["succeeded_agents"], agents.AgentCostTrend)
}

func TestExecute_TotalFailureReturnsPartialNotError(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultExecutorConfig(), failingAgent("x"), failingAgent(agents.AgentCostTrend))

	plan := &WorkflowPlan{QueryID: "q1", Topology: TopologySimple, Nodes: []string{"x"}}
	result, err := exec.Execute(context.Background(), plan, Query{ID: "q1", SanitizedText: "broad question"})
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Zero(t, result.Confidence)
	require.NotEmpty(t, result.Limitations)
	assert.Contains(t, result.Limitations[0], "no analysis agent completed")
}

func TestExecute_NodeDeadlineMapsToTimeout(t *testing.T) {
	slow := &stubAgent{name: "slow", fn: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return map[string]interface{}{"summary": "late"}, nil
		}
	}}
	cfg := DefaultExecutorConfig()
	cfg.NodeTimeout = 50 * time.Millisecond
	exec, _ := newTestExecutor(t, cfg, slow, okAgent(agents.AgentCostTrend, "fallback", 0.6))

	plan := &WorkflowPlan{QueryID: "q1", Topology: TopologySimple, Nodes: []string{"slow"}}
	result, err := exec.Execute(context.Background(), plan, Query{ID: "q1", SanitizedText: "take your time"})
	require.NoError(t, err)

	require.NotEmpty(t, result.Invocations)
	assert.Equal(t, KindTimeout, result.Invocations[0].ErrorKind)
}

func TestExecute_ConditionalEdgeSkipsNode(t *testing.T) {
	gate := &stubAgent{name: "gate", fn: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"summary": "nothing to act on", "confidence": 0.9, "needs_action": false}, nil
	}}
	acted := okAgent("acted", "acted anyway", 0.5)
	exec, _ := newTestExecutor(t, DefaultExecutorConfig(), gate, acted)

	plan := &WorkflowPlan{
		QueryID:  "q1",
		Topology: TopologyAdaptive,
		Nodes:    []string{"gate", "acted"},
		Edges: []Edge{{
			From: "gate", To: "acted", Kind: EdgeConditional,
			Predicate: func(out map[string]interface{}) bool {
				need, _ := out["needs_action"].(bool)
				return need
			},
		}},
	}
	result, err := exec.Execute(context.Background(), plan, Query{ID: "q1", SanitizedText: "act if needed"})
	require.NoError(t, err)

	assert.Zero(t, acted.calls.Load())
	assert.False(t, result.Partial)
	var skipped bool
	for _, inv := range result.Invocations {
		if inv.AgentName == "acted" {
			skipped = inv.Status == StatusSkipped
		}
	}
	assert.True(t, skipped)
}

func TestExecute_SynthesisCollectsUpstream(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultExecutorConfig(),
		okAgent("a", "a finding", 0.9),
		failingAgent("b"),
	)

	result, err := exec.Execute(context.Background(), fanOutPlan("a", "b"), Query{ID: "q1", SanitizedText: "everything"})
	require.NoError(t, err)

	var synth *AgentInvocation
	for i := range result.Invocations {
		if result.Invocations[i].AgentName == SynthesisNode {
			synth = &result.Invocations[i]
		}
	}
	require.NotNil(t, synth)
	require.Equal(t, StatusSucceeded, synth.Status)

	upstream, ok := synth.Output["upstream"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, upstream, "a")
	failure, ok := upstream["b"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, failure["failed"])
}

func TestExecute_PublishesStatusUpdates(t *testing.T) {
	exec, _ := newTestExecutor(t, DefaultExecutorConfig(), okAgent("a", "done", 0.9))

	plan := &WorkflowPlan{QueryID: "q1", Topology: TopologySimple, Nodes: []string{"a"}}
	_, err := exec.Execute(context.Background(), plan, Query{ID: "q1", SanitizedText: "quick"})
	require.NoError(t, err)

	var seen []InvocationStatus
	for {
		select {
		case u := <-exec.Updates():
			seen = append(seen, u.Status)
		default:
			assert.Equal(t, []InvocationStatus{StatusRunning, StatusSucceeded}, seen)
			return
		}
	}
}

func TestStagePlan_OrdersByDependency(t *testing.T) {
	plan := fanOutPlan("a", "b")
	stages, err := stagePlan(plan)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, []string{"a", "b"}, stages[0])
	assert.Equal(t, []string{SynthesisNode}, stages[1])
}

func TestStagePlan_DetectsCycle(t *testing.T) {
	plan := &WorkflowPlan{
		Nodes: []string{"a", "b"},
		Edges: []Edge{
			{From: "a", To: "b", Kind: EdgeSequential},
			{From: "b", To: "a", Kind: EdgeSequential},
		},
	}
	_, err := stagePlan(plan)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}
