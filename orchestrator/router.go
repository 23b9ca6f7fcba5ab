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
	"strings"

	"costpilot/core/agents"
)

// Router classifies a sanitized query into intents and plans the
// workflow topology. Classification is keyword-based and fully
// deterministic; no external call is made.
type Router struct{}

// NewRouter creates a router
func NewRouter() *Router {
	return &Router{}
}

// intentKeywords maps each specialist intent to its trigger terms
var intentKeywords = map[string][]string{
	agents.AgentCostTrend: {
		"trend", "spike", "increase", "decrease", "change", "spend", "cost",
		"why did", "grew", "dropped", "month over month",
	},
	agents.AgentResourceUtilization: {
		"utilization", "idle", "unused", "underutilized", "rightsize",
		"waste", "wasted", "capacity", "usage",
	},
	agents.AgentFinancialProjection: {
		"forecast", "project", "projection", "predict", "budget",
		"next quarter", "next month", "next year", "estimate",
	},
	agents.AgentRemediationPlanning: {
		"fix", "reduce", "optimize", "remediate", "save", "savings",
		"recommend", "recommendation", "action", "what should",
	},
}

// intentChainOrder lists intents with prerequisites before dependents
var intentChainOrder = []string{
	agents.AgentCostTrend,
	agents.AgentResourceUtilization,
	agents.AgentFinancialProjection,
	agents.AgentRemediationPlanning,
}

// intentPrereqs marks which intents consume another intent's output
var intentPrereqs = map[string]string{
	agents.AgentFinancialProjection: agents.AgentCostTrend,
	agents.AgentRemediationPlanning: agents.AgentResourceUtilization,
}

var comparisonTerms = []string{"compare", "comparison", "versus", " vs ", "difference between"}
var forecastTerms = []string{"forecast", "project", "predict", "next quarter", "next year", "trajectory"}

const (
	complexityLowMax  = 1
	complexityHighMin = 4
)

// ClassifyAndPlan maps the query to intents and picks a topology:
// single cheap intent runs Simple, comprehensive or expensive queries
// fan out Parallel into a synthesis step, dependent intent chains run
// Sequential, and a mix of independent and dependent intents runs
// Adaptive (parallel phase joined into the dependent chain).
func (r *Router) ClassifyAndPlan(q Query) (*WorkflowPlan, error) {
	intents := classifyIntents(q.SanitizedText)
	comprehensive := len(intents) == 0
	if comprehensive {
		intents = append([]string{}, intentChainOrder...)
	}
	complexity := estimateComplexity(q.SanitizedText, intents)

	var plan *WorkflowPlan
	switch {
	case len(intents) == 1 && complexity <= complexityLowMax:
		plan = simplePlan(q.ID, intents)
	case comprehensive || complexity >= complexityHighMin:
		// High complexity with a narrow match still deserves the full
		// fan-out; breadth is what the complexity signal is telling us
		plan = parallelPlan(q.ID, intentChainOrder, intents)
	case allChained(intents):
		plan = sequentialPlan(q.ID, intents)
	default:
		plan = adaptivePlan(q.ID, intents)
	}

	if err := plan.Validate(); err != nil {
		return nil, NewCoreError(KindInternal, "router produced an invalid plan", err)
	}
	return plan, nil
}

// classifyIntents returns matched intents in chain order
func classifyIntents(text string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, intent := range intentChainOrder {
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lower, kw) {
				matched = append(matched, intent)
				break
			}
		}
	}
	return matched
}

// estimateComplexity is a deterministic score over query length,
// matched intent count, and comparison/forecast language
func estimateComplexity(text string, intents []string) int {
	lower := strings.ToLower(text)
	words := len(strings.Fields(lower))

	score := 0
	switch {
	case words > 25:
		score += 2
	case words > 12:
		score++
	}
	score += len(intents) - 1

	for _, term := range comparisonTerms {
		if strings.Contains(lower, term) {
			score += 2
			break
		}
	}
	for _, term := range forecastTerms {
		if strings.Contains(lower, term) {
			score++
			break
		}
	}
	return score
}

// allChained reports whether every matched intent sits on one
// dependency chain, which makes a pure Sequential plan correct
func allChained(intents []string) bool {
	if len(intents) < 2 {
		return false
	}
	present := make(map[string]bool, len(intents))
	for _, intent := range intents {
		present[intent] = true
	}
	dependents := 0
	for _, intent := range intents {
		prereq, isDependent := intentPrereqs[intent]
		if !isDependent {
			continue
		}
		dependents++
		if !present[prereq] {
			return false
		}
	}
	// Without any dependent intent the set is independent, not a chain
	if dependents == 0 {
		return false
	}
	// Independent intents outside every dependent's prerequisite set
	// break the single chain
	needed := make(map[string]bool)
	for _, intent := range intents {
		if prereq, ok := intentPrereqs[intent]; ok {
			needed[prereq] = true
			needed[intent] = true
		}
	}
	for _, intent := range intents {
		if !needed[intent] {
			return false
		}
	}
	return true
}

func simplePlan(queryID string, intents []string) *WorkflowPlan {
	return &WorkflowPlan{
		QueryID:  queryID,
		Topology: TopologySimple,
		Nodes:    []string{intents[0]},
		Intents:  intents,
	}
}

func parallelPlan(queryID string, nodes, intents []string) *WorkflowPlan {
	plan := &WorkflowPlan{
		QueryID:  queryID,
		Topology: TopologyParallel,
		Nodes:    append(append([]string{}, nodes...), SynthesisNode),
		Intents:  intents,
	}
	for _, node := range nodes {
		plan.Edges = append(plan.Edges, Edge{From: node, To: SynthesisNode, Kind: EdgeConvergent})
	}
	return plan
}

func sequentialPlan(queryID string, intents []string) *WorkflowPlan {
	plan := &WorkflowPlan{
		QueryID:  queryID,
		Topology: TopologySequential,
		Nodes:    append([]string{}, intents...),
		Intents:  intents,
	}
	for i := 1; i < len(intents); i++ {
		plan.Edges = append(plan.Edges, Edge{From: intents[i-1], To: intents[i], Kind: EdgeSequential})
	}
	return plan
}

// adaptivePlan fans independent intents out in parallel, then joins
// them into the dependent chain
func adaptivePlan(queryID string, intents []string) *WorkflowPlan {
	var independent, dependent []string
	for _, intent := range intents {
		if _, ok := intentPrereqs[intent]; ok {
			dependent = append(dependent, intent)
		} else {
			independent = append(independent, intent)
		}
	}
	if len(dependent) == 0 {
		if len(independent) == 1 {
			return simplePlan(queryID, intents)
		}
		// All independent: a parallel fan-out with synthesis
		return parallelPlan(queryID, independent, intents)
	}

	plan := &WorkflowPlan{
		QueryID:  queryID,
		Topology: TopologyAdaptive,
		Nodes:    append(append([]string{}, independent...), dependent...),
		Intents:  intents,
	}
	join := dependent[0]
	kind := EdgeConvergent
	if len(independent) < 2 {
		kind = EdgeSequential
	}
	for _, node := range independent {
		plan.Edges = append(plan.Edges, Edge{From: node, To: join, Kind: kind})
	}
	for i := 1; i < len(dependent); i++ {
		plan.Edges = append(plan.Edges, Edge{From: dependent[i-1], To: dependent[i], Kind: EdgeSequential})
	}
	return plan
}
