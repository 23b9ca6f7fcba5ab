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

package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"costpilot/core/circuitbreaker"
	"costpilot/core/costdata"
	"costpilot/core/inference"
	"costpilot/core/shared/logger"
)

// Deps are the shared dependencies every specialist needs. Outbound
// calls go through the breaker registry; StaleCache, when set, serves
// the last good cost data while the data-provider breaker is open.
type Deps struct {
	Inference  inference.Backend
	CostData   costdata.Provider
	StaleCache costdata.StaleReader
	Breakers   *circuitbreaker.Registry
}

// RegisterSpecialists builds the four analysis agents and registers
// them on the registry
func RegisterSpecialists(reg *Registry, deps Deps) error {
	specialists := []Agent{
		&costTrendAgent{deps: deps, logger: logger.New(AgentCostTrend)},
		&resourceUtilizationAgent{deps: deps, logger: logger.New(AgentResourceUtilization)},
		&financialProjectionAgent{deps: deps, logger: logger.New(AgentFinancialProjection)},
		&remediationPlanningAgent{deps: deps, logger: logger.New(AgentRemediationPlanning)},
	}
	for _, a := range specialists {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// queryFromInput extracts the cost data query from an agent input map,
// defaulting to the last 30 days for the whole account
func queryFromInput(input map[string]interface{}) costdata.Query {
	q := costdata.Query{
		Granularity: "daily",
		WindowEnd:   time.Now().UTC(),
	}
	q.WindowStart = q.WindowEnd.AddDate(0, 0, -30)

	if v, ok := input["account_id"].(string); ok {
		q.AccountID = v
	}
	if v, ok := input["service"].(string); ok {
		q.Service = v
	}
	if v, ok := input["window_start"].(time.Time); ok {
		q.WindowStart = v
	}
	if v, ok := input["window_end"].(time.Time); ok {
		q.WindowEnd = v
	}
	return q
}

// fetchCosts pulls cost records through the data-provider breaker.
// When the breaker is open it tries the stale cache before giving up,
// so a tripped provider degrades to cached data instead of failing
// the whole workflow.
func fetchCosts(ctx context.Context, deps Deps, q costdata.Query) (*costdata.ResultSet, error) {
	breaker := deps.Breakers.Get(costdata.BreakerName)
	out, err := breaker.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return deps.CostData.Fetch(ctx, q)
	})
	if err == nil {
		return out.(*costdata.ResultSet), nil
	}

	if errors.Is(err, circuitbreaker.ErrOpen) && deps.StaleCache != nil {
		if stale, staleErr := deps.StaleCache.Stale(ctx, q); staleErr == nil {
			return stale, nil
		}
	}
	return nil, err
}

// complete sends one prompt through the inference-backend breaker
func complete(ctx context.Context, deps Deps, system, prompt string) (string, error) {
	breaker := deps.Breakers.Get(inference.BreakerName)
	out, err := breaker.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return deps.Inference.Complete(ctx, inference.CompletionRequest{
			Prompt:       prompt,
			SystemPrompt: system,
			Temperature:  -1,
		})
	})
	if err != nil {
		return "", err
	}
	return out.(*inference.CompletionResponse).Content, nil
}

// costTrendAgent explains how spend moved across a window
type costTrendAgent struct {
	deps   Deps
	logger *logger.Logger
}

func (a *costTrendAgent) Name() string { return AgentCostTrend }

func (a *costTrendAgent) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	q := queryFromInput(input)
	data, err := fetchCosts(ctx, a.deps, q)
	if err != nil {
		return nil, fmt.Errorf("cost trend: fetching cost data: %w", err)
	}

	first, second := splitWindowTotals(data.Records, q)
	changePct := 0.0
	if first > 0 {
		changePct = (second - first) / first * 100
	}

	summary, err := complete(ctx, a.deps, costTrendSystemPrompt, fmt.Sprintf(
		"Total spend %.2f %s over the window. First half %.2f, second half %.2f, change %.1f%%. Top services: %s. Question: %s",
		data.Total, data.Currency, first, second, changePct,
		strings.Join(topServices(data.Records, 3), ", "),
		stringInput(input, "query"),
	))
	if err != nil {
		return nil, fmt.Errorf("cost trend: generating summary: %w", err)
	}

	out := map[string]interface{}{
		"summary":    summary,
		"total":      data.Total,
		"currency":   data.Currency,
		"change_pct": changePct,
		"confidence": 0.9,
	}
	if data.Stale {
		out["data_stale"] = true
		out["confidence"] = 0.6
	}
	return out, nil
}

const costTrendSystemPrompt = "You analyze cloud spend movements. Answer in two or three sentences, citing the figures you are given. Never invent numbers."

// resourceUtilizationAgent finds services that cost money without
// carrying load
type resourceUtilizationAgent struct {
	deps   Deps
	logger *logger.Logger
}

func (a *resourceUtilizationAgent) Name() string { return AgentResourceUtilization }

func (a *resourceUtilizationAgent) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	q := queryFromInput(input)
	data, err := fetchCosts(ctx, a.deps, q)
	if err != nil {
		return nil, fmt.Errorf("resource utilization: fetching cost data: %w", err)
	}

	perService := totalsByService(data.Records)
	underused := underutilizedServices(perService)

	summary, err := complete(ctx, a.deps, utilizationSystemPrompt, fmt.Sprintf(
		"Spend by service: %s. Candidates for rightsizing: %s. Question: %s",
		formatTotals(perService), strings.Join(underused, ", "), stringInput(input, "query"),
	))
	if err != nil {
		return nil, fmt.Errorf("resource utilization: generating summary: %w", err)
	}

	out := map[string]interface{}{
		"summary":       summary,
		"by_service":    perService,
		"underutilized": underused,
		"confidence":    0.85,
	}
	if data.Stale {
		out["data_stale"] = true
		out["confidence"] = 0.55
	}
	return out, nil
}

const utilizationSystemPrompt = "You review cloud resource utilization. Point at concrete services and keep it short."

// financialProjectionAgent extrapolates spend forward
type financialProjectionAgent struct {
	deps   Deps
	logger *logger.Logger
}

func (a *financialProjectionAgent) Name() string { return AgentFinancialProjection }

func (a *financialProjectionAgent) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	// A chained upstream node may already have computed the window
	// total; only fetch when it did not
	total, haveTotal := floatInput(input, "total")
	currency := stringInput(input, "currency")
	var stale bool

	if !haveTotal {
		q := queryFromInput(input)
		data, err := fetchCosts(ctx, a.deps, q)
		if err != nil {
			return nil, fmt.Errorf("financial projection: fetching cost data: %w", err)
		}
		total, currency, stale = data.Total, data.Currency, data.Stale
	}

	changePct, _ := floatInput(input, "change_pct")
	horizonMonths := 3
	projected := projectForward(total, changePct, horizonMonths)

	summary, err := complete(ctx, a.deps, projectionSystemPrompt, fmt.Sprintf(
		"Current window total %.2f %s, observed change %.1f%%. Linear projection over %d months: %.2f. Question: %s",
		total, currency, changePct, horizonMonths, projected, stringInput(input, "query"),
	))
	if err != nil {
		return nil, fmt.Errorf("financial projection: generating summary: %w", err)
	}

	out := map[string]interface{}{
		"summary":         summary,
		"projected_total": projected,
		"horizon_months":  horizonMonths,
		"confidence":      0.8,
	}
	if currency != "" {
		out["currency"] = currency
	}
	if stale {
		out["data_stale"] = true
		out["confidence"] = 0.5
	}
	return out, nil
}

const projectionSystemPrompt = "You produce cautious spend forecasts. State the assumption behind the projection."

// remediationPlanningAgent turns findings into an ordered action list
type remediationPlanningAgent struct {
	deps   Deps
	logger *logger.Logger
}

func (a *remediationPlanningAgent) Name() string { return AgentRemediationPlanning }

func (a *remediationPlanningAgent) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	var findings []string
	if v, ok := input["underutilized"].([]string); ok && len(v) > 0 {
		findings = append(findings, "underutilized services: "+strings.Join(v, ", "))
	}
	if v, ok := floatInput(input, "change_pct"); ok && v > 0 {
		findings = append(findings, fmt.Sprintf("spend grew %.1f%% across the window", v))
	}
	if v, ok := floatInput(input, "projected_total"); ok {
		findings = append(findings, fmt.Sprintf("projected spend %.2f", v))
	}
	if len(findings) == 0 {
		findings = append(findings, "no upstream findings, plan from the question alone")
	}

	raw, err := complete(ctx, a.deps, remediationSystemPrompt, fmt.Sprintf(
		"Findings: %s. Question: %s. Return one action per line, most impactful first.",
		strings.Join(findings, "; "), stringInput(input, "query"),
	))
	if err != nil {
		return nil, fmt.Errorf("remediation planning: generating plan: %w", err)
	}

	var recommendations []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			recommendations = append(recommendations, line)
		}
	}

	return map[string]interface{}{
		"summary":         fmt.Sprintf("%d remediation actions proposed", len(recommendations)),
		"recommendations": recommendations,
		"confidence":      0.75,
	}, nil
}

const remediationSystemPrompt = "You plan cost remediation. Only propose actions supported by the findings."

// splitWindowTotals sums spend on either side of the window midpoint
func splitWindowTotals(records []costdata.Record, q costdata.Query) (first, second float64) {
	mid := q.WindowStart.Add(q.WindowEnd.Sub(q.WindowStart) / 2)
	for _, r := range records {
		if r.PeriodStart.Before(mid) {
			first += r.Amount
		} else {
			second += r.Amount
		}
	}
	return first, second
}

func totalsByService(records []costdata.Record) map[string]float64 {
	totals := make(map[string]float64)
	for _, r := range records {
		totals[r.Service] += r.Amount
	}
	return totals
}

// underutilizedServices flags services whose spend sits below a tenth
// of the largest service's, a crude proxy absent real load metrics
func underutilizedServices(totals map[string]float64) []string {
	max := 0.0
	for _, amount := range totals {
		if amount > max {
			max = amount
		}
	}
	var out []string
	for service, amount := range totals {
		if max > 0 && amount < max*0.1 {
			out = append(out, service)
		}
	}
	sort.Strings(out)
	return out
}

func topServices(records []costdata.Record, n int) []string {
	totals := totalsByService(records)
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if totals[names[i]] != totals[names[j]] {
			return totals[names[i]] > totals[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func formatTotals(totals map[string]float64) string {
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.2f", name, totals[name]))
	}
	return strings.Join(parts, " ")
}

// projectForward compounds the observed window-over-window change
func projectForward(total, changePct float64, months int) float64 {
	projected := total
	monthly := 1 + changePct/100
	if monthly < 0 {
		monthly = 0
	}
	for i := 0; i < months; i++ {
		projected *= monthly
	}
	return projected
}

func stringInput(input map[string]interface{}, key string) string {
	v, _ := input[key].(string)
	return v
}

func floatInput(input map[string]interface{}, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
