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

// Package costdata fetches billing and utilization records from the
// upstream cost data service. Calls from the orchestrator go through
// the "data-provider" circuit breaker; the cached provider keeps the
// last good answer per query in Redis so a tripped breaker can still
// serve stale data.
package costdata

import (
	"context"
	"time"
)

// BreakerName is the circuit breaker dependency name for the service
const BreakerName = "data-provider"

// Query selects cost records for one account and window
type Query struct {
	AccountID   string    `json:"account_id"`
	Service     string    `json:"service,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Granularity string    `json:"granularity,omitempty"` // hourly, daily, monthly
}

// Record is one billed usage line
type Record struct {
	AccountID   string    `json:"account_id"`
	Service     string    `json:"service"`
	Region      string    `json:"region,omitempty"`
	UsageType   string    `json:"usage_type,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// ResultSet is what a query returns
type ResultSet struct {
	Records   []Record  `json:"records"`
	Total     float64   `json:"total"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetched_at"`
	// Stale is set when the result came from cache instead of the
	// upstream service
	Stale bool `json:"stale,omitempty"`
}

// Provider fetches cost records. Implementations must honor ctx
// cancellation.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, q Query) (*ResultSet, error)
}

// StaleReader serves the last good result for a query when the live
// path is unavailable
type StaleReader interface {
	Stale(ctx context.Context, q Query) (*ResultSet, error)
}
