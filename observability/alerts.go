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

package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity ranks the urgency of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertRule is static configuration evaluated against the aggregated
// metrics snapshot
type AlertRule struct {
	Name      string
	Severity  AlertSeverity
	Predicate func(MetricsSnapshot) bool
	// Message may contain one %v verb filled with the snapshot
	Message  string
	Cooldown time.Duration
}

// Alert is a fired rule instance. At most one alert per rule name is
// active at a time.
type Alert struct {
	ID         string        `json:"id"`
	Rule       string        `json:"rule"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	FiredAt    time.Time     `json:"fired_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// AlertManager evaluates rules and de-duplicates firing by rule name
// with cooldown suppression
type AlertManager struct {
	mu         sync.Mutex
	rules      []AlertRule
	active     map[string]*Alert // rule name -> active alert
	lastFired  map[string]time.Time
	history    []Alert
	maxHistory int
	now        func() time.Time
}

// NewAlertManager creates a manager with the given rules
func NewAlertManager(rules []AlertRule) *AlertManager {
	return &AlertManager{
		rules:      rules,
		active:     make(map[string]*Alert),
		lastFired:  make(map[string]time.Time),
		maxHistory: 512,
		now:        time.Now,
	}
}

// DefaultAlertRules returns the stock rule set for the orchestration
// core
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			Name:     "high-failure-rate",
			Severity: AlertSeverityCritical,
			Predicate: func(s MetricsSnapshot) bool {
				return s.TotalRequests >= 10 && s.FailureRate >= 0.25
			},
			Message:  "request failure rate above 25%%: %v",
			Cooldown: 5 * time.Minute,
		},
		{
			Name:     "slow-p95-latency",
			Severity: AlertSeverityWarning,
			Predicate: func(s MetricsSnapshot) bool {
				return s.P95LatencyMs > 10000
			},
			Message:  "p95 request latency above 10s: %v",
			Cooldown: 5 * time.Minute,
		},
		{
			Name:     "open-circuit-breakers",
			Severity: AlertSeverityCritical,
			Predicate: func(s MetricsSnapshot) bool {
				return s.OpenBreakers > 0
			},
			Message:  "one or more circuit breakers are open: %v",
			Cooldown: 2 * time.Minute,
		},
		{
			Name:     "observability-drops",
			Severity: AlertSeverityInfo,
			Predicate: func(s MetricsSnapshot) bool {
				return s.DroppedEvents > 100
			},
			Message:  "observability events are being dropped: %v",
			Cooldown: 15 * time.Minute,
		},
	}
}

// Evaluate runs every rule against the snapshot. A rule firing while
// not active creates an Alert (unless inside its cooldown window); a
// rule whose predicate turned false resolves its active alert. Returns
// the alerts fired by this evaluation.
func (m *AlertManager) Evaluate(snap MetricsSnapshot) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var fired []Alert

	for _, rule := range m.rules {
		matched := rule.Predicate(snap)

		if !matched {
			if active, ok := m.active[rule.Name]; ok {
				resolvedAt := now
				active.ResolvedAt = &resolvedAt
				delete(m.active, rule.Name)
			}
			continue
		}

		if _, alreadyActive := m.active[rule.Name]; alreadyActive {
			continue
		}
		if last, ok := m.lastFired[rule.Name]; ok && now.Sub(last) < rule.Cooldown {
			continue
		}

		alert := Alert{
			ID:       uuid.NewString(),
			Rule:     rule.Name,
			Severity: rule.Severity,
			Message:  fmt.Sprintf(rule.Message, snap),
			FiredAt:  now,
		}
		m.active[rule.Name] = &alert
		m.lastFired[rule.Name] = now
		m.history = append(m.history, alert)
		if len(m.history) > m.maxHistory {
			m.history = m.history[len(m.history)-m.maxHistory:]
		}
		fired = append(fired, alert)
	}

	return fired
}

// ActiveAlerts returns currently firing alerts
func (m *AlertManager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// History returns fired alerts, oldest first
func (m *AlertManager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}
