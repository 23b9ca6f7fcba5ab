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
	"testing"
	"time"
)

func failureRateRule(cooldown time.Duration) AlertRule {
	return AlertRule{
		Name:     "high-failure-rate",
		Severity: AlertSeverityCritical,
		Predicate: func(s MetricsSnapshot) bool {
			return s.FailureRate >= 0.5
		},
		Message:  "failure rate too high: %v",
		Cooldown: cooldown,
	}
}

func TestAlertManager_FiresOnce(t *testing.T) {
	manager := NewAlertManager([]AlertRule{failureRateRule(5 * time.Minute)})

	fired := manager.Evaluate(MetricsSnapshot{FailureRate: 0.8})
	if len(fired) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(fired))
	}
	if fired[0].Severity != AlertSeverityCritical {
		t.Errorf("expected critical severity, got %s", fired[0].Severity)
	}
	if fired[0].ID == "" {
		t.Error("expected generated alert ID")
	}
}

func TestAlertManager_DeduplicatesWithinCooldown(t *testing.T) {
	manager := NewAlertManager([]AlertRule{failureRateRule(5 * time.Minute)})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	manager.now = func() time.Time { return current }

	// Two consecutive evaluation cycles with the predicate true must
	// produce exactly one Alert instance
	first := manager.Evaluate(MetricsSnapshot{FailureRate: 0.9})
	current = base.Add(15 * time.Second)
	second := manager.Evaluate(MetricsSnapshot{FailureRate: 0.9})

	if len(first) != 1 {
		t.Fatalf("expected first cycle to fire, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected second cycle suppressed, got %d", len(second))
	}
	if len(manager.History()) != 1 {
		t.Errorf("expected exactly 1 alert in history, got %d", len(manager.History()))
	}
}

func TestAlertManager_ResolvesWhenPredicateClears(t *testing.T) {
	manager := NewAlertManager([]AlertRule{failureRateRule(time.Minute)})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	manager.now = func() time.Time { return current }

	manager.Evaluate(MetricsSnapshot{FailureRate: 0.9})
	if len(manager.ActiveAlerts()) != 1 {
		t.Fatal("expected active alert")
	}

	current = base.Add(30 * time.Second)
	manager.Evaluate(MetricsSnapshot{FailureRate: 0.0})

	if len(manager.ActiveAlerts()) != 0 {
		t.Error("expected alert resolved when predicate cleared")
	}

	history := manager.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 historical alert, got %d", len(history))
	}
}

func TestAlertManager_CooldownSuppressesRefire(t *testing.T) {
	manager := NewAlertManager([]AlertRule{failureRateRule(5 * time.Minute)})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	manager.now = func() time.Time { return current }

	manager.Evaluate(MetricsSnapshot{FailureRate: 0.9}) // fires
	current = base.Add(time.Minute)
	manager.Evaluate(MetricsSnapshot{FailureRate: 0.0}) // resolves
	current = base.Add(2 * time.Minute)
	refire := manager.Evaluate(MetricsSnapshot{FailureRate: 0.9}) // inside cooldown

	if len(refire) != 0 {
		t.Errorf("expected refire suppressed inside cooldown, got %d", len(refire))
	}

	current = base.Add(6 * time.Minute)
	late := manager.Evaluate(MetricsSnapshot{FailureRate: 0.9})
	if len(late) != 1 {
		t.Errorf("expected refire after cooldown, got %d", len(late))
	}
}

func TestDefaultAlertRules_OpenBreakers(t *testing.T) {
	manager := NewAlertManager(DefaultAlertRules())

	fired := manager.Evaluate(MetricsSnapshot{OpenBreakers: 1})

	found := false
	for _, a := range fired {
		if a.Rule == "open-circuit-breakers" {
			found = true
		}
	}
	if !found {
		t.Error("expected open-circuit-breakers rule to fire")
	}
}
