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

func TestMetricStore_RecordAndSummaries(t *testing.T) {
	store := NewMetricStore(DefaultMetricStoreConfig())

	for i := 1; i <= 5; i++ {
		store.Record(Metric{Name: "test.latency", Value: float64(i * 10), Kind: KindTimer})
	}

	summaries := store.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("expected 1 series, got %d", len(summaries))
	}

	s := summaries[0]
	if s.Count != 5 {
		t.Errorf("expected 5 entries, got %d", s.Count)
	}
	if s.Min != 10 || s.Max != 50 {
		t.Errorf("expected min 10 max 50, got %v/%v", s.Min, s.Max)
	}
	if s.Avg != 30 {
		t.Errorf("expected avg 30, got %v", s.Avg)
	}
	if s.Last != 50 {
		t.Errorf("expected last 50, got %v", s.Last)
	}
}

func TestMetricStore_RetentionSweep(t *testing.T) {
	store := NewMetricStore(MetricStoreConfig{Retention: time.Minute, MaxPerSeries: 100})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	store.Record(Metric{Name: "old.metric", Value: 1, Kind: KindCounter, Timestamp: base.Add(-2 * time.Minute)})
	store.Record(Metric{Name: "fresh.metric", Value: 1, Kind: KindCounter, Timestamp: base.Add(-10 * time.Second)})

	store.Sweep()

	summaries := store.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("expected expired series evicted, got %d series", len(summaries))
	}
	if summaries[0].Name != "fresh.metric" {
		t.Errorf("expected fresh.metric to survive, got %s", summaries[0].Name)
	}
}

func TestMetricStore_PerSeriesCap(t *testing.T) {
	store := NewMetricStore(MetricStoreConfig{Retention: time.Hour, MaxPerSeries: 10})

	for i := 0; i < 25; i++ {
		store.Record(Metric{Name: "capped", Value: float64(i), Kind: KindCounter})
	}

	summaries := store.Summaries()
	if summaries[0].Count != 10 {
		t.Errorf("expected series capped at 10, got %d", summaries[0].Count)
	}
	if summaries[0].Last != 24 {
		t.Errorf("expected newest entries kept, last = %v", summaries[0].Last)
	}
}

func TestMetricStore_AggregateSnapshot(t *testing.T) {
	store := NewMetricStore(DefaultMetricStoreConfig())

	for i := 0; i < 8; i++ {
		store.Record(Metric{Name: MetricRequests, Value: 1, Kind: KindCounter, Labels: map[string]string{"status": "success"}})
	}
	for i := 0; i < 2; i++ {
		store.Record(Metric{Name: MetricRequests, Value: 1, Kind: KindCounter, Labels: map[string]string{"status": "error"}})
	}
	store.Record(Metric{Name: MetricRequestLatency, Value: 100, Kind: KindTimer})
	store.Record(Metric{Name: MetricRequestLatency, Value: 300, Kind: KindTimer})
	store.Record(Metric{Name: MetricBreakersOpen, Value: 2, Kind: KindGauge})

	snap := store.AggregateSnapshot()
	if snap.TotalRequests != 10 {
		t.Errorf("expected 10 requests, got %d", snap.TotalRequests)
	}
	if snap.FailureRate != 0.2 {
		t.Errorf("expected failure rate 0.2, got %v", snap.FailureRate)
	}
	if snap.AvgLatencyMs != 200 {
		t.Errorf("expected avg latency 200, got %v", snap.AvgLatencyMs)
	}
	if snap.OpenBreakers != 2 {
		t.Errorf("expected 2 open breakers, got %d", snap.OpenBreakers)
	}
}

func TestCore_RecordingNeverPropagates(t *testing.T) {
	core := NewCore(DefaultCoreConfig())
	defer core.Close()

	// A bogus finish for an unknown span must be a no-op, not a panic
	core.FinishSpan(SpanHandle{TraceID: "missing", SpanID: "missing"}, SpanStatusOk, nil)
	core.RecordMetric("free.form", 1, KindCounter, nil)
	core.ObserveRequest("success", "parallel", 120*time.Millisecond)
	core.ObserveAgentCall("cost-trend", "success", 80*time.Millisecond)
	core.ObserveBreakerTransition("data-provider", "open", 1)
	core.ObserveSafetyViolation("pii_ssn", "critical")

	snap := core.Snapshot()
	if snap.Aggregated.TotalRequests != 1 {
		t.Errorf("expected 1 request in snapshot, got %d", snap.Aggregated.TotalRequests)
	}
	if snap.Aggregated.OpenBreakers != 1 {
		t.Errorf("expected open breaker gauge 1, got %d", snap.Aggregated.OpenBreakers)
	}
}
