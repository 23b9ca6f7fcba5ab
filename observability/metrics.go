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
	"sort"
	"sync"
	"time"
)

// MetricKind classifies a recorded metric
type MetricKind string

const (
	KindCounter   MetricKind = "counter"
	KindGauge     MetricKind = "gauge"
	KindHistogram MetricKind = "histogram"
	KindTimer     MetricKind = "timer"
)

// Metric is a single recorded measurement
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Kind      MetricKind        `json:"kind"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Well-known metric names recorded by the orchestration core
const (
	MetricRequests        = "orchestration.requests"
	MetricRequestLatency  = "orchestration.latency_ms"
	MetricAgentCalls      = "orchestration.agent_calls"
	MetricAgentLatency    = "orchestration.agent_latency_ms"
	MetricBreakersOpen    = "breakers.open"
	MetricSafetyFindings  = "safety.violations"
	MetricAlertsFired     = "alerts.fired"
	MetricInternalDropped = "observability.dropped"
)

// MetricStore keeps per-name bounded, time-ordered buffers of metrics.
// Writes are append-only; eviction of entries older than the retention
// window runs periodically, not per write.
type MetricStore struct {
	mu           sync.RWMutex
	series       map[string][]Metric
	retention    time.Duration
	maxPerSeries int
	now          func() time.Time
}

// MetricStoreConfig tunes retention behavior
type MetricStoreConfig struct {
	Retention    time.Duration
	MaxPerSeries int
}

// DefaultMetricStoreConfig returns sensible defaults
func DefaultMetricStoreConfig() MetricStoreConfig {
	return MetricStoreConfig{
		Retention:    time.Hour,
		MaxPerSeries: 10000,
	}
}

// NewMetricStore creates an empty store
func NewMetricStore(config MetricStoreConfig) *MetricStore {
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.MaxPerSeries <= 0 {
		config.MaxPerSeries = 10000
	}
	return &MetricStore{
		series:       make(map[string][]Metric),
		retention:    config.Retention,
		maxPerSeries: config.MaxPerSeries,
		now:          time.Now,
	}
}

// Record appends a metric to its series. A hard per-series cap bounds
// memory between sweeps.
func (s *MetricStore) Record(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.series[m.Name], m)
	if len(buf) > s.maxPerSeries {
		buf = buf[len(buf)-s.maxPerSeries:]
	}
	s.series[m.Name] = buf
}

// Sweep evicts entries older than the retention window
func (s *MetricStore) Sweep() {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, buf := range s.series {
		idx := 0
		for idx < len(buf) && buf[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx == len(buf) {
			delete(s.series, name)
		} else if idx > 0 {
			s.series[name] = append([]Metric(nil), buf[idx:]...)
		}
	}
}

// StartSweeper runs periodic eviction until stop is closed
func (s *MetricStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// MetricSummary aggregates one series
type MetricSummary struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Last  float64 `json:"last"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P95   float64 `json:"p95"`
}

// Summaries returns an aggregate view of every series, sorted by name
func (s *MetricStore) Summaries() []MetricSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MetricSummary, 0, len(s.series))
	for name, buf := range s.series {
		out = append(out, summarize(name, buf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SeriesValues returns the raw values of a series, optionally filtered
// by a label key/value pair (empty key matches everything)
func (s *MetricStore) SeriesValues(name, labelKey, labelValue string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var values []float64
	for _, m := range s.series[name] {
		if labelKey != "" && m.Labels[labelKey] != labelValue {
			continue
		}
		values = append(values, m.Value)
	}
	return values
}

// LatestValue returns the most recent value of a series, or 0
func (s *MetricStore) LatestValue(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.series[name]
	if len(buf) == 0 {
		return 0
	}
	return buf[len(buf)-1].Value
}

func summarize(name string, buf []Metric) MetricSummary {
	summary := MetricSummary{Name: name, Count: len(buf)}
	if len(buf) == 0 {
		return summary
	}

	values := make([]float64, len(buf))
	total := 0.0
	summary.Min = buf[0].Value
	summary.Max = buf[0].Value
	for i, m := range buf {
		values[i] = m.Value
		total += m.Value
		if m.Value < summary.Min {
			summary.Min = m.Value
		}
		if m.Value > summary.Max {
			summary.Max = m.Value
		}
	}
	summary.Last = buf[len(buf)-1].Value
	summary.Avg = total / float64(len(buf))

	sort.Float64s(values)
	summary.P95 = percentile(values, 95)
	return summary
}

// percentile expects sorted values
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// MetricsSnapshot is the aggregated view alert predicates evaluate
// against
type MetricsSnapshot struct {
	TotalRequests  int       `json:"total_requests"`
	FailureRate    float64   `json:"failure_rate"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	OpenBreakers   int       `json:"open_breakers"`
	SafetyFindings int       `json:"safety_findings"`
	DroppedEvents  int       `json:"dropped_events"`
	TakenAt        time.Time `json:"taken_at"`
}

// AggregateSnapshot computes the alerting snapshot from the well-known
// series
func (s *MetricStore) AggregateSnapshot() MetricsSnapshot {
	snap := MetricsSnapshot{TakenAt: s.now()}

	total := s.SeriesValues(MetricRequests, "", "")
	failures := s.SeriesValues(MetricRequests, "status", "error")
	snap.TotalRequests = len(total)
	if len(total) > 0 {
		snap.FailureRate = float64(len(failures)) / float64(len(total))
	}

	latencies := s.SeriesValues(MetricRequestLatency, "", "")
	if len(latencies) > 0 {
		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snap.AvgLatencyMs = sum / float64(len(latencies))
		sorted := append([]float64(nil), latencies...)
		sort.Float64s(sorted)
		snap.P95LatencyMs = percentile(sorted, 95)
	}

	snap.OpenBreakers = int(s.LatestValue(MetricBreakersOpen))
	snap.SafetyFindings = len(s.SeriesValues(MetricSafetyFindings, "", ""))
	snap.DroppedEvents = int(s.LatestValue(MetricInternalDropped))
	return snap
}
