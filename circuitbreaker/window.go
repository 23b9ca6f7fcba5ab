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

package circuitbreaker

import (
	"sync"
	"time"
)

// CallResult records the outcome of a single guarded call
type CallResult struct {
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration_ms"`
	Timestamp time.Time     `json:"timestamp"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// slidingWindow is a bounded ring buffer of recent call outcomes.
// Appends are concurrent-safe; oldest entries are evicted once the
// buffer is full.
type slidingWindow struct {
	mu      sync.Mutex
	results []CallResult
	next    int
	filled  bool
}

func newSlidingWindow(capacity int) *slidingWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &slidingWindow{
		results: make([]CallResult, capacity),
	}
}

// Append records a call result, evicting the oldest entry when full
func (w *slidingWindow) Append(r CallResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.results[w.next] = r
	w.next++
	if w.next == len(w.results) {
		w.next = 0
		w.filled = true
	}
}

// windowStats summarizes the current window contents
type windowStats struct {
	Total    int
	Failures int
	Slow     int
}

// Stats counts failures and calls slower than slowThreshold
func (w *slidingWindow) Stats(slowThreshold time.Duration) windowStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := w.next
	if w.filled {
		count = len(w.results)
	}

	stats := windowStats{Total: count}
	for i := 0; i < count; i++ {
		r := w.results[i]
		if !r.Success {
			stats.Failures++
		}
		if r.Duration >= slowThreshold {
			stats.Slow++
		}
	}
	return stats
}

// FailureRate returns the windowed failure rate, or 0 when empty
func (s windowStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Total)
}

// SlowRate returns the windowed slow-call rate, or 0 when empty
func (s windowStats) SlowRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Slow) / float64(s.Total)
}

// Reset clears all recorded results
func (w *slidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = 0
	w.filled = false
}

// Snapshot returns a copy of the recorded results, oldest first
func (w *slidingWindow) Snapshot() []CallResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.filled {
		out := make([]CallResult, w.next)
		copy(out, w.results[:w.next])
		return out
	}

	out := make([]CallResult, 0, len(w.results))
	out = append(out, w.results[w.next:]...)
	out = append(out, w.results[:w.next]...)
	return out
}
