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
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanStatus marks how a span terminated
type SpanStatus string

const (
	SpanStatusOk    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// Span is a single timed operation inside a trace
type Span struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	OperationName string            `json:"operation_name"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Status        SpanStatus        `json:"status"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// SpanHandle identifies an active span for FinishSpan and for parenting
// child spans
type SpanHandle struct {
	TraceID string
	SpanID  string
}

// TraceSummary describes one completed trace
type TraceSummary struct {
	TraceID       string    `json:"trace_id"`
	RootOperation string    `json:"root_operation"`
	SpanCount     int       `json:"span_count"`
	ErrorCount    int       `json:"error_count"`
	DurationMs    float64   `json:"duration_ms"`
	FinishedAt    time.Time `json:"finished_at"`
	Spans         []Span    `json:"-"`
}

// Tracer tracks span trees per trace. A trace stays active until its
// root span finishes, then the whole span set moves into a bounded
// completed-trace buffer, oldest evicted first.
type Tracer struct {
	mu           sync.Mutex
	active       map[string]map[string]*Span // traceID -> spanID -> span
	completed    []TraceSummary
	maxCompleted int
	now          func() time.Time
}

// NewTracer creates a tracer retaining up to maxCompleted finished
// traces
func NewTracer(maxCompleted int) *Tracer {
	if maxCompleted <= 0 {
		maxCompleted = 256
	}
	return &Tracer{
		active:       make(map[string]map[string]*Span),
		maxCompleted: maxCompleted,
		now:          time.Now,
	}
}

// StartSpan opens a span. An empty traceID starts a new trace with a
// generated identifier; a non-nil parent makes this a child span.
func (t *Tracer) StartSpan(traceID, operationName string, parent *SpanHandle) SpanHandle {
	if traceID == "" {
		traceID = uuid.NewString()
	}

	span := &Span{
		TraceID:       traceID,
		SpanID:        uuid.NewString(),
		OperationName: operationName,
		StartedAt:     t.now(),
		Status:        SpanStatusOk,
	}
	if parent != nil && parent.TraceID == traceID {
		span.ParentSpanID = parent.SpanID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[traceID]; !ok {
		t.active[traceID] = make(map[string]*Span)
	}
	t.active[traceID][span.SpanID] = span

	return SpanHandle{TraceID: traceID, SpanID: span.SpanID}
}

// FinishSpan closes a span. Finishing the root span of a trace moves
// the whole trace into the completed buffer; unfinished child spans are
// closed alongside it with their parent's status.
func (t *Tracer) FinishSpan(h SpanHandle, status SpanStatus, tags map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	spans, ok := t.active[h.TraceID]
	if !ok {
		return
	}
	span, ok := spans[h.SpanID]
	if !ok || span.FinishedAt != nil {
		return
	}

	now := t.now()
	span.FinishedAt = &now
	span.Status = status
	if len(tags) > 0 {
		if span.Tags == nil {
			span.Tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			span.Tags[k] = v
		}
	}

	if span.ParentSpanID == "" {
		t.completeTraceLocked(h.TraceID, span)
	}
}

// completeTraceLocked moves a trace into the completed buffer
func (t *Tracer) completeTraceLocked(traceID string, root *Span) {
	spans := t.active[traceID]
	delete(t.active, traceID)

	summary := TraceSummary{
		TraceID:       traceID,
		RootOperation: root.OperationName,
		FinishedAt:    *root.FinishedAt,
	}

	var minStart, maxEnd time.Time
	for _, span := range spans {
		if span.FinishedAt == nil {
			span.FinishedAt = root.FinishedAt
			span.Status = root.Status
		}
		summary.SpanCount++
		if span.Status == SpanStatusError {
			summary.ErrorCount++
		}
		if minStart.IsZero() || span.StartedAt.Before(minStart) {
			minStart = span.StartedAt
		}
		if span.FinishedAt.After(maxEnd) {
			maxEnd = *span.FinishedAt
		}
		summary.Spans = append(summary.Spans, *span)
	}
	summary.DurationMs = float64(maxEnd.Sub(minStart).Microseconds()) / 1000.0

	t.completed = append(t.completed, summary)
	if len(t.completed) > t.maxCompleted {
		t.completed = t.completed[len(t.completed)-t.maxCompleted:]
	}
}

// CompletedTraces returns recent completed traces, newest last
func (t *Tracer) CompletedTraces(limit int) []TraceSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := 0
	if limit > 0 && len(t.completed) > limit {
		start = len(t.completed) - limit
	}
	out := make([]TraceSummary, len(t.completed)-start)
	copy(out, t.completed[start:])
	return out
}

// ActiveTraceCount returns the number of traces not yet completed
func (t *Tracer) ActiveTraceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
