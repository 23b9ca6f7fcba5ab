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

func TestTracer_SpanTreeCompletesOnRootFinish(t *testing.T) {
	tracer := NewTracer(10)

	root := tracer.StartSpan("", "analyze", nil)
	if root.TraceID == "" || root.SpanID == "" {
		t.Fatal("expected generated trace and span IDs")
	}

	child1 := tracer.StartSpan(root.TraceID, "agent:cost-trend", &root)
	child2 := tracer.StartSpan(root.TraceID, "agent:utilization", &root)

	tracer.FinishSpan(child1, SpanStatusOk, map[string]string{"agent": "cost-trend"})
	tracer.FinishSpan(child2, SpanStatusError, nil)

	if tracer.ActiveTraceCount() != 1 {
		t.Fatalf("trace should stay active until root finishes, active=%d", tracer.ActiveTraceCount())
	}

	tracer.FinishSpan(root, SpanStatusOk, nil)

	if tracer.ActiveTraceCount() != 0 {
		t.Errorf("expected no active traces, got %d", tracer.ActiveTraceCount())
	}

	completed := tracer.CompletedTraces(0)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed trace, got %d", len(completed))
	}

	summary := completed[0]
	if summary.SpanCount != 3 {
		t.Errorf("expected 3 spans, got %d", summary.SpanCount)
	}
	if summary.ErrorCount != 1 {
		t.Errorf("expected 1 error span, got %d", summary.ErrorCount)
	}
	if summary.RootOperation != "analyze" {
		t.Errorf("expected root operation analyze, got %s", summary.RootOperation)
	}
}

func TestTracer_DurationSpansMinToMax(t *testing.T) {
	tracer := NewTracer(10)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	tracer.now = func() time.Time { return current }

	root := tracer.StartSpan("", "analyze", nil)
	current = base.Add(10 * time.Millisecond)
	child := tracer.StartSpan(root.TraceID, "agent:projection", &root)

	current = base.Add(250 * time.Millisecond)
	tracer.FinishSpan(child, SpanStatusOk, nil)
	current = base.Add(200 * time.Millisecond) // root finishes before child's end
	tracer.FinishSpan(root, SpanStatusOk, nil)

	completed := tracer.CompletedTraces(0)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed trace, got %d", len(completed))
	}
	// Wall clock is max(end) - min(start): 250ms, not the root's 200ms
	if completed[0].DurationMs != 250 {
		t.Errorf("expected 250ms duration, got %v", completed[0].DurationMs)
	}
}

func TestTracer_CompletedBufferBounded(t *testing.T) {
	tracer := NewTracer(3)

	for i := 0; i < 5; i++ {
		h := tracer.StartSpan("", "op", nil)
		tracer.FinishSpan(h, SpanStatusOk, nil)
	}

	completed := tracer.CompletedTraces(0)
	if len(completed) != 3 {
		t.Errorf("expected buffer bounded at 3, got %d", len(completed))
	}
}

func TestTracer_UnfinishedChildrenClosedWithRoot(t *testing.T) {
	tracer := NewTracer(10)

	root := tracer.StartSpan("", "analyze", nil)
	tracer.StartSpan(root.TraceID, "agent:remediation", &root)

	tracer.FinishSpan(root, SpanStatusError, nil)

	completed := tracer.CompletedTraces(0)
	if len(completed) != 1 {
		t.Fatalf("expected completed trace, got %d", len(completed))
	}
	if completed[0].SpanCount != 2 {
		t.Errorf("expected orphan child included, got %d spans", completed[0].SpanCount)
	}
	// Orphan inherits the root's terminal status
	if completed[0].ErrorCount != 2 {
		t.Errorf("expected 2 error spans, got %d", completed[0].ErrorCount)
	}
}

func TestTracer_FinishUnknownSpanIsNoOp(t *testing.T) {
	tracer := NewTracer(10)
	tracer.FinishSpan(SpanHandle{TraceID: "nope", SpanID: "nope"}, SpanStatusOk, nil)

	if tracer.ActiveTraceCount() != 0 {
		t.Error("unknown span must not create state")
	}
}
