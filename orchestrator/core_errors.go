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
	"errors"
	"fmt"

	"costpilot/core/safety"
)

// ErrorKind classifies a failure of the orchestration core
type ErrorKind string

const (
	// KindRejectedInput: a Critical safety violation, fatal to the request
	KindRejectedInput ErrorKind = "rejected_input"
	// KindDependencyUnavailable: a circuit breaker is open; callers may
	// fall back to cached or degraded data
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"
	// KindAgentFailure: one node failed; siblings continue
	KindAgentFailure ErrorKind = "agent_failure"
	// KindValidationFailure: output failed schema/content checks;
	// degrade confidence rather than fail the request
	KindValidationFailure ErrorKind = "validation_failure"
	// KindTimeout: a node or call exceeded its deadline; treated like
	// an agent failure
	KindTimeout ErrorKind = "timeout"
	// KindInternal: observability/bookkeeping failure; swallowed and
	// counted, never surfaced
	KindInternal ErrorKind = "internal"
)

// Sentinels for errors.Is checks against a CoreError's kind
var (
	ErrRejectedInput         = errors.New("input rejected by safety pipeline")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrAgentFailure          = errors.New("agent failure")
	ErrValidationFailure     = errors.New("output validation failure")
	ErrTimeout               = errors.New("deadline exceeded")
	ErrInternal              = errors.New("internal error")
)

var kindSentinels = map[ErrorKind]error{
	KindRejectedInput:         ErrRejectedInput,
	KindDependencyUnavailable: ErrDependencyUnavailable,
	KindAgentFailure:          ErrAgentFailure,
	KindValidationFailure:     ErrValidationFailure,
	KindTimeout:               ErrTimeout,
	KindInternal:              ErrInternal,
}

// CoreError is the typed failure result of the core. It exists so the
// open-breaker and rejection cases are values callers must handle, not
// control flow smuggled through panics.
type CoreError struct {
	Kind       ErrorKind
	Message    string
	Violations []safety.Violation
	Err        error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is matches the sentinel for this error's kind, so
// errors.Is(err, ErrRejectedInput) works across wrapping
func (e *CoreError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewCoreError builds a CoreError wrapping err
func NewCoreError(kind ErrorKind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to AgentFailure
// for plain errors
func KindOf(err error) ErrorKind {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return KindAgentFailure
}
