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

package safety

// ViolationKind categorizes a safety finding
type ViolationKind string

const (
	KindSSN             ViolationKind = "pii_ssn"
	KindCreditCard      ViolationKind = "pii_credit_card"
	KindEmail           ViolationKind = "pii_email"
	KindAPIKey          ViolationKind = "secret_api_key"
	KindAWSAccessKey    ViolationKind = "secret_aws_access_key"
	KindPersonName      ViolationKind = "pii_person_name"
	KindOrganization    ViolationKind = "pii_organization"
	KindScriptTag       ViolationKind = "malicious_script_tag"
	KindEventHandler    ViolationKind = "malicious_event_handler"
	KindCodeExecution   ViolationKind = "malicious_code_execution"
	KindSQLInjection    ViolationKind = "malicious_sql_injection"
	KindRepetition      ViolationKind = "excessive_repetition"
	KindMissingField    ViolationKind = "schema_missing_field"
	KindPlaceholder     ViolationKind = "unfilled_placeholder"
	KindInternalLeakage ViolationKind = "internal_identifier_leak"
)

// Severity ranks how serious a violation is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Violation is a single safety finding in input or output text.
// Span indexes [Start, End) refer to the text as it was when the
// detector ran.
type Violation struct {
	Kind            ViolationKind `json:"kind"`
	Severity        Severity      `json:"severity"`
	Start           int           `json:"start"`
	End             int           `json:"end"`
	Description     string        `json:"description"`
	SuggestedAction string        `json:"suggested_action"`
	MatchedText     string        `json:"matched_text,omitempty"`
}

// HasCritical reports whether any violation is Critical
func HasCritical(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// FilterBySeverity returns violations at or above min
func FilterBySeverity(violations []Violation, min Severity) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Severity.AtLeast(min) {
			out = append(out, v)
		}
	}
	return out
}
