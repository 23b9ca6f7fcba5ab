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

// Package safety sanitizes and validates all text crossing the trust
// boundary of the orchestration core.
//
// Inbound text goes through Sanitize: control characters stripped,
// markup neutralized, sensitive identifiers detected and redacted,
// known-dangerous structures flagged Critical. Outbound structured
// results go through ValidateOutput: schema presence, placeholder
// markers, and internal-identifier leakage.
//
// Sanitize never fails: malformed input always yields a best-effort
// cleaned string plus the violation list, and re-sanitizing already
// clean text is a no-op.
package safety

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"costpilot/core/shared/logger"
)

// PipelineConfig tunes the safety pipeline
type PipelineConfig struct {
	// MaxInputBytes caps the cleaned input length
	MaxInputBytes int `yaml:"max_input_bytes"`
	// RepetitionRatio flags a single token exceeding this share of
	// all tokens
	RepetitionRatio float64 `yaml:"repetition_ratio"`
	// RepetitionMinTokens gates the repetition heuristic
	RepetitionMinTokens int `yaml:"repetition_min_tokens"`
}

// DefaultPipelineConfig returns production defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxInputBytes:       16384,
		RepetitionRatio:     0.30,
		RepetitionMinTokens: 10,
	}
}

// Pipeline is the safety and validation pipeline. The entity
// recognizer and audit sink are optional; a nil or failing recognizer
// silently degrades to the pattern layer alone.
type Pipeline struct {
	config     PipelineConfig
	recognizer EntityRecognizer
	sink       AuditSink
	logger     *logger.Logger
}

// NewPipeline creates a pipeline. recognizer and sink may be nil.
func NewPipeline(config PipelineConfig, recognizer EntityRecognizer, sink AuditSink) *Pipeline {
	if config.MaxInputBytes <= 0 {
		config = DefaultPipelineConfig()
	}
	return &Pipeline{
		config:     config,
		recognizer: recognizer,
		sink:       sink,
		logger:     logger.New("safety"),
	}
}

// SanitizeResult is the outcome of input sanitization
type SanitizeResult struct {
	CleanText  string      `json:"clean_text"`
	Violations []Violation `json:"violations,omitempty"`
	// Rejected is set when a Critical violation was found; callers
	// must not forward the request to any agent
	Rejected bool `json:"rejected"`
}

// Sanitize cleans raw inbound text. It always returns a best-effort
// cleaned string; it never returns an error.
func (p *Pipeline) Sanitize(raw string) SanitizeResult {
	text := stripControlChars(raw)

	var violations []Violation
	violations = append(violations, detectMalicious(text)...)
	violations = append(violations, detectSensitive(text)...)
	violations = append(violations, p.recognizeEntities(text)...)

	text = redactSevere(text, violations)
	text = neutralizeMarkup(text)

	if v, flagged := p.checkRepetition(text); flagged {
		violations = append(violations, v)
	}

	if len(text) > p.config.MaxInputBytes {
		cut := p.config.MaxInputBytes
		// Back off to a rune boundary so the cut text stays valid UTF-8
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	result := SanitizeResult{
		CleanText:  text,
		Violations: violations,
		Rejected:   HasCritical(violations),
	}
	p.audit(violations)
	return result
}

// ValidationResult is the outcome of output validation
type ValidationResult struct {
	OK                bool                   `json:"ok"`
	Sanitized         map[string]interface{} `json:"sanitized"`
	Violations        []Violation            `json:"violations,omitempty"`
	ConfidencePenalty float64                `json:"confidence_penalty"`
}

// OutputShape declares what a well-formed structured result contains
type OutputShape struct {
	RequiredFields []string
}

// ValidateOutput checks a structured result bound for an external
// consumer. Failure is reported, never raised: ok=false with the
// violation list lets the caller decide between reject and degrade.
func (p *Pipeline) ValidateOutput(output map[string]interface{}, shape OutputShape) ValidationResult {
	var violations []Violation

	for _, field := range shape.RequiredFields {
		if _, ok := output[field]; !ok {
			violations = append(violations, Violation{
				Kind:            KindMissingField,
				Severity:        SeverityMedium,
				Description:     fmt.Sprintf("required field %q missing from output", field),
				SuggestedAction: "degrade confidence",
			})
		}
	}

	sanitized := make(map[string]interface{}, len(output))
	reject := false
	for key, value := range output {
		clean, valueViolations, valueReject := sanitizeOutputValue(value)
		sanitized[key] = clean
		violations = append(violations, valueViolations...)
		reject = reject || valueReject
	}

	penalty := 0.1 * float64(len(violations))
	if penalty > 0.5 {
		penalty = 0.5
	}

	result := ValidationResult{
		OK:                !reject,
		Sanitized:         sanitized,
		Violations:        violations,
		ConfidencePenalty: penalty,
	}
	p.audit(violations)
	return result
}

// sanitizeOutputValue scans one output value, descending into nested
// maps and slices so a leak buried inside an embedded agent result is
// caught the same as a top-level one
func sanitizeOutputValue(value interface{}) (interface{}, []Violation, bool) {
	switch v := value.(type) {
	case string:
		fieldViolations := checkOutputText(v)
		reject := false
		for _, fv := range fieldViolations {
			if fv.Kind == KindInternalLeakage {
				reject = true
			}
		}
		return redactSevere(v, fieldViolations), fieldViolations, reject

	case map[string]interface{}:
		clean := make(map[string]interface{}, len(v))
		var violations []Violation
		reject := false
		for key, nested := range v {
			cleanNested, nestedViolations, nestedReject := sanitizeOutputValue(nested)
			clean[key] = cleanNested
			violations = append(violations, nestedViolations...)
			reject = reject || nestedReject
		}
		return clean, violations, reject

	case []interface{}:
		clean := make([]interface{}, len(v))
		var violations []Violation
		reject := false
		for i, nested := range v {
			cleanNested, nestedViolations, nestedReject := sanitizeOutputValue(nested)
			clean[i] = cleanNested
			violations = append(violations, nestedViolations...)
			reject = reject || nestedReject
		}
		return clean, violations, reject

	default:
		return value, nil, false
	}
}

// recognizeEntities runs the optional recognizer; detector failures
// never abort the pipeline
func (p *Pipeline) recognizeEntities(text string) []Violation {
	if p.recognizer == nil {
		return nil
	}

	entities, err := p.recognizer.Recognize(text)
	if err != nil {
		p.logger.Debug("", "entity recognizer unavailable, using pattern layer only", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var violations []Violation
	for _, e := range entities {
		violations = append(violations, Violation{
			Kind:            e.Kind,
			Severity:        SeverityLow,
			Start:           e.Start,
			End:             e.End,
			Description:     "named entity detected in free text",
			SuggestedAction: "review before sharing",
			MatchedText:     e.Text,
		})
	}
	return violations
}

// checkRepetition flags a single token exceeding the configured share
// of all tokens, a cheap denial-of-service heuristic
func (p *Pipeline) checkRepetition(text string) (Violation, bool) {
	tokens := strings.Fields(text)
	if len(tokens) < p.config.RepetitionMinTokens {
		return Violation{}, false
	}

	counts := make(map[string]int)
	top, topToken := 0, ""
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > top {
			top = counts[tok]
			topToken = tok
		}
	}

	if float64(top)/float64(len(tokens)) <= p.config.RepetitionRatio {
		return Violation{}, false
	}
	return Violation{
		Kind:            KindRepetition,
		Severity:        SeverityMedium,
		Description:     fmt.Sprintf("token %q makes up over %.0f%% of the input", topToken, p.config.RepetitionRatio*100),
		SuggestedAction: "review input for flooding",
	}, true
}

// audit forwards Medium+ violations to the audit sink, best effort
func (p *Pipeline) audit(violations []Violation) {
	if p.sink == nil {
		return
	}
	for _, v := range FilterBySeverity(violations, SeverityMedium) {
		p.sink.Append(v)
	}
}

// checkOutputText scans one output string for placeholders and
// internal identifiers
func checkOutputText(text string) []Violation {
	var violations []Violation

	for _, loc := range placeholderRe.FindAllStringIndex(text, -1) {
		violations = append(violations, Violation{
			Kind:            KindPlaceholder,
			Severity:        SeverityMedium,
			Start:           loc[0],
			End:             loc[1],
			Description:     "unfilled placeholder marker in output",
			SuggestedAction: "degrade confidence",
			MatchedText:     text[loc[0]:loc[1]],
		})
	}

	for _, loc := range internalIdentifierRe.FindAllStringIndex(text, -1) {
		violations = append(violations, Violation{
			Kind:            KindInternalLeakage,
			Severity:        SeverityHigh,
			Start:           loc[0],
			End:             loc[1],
			Description:     "internal identifier in externally bound output",
			SuggestedAction: "reject output",
			MatchedText:     text[loc[0]:loc[1]],
		})
	}

	violations = append(violations, detectSensitive(text)...)
	return violations
}

// redactSevere replaces High and Critical spans with a marker naming
// the violation kind. Lower severities are recorded but not altered.
func redactSevere(text string, violations []Violation) string {
	var severe []Violation
	for _, v := range violations {
		if v.Severity.AtLeast(SeverityHigh) && v.End > v.Start && v.End <= len(text) {
			severe = append(severe, v)
		}
	}
	if len(severe) == 0 {
		return text
	}

	// Replace back to front so earlier spans keep their indexes;
	// overlapping spans are redacted once
	sort.Slice(severe, func(i, j int) bool { return severe[i].Start > severe[j].Start })

	lastStart := len(text) + 1
	for _, v := range severe {
		if v.End > lastStart {
			continue
		}
		text = text[:v.Start] + "[REDACTED:" + string(v.Kind) + "]" + text[v.End:]
		lastStart = v.Start
	}
	return text
}

// stripControlChars removes non-printable control characters, keeping
// newlines and tabs
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// neutralizeMarkup character-escapes markup delimiters. Only angle
// brackets and backticks are rewritten so that the transformation is
// idempotent on its own output.
func neutralizeMarkup(s string) string {
	replacer := strings.NewReplacer(
		"<", "&lt;",
		">", "&gt;",
		"`", "'",
	)
	return replacer.Replace(s)
}
