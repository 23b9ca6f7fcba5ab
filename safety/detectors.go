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

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// pattern is a compiled sensitive-data detector. The optional
// validator rejects structural false positives (bad SSN areas, failed
// Luhn checks) before a violation is reported.
type pattern struct {
	kind      ViolationKind
	severity  Severity
	re        *regexp.Regexp
	validator func(match string) bool
}

// sensitivePatterns covers structured identifiers: digit runs shaped
// like national IDs and card numbers, email-shaped tokens, and
// key-shaped secrets
var sensitivePatterns = []*pattern{
	{
		kind:      KindSSN,
		severity:  SeverityCritical,
		re:        regexp.MustCompile(`\b(\d{3})[- ]?(\d{2})[- ]?(\d{4})\b`),
		validator: validSSN,
	},
	{
		kind:      KindCreditCard,
		severity:  SeverityCritical,
		re:        regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validator: validCardNumber,
	},
	{
		kind:     KindEmail,
		severity: SeverityMedium,
		re:       regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
	},
	{
		kind:     KindAWSAccessKey,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	},
	{
		kind:     KindAPIKey,
		severity: SeverityHigh,
		re:       regexp.MustCompile(`\b(?:sk|pk|api|key|token)[-_][A-Za-z0-9_\-]{20,}\b`),
	},
}

// maliciousPatterns are known-dangerous substrings and structures.
// Any match is Critical and short-circuits the request.
var maliciousPatterns = []*pattern{
	{
		kind:     KindScriptTag,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`(?i)<\s*script\b|<\s*/\s*script\s*>|javascript\s*:`),
	},
	{
		kind:     KindEventHandler,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`(?i)\bon(?:click|error|load|mouseover|focus|submit)\s*=`),
	},
	{
		kind:     KindCodeExecution,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`(?i)\b(?:eval|exec|execfile|subprocess\.run|os\.system|__import__)\s*\(`),
	},
	{
		kind:     KindSQLInjection,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`(?i)\b(?:union\s+select|drop\s+table|insert\s+into|delete\s+from)\b|['"]\s*or\s+['"]?1['"]?\s*=\s*['"]?1`),
	},
}

// Entity is a free-text finding from the optional recognizer
type Entity struct {
	Kind  ViolationKind
	Text  string
	Start int
	End   int
}

// EntityRecognizer detects person and organization names in free text.
// Implementations may be remote; a failure must not abort
// sanitization, the pipeline falls back to the pattern layer alone.
type EntityRecognizer interface {
	Recognize(text string) ([]Entity, error)
}

// detectSensitive runs the fixed-pattern layer
func detectSensitive(text string) []Violation {
	var violations []Violation
	for _, p := range sensitivePatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			if p.validator != nil && !p.validator(matched) {
				continue
			}
			violations = append(violations, Violation{
				Kind:            p.kind,
				Severity:        p.severity,
				Start:           loc[0],
				End:             loc[1],
				Description:     "sensitive identifier detected",
				SuggestedAction: "redact before processing",
				MatchedText:     matched,
			})
		}
	}
	return violations
}

// detectMalicious runs the known-dangerous structure layer
func detectMalicious(text string) []Violation {
	var violations []Violation
	for _, p := range maliciousPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			violations = append(violations, Violation{
				Kind:            p.kind,
				Severity:        p.severity,
				Start:           loc[0],
				End:             loc[1],
				Description:     "malicious content structure detected",
				SuggestedAction: "reject request",
				MatchedText:     text[loc[0]:loc[1]],
			})
		}
	}
	return violations
}

// validSSN applies the US SSN structural rules: area not 000/666/9xx,
// group not 00, serial not 0000
func validSSN(match string) bool {
	clean := digitsOnly(match)
	if len(clean) != 9 {
		return false
	}

	area, _ := strconv.Atoi(clean[0:3])
	group, _ := strconv.Atoi(clean[3:5])
	serial, _ := strconv.Atoi(clean[5:9])

	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// validCardNumber requires a Luhn-valid digit run of plausible length
func validCardNumber(match string) bool {
	clean := digitsOnly(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false
	}
	return luhnCheck(clean)
}

// luhnCheck performs the Luhn checksum
func luhnCheck(number string) bool {
	sum := 0
	alternate := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

// Output-side scans. Placeholder markers mean a template was never
// filled in; internal identifiers are deployment paths and hostnames
// that must not reach an external consumer.
var (
	placeholderRe        = regexp.MustCompile(`\bTODO\b|\bFIXME\b|\{\{[^{}]*\}\}|\[(?:INSERT|PLACEHOLDER)[^\]]*\]`)
	internalIdentifierRe = regexp.MustCompile(`(?:/(?:etc|var|home|opt|srv)/[A-Za-z0-9_./-]+)|\b[a-z0-9-]+\.(?:internal|local|svc\.cluster\.local)\b|\bi-[0-9a-f]{17}\b`)
)

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
