// Package repair recovers a structured diagnosis record from unreliable
// model output.
//
// Text-generation models asked for JSON routinely wrap it in markdown
// fences, leave trailing commas, forget to quote keys, or nest unescaped
// quotes inside string values. Repair applies a tiered cascade: a strict
// parse after mechanical cleanup, a nested-quote rewrite, an array-only
// partial parse, field-by-field scraping with a quote-aware tokenizer, and
// finally a hard default. Whichever tier succeeds, every entry is normalized
// against the record invariants before it is returned, so the caller always
// receives at least one valid [record.Diagnosis] and never an error.
package repair

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mgrote/clinscribe/internal/record"
)

var (
	fencedJSONRe  = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedPlainRe = regexp.MustCompile("(?s)```\\s*(.*?)```")

	trailingCommaObjRe = regexp.MustCompile(`,\s*}`)
	trailingCommaArrRe = regexp.MustCompile(`,\s*]`)
	unquotedKeyRe      = regexp.MustCompile(`(['"])?([a-zA-Z0-9_]+)(['"])?\s*:`)
	controlCharRe      = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)

	// nestedQuoteRe finds an inner quoted "key": value pair inside a
	// parenthetical, e.g. ("RLL": right lower lobe), which breaks the outer
	// string it is embedded in.
	nestedQuoteRe = regexp.MustCompile(`\(\s*"([^"()]+)"\s*:\s*([^)]*)\)`)
)

// rawDocument is the tolerant intermediate shape parsed before validation.
// Field values are left untyped so a model writing "confidence": "high" or
// "findings": "none" degrades that field instead of failing the document.
type rawDocument struct {
	Diagnoses []map[string]any `json:"diagnoses"`
}

// Tier identifies which stage of the cascade produced a result. Useful for
// instrumentation; callers that only want the diagnoses can ignore it.
type Tier string

const (
	TierStrict    Tier = "strict"
	TierSanitized Tier = "sanitized"
	TierPartial   Tier = "partial"
	TierScraped   Tier = "scraped"
	TierFallback  Tier = "fallback"
)

// Repair recovers one or more diagnoses from raw model text. It never fails:
// when every tier of the cascade comes up empty the hard fallback entry is
// returned. All returned entries satisfy the record invariants.
func Repair(raw string) []record.Diagnosis {
	diagnoses, _ := RepairWithTier(raw)
	return diagnoses
}

// RepairWithTier is [Repair] plus the [Tier] that produced the result.
func RepairWithTier(raw string) ([]record.Diagnosis, Tier) {
	text := stripFences(raw)
	located := locateDocument(text)

	// Tier 1: strict parse of the located document, untouched. A well-formed
	// response must round-trip without any string surgery.
	if diagnoses, ok := parseDocument(located); ok {
		return diagnoses, TierStrict
	}

	// Tier 1b: mechanical cleanup, then retry.
	cleaned := normalizeDefects(located)
	if diagnoses, ok := parseDocument(cleaned); ok {
		return diagnoses, TierSanitized
	}

	// Tier 2: rewrite unescaped inner quotes, retry the full document.
	if diagnoses, ok := parseDocument(repairNestedQuotes(cleaned)); ok {
		return diagnoses, TierSanitized
	}

	// Tier 3: parse just the diagnoses array in isolation.
	if diagnoses, ok := parseArrayOnly(text); ok {
		return diagnoses, TierPartial
	}

	// Tier 4: scrape individual fields out of the wreckage.
	if diag, ok := scrapeDiagnosis(text); ok {
		return []record.Diagnosis{diag}, TierScraped
	}

	// Tier 5: hard fallback.
	return []record.Diagnosis{record.DefaultDiagnosis()}, TierFallback
}

// stripFences unwraps markdown code fences, preferring an explicit ```json
// block over a generic one. Text without fences passes through unchanged.
func stripFences(s string) string {
	if m := fencedJSONRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := fencedPlainRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// locateDocument narrows s to the {"diagnoses": [...]} object using balanced
// bracket matching from the object brace enclosing the "diagnoses" key.
// Returns s unchanged when no such region can be located.
func locateDocument(s string) string {
	keyIdx := indexDiagnosesKey(s)
	if keyIdx < 0 {
		return s
	}
	open := strings.LastIndexByte(s[:keyIdx], '{')
	if open < 0 {
		return s
	}
	end, ok := matchBracket(s, open)
	if !ok {
		return s
	}
	return s[open : end+1]
}

// indexDiagnosesKey finds the "diagnoses" key, tolerating missing quotes.
func indexDiagnosesKey(s string) int {
	if i := strings.Index(s, `"diagnoses"`); i >= 0 {
		return i
	}
	return strings.Index(s, "diagnoses")
}

// normalizeDefects fixes the mechanical formatting defects models produce:
// trailing commas, unquoted property names, over-escaped quotes, and literal
// newline escapes inside values.
func normalizeDefects(s string) string {
	s = trailingCommaObjRe.ReplaceAllString(s, "}")
	s = trailingCommaArrRe.ReplaceAllString(s, "]")
	s = unquotedKeyRe.ReplaceAllString(s, `"$2":`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\n`, " ")
	return s
}

// repairNestedQuotes converts inner ("key": value) quoting into a plain
// parenthetical so the enclosing string value becomes parseable again.
func repairNestedQuotes(s string) string {
	return nestedQuoteRe.ReplaceAllString(s, "($1: $2)")
}

// parseDocument attempts a JSON parse of the full document and validates the
// result. Returns false when parsing fails or the document carries no
// diagnoses array.
func parseDocument(s string) ([]record.Diagnosis, bool) {
	var doc rawDocument
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, false
	}
	if len(doc.Diagnoses) == 0 {
		return nil, false
	}
	return validateAll(doc.Diagnoses), true
}

// parseArrayOnly extracts the "diagnoses": [...] array substring, applies
// the same repairs to that smaller text, and wraps a successful parse back
// into a single-key document.
func parseArrayOnly(s string) ([]record.Diagnosis, bool) {
	keyIdx := indexDiagnosesKey(s)
	if keyIdx < 0 {
		return nil, false
	}
	open := strings.IndexByte(s[keyIdx:], '[')
	if open < 0 {
		return nil, false
	}
	open += keyIdx
	end, ok := matchBracket(s, open)
	if !ok {
		return nil, false
	}

	arrText := controlCharRe.ReplaceAllString(s[open:end+1], "")
	arrText = normalizeDefects(arrText)

	var entries []map[string]any
	if err := json.Unmarshal([]byte(arrText), &entries); err != nil {
		arrText = repairNestedQuotes(arrText)
		if err := json.Unmarshal([]byte(arrText), &entries); err != nil {
			return nil, false
		}
	}
	if len(entries) == 0 {
		return nil, false
	}
	return validateAll(entries), true
}

// validateAll converts every raw entry and enforces the record invariants.
func validateAll(entries []map[string]any) []record.Diagnosis {
	out := make([]record.Diagnosis, 0, len(entries))
	for _, entry := range entries {
		out = append(out, validateEntry(entry))
	}
	return out
}

// validateEntry builds a Diagnosis from an untyped map, defaulting every
// field that has the wrong shape, then normalizes.
func validateEntry(entry map[string]any) record.Diagnosis {
	d := record.Diagnosis{Confidence: record.DefaultConfidence}

	if name, ok := entry["name"].(string); ok {
		d.Name = name
	}
	if conf, ok := entry["confidence"].(float64); ok {
		d.Confidence = int(conf)
	}
	d.Findings = stringList(entry["findings"])
	d.Differential = stringList(entry["differential"])
	d.Plan = stringList(entry["plan"])
	if sev, ok := entry["severity"].(string); ok {
		d.Severity = record.Severity(sev)
	}

	d.Normalize()
	return d
}

// stringList coerces a decoded JSON value into a string slice. Anything that
// is not a list yields an empty slice; non-string members are skipped.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
