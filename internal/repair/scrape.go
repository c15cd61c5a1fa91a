package repair

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mgrote/clinscribe/internal/record"
)

var (
	nameFieldRe       = regexp.MustCompile(`"name"\s*:\s*"([^"\n]*)"`)
	confidenceFieldRe = regexp.MustCompile(`"confidence"\s*:\s*"?(-?\d+(?:\.\d+)?)"?`)
	severityFieldRe   = regexp.MustCompile(`"severity"\s*:\s*"([^"\n]*)"`)
)

// scrapeDiagnosis assembles one Diagnosis directly from field patterns when
// no structural parse succeeds. Returns false when the text yields no field
// at all, so the caller can fall through to the hard default.
func scrapeDiagnosis(text string) (record.Diagnosis, bool) {
	d := record.Diagnosis{Confidence: record.DefaultConfidence}
	found := false

	if m := nameFieldRe.FindStringSubmatch(text); m != nil && strings.TrimSpace(m[1]) != "" {
		d.Name = strings.TrimSpace(m[1])
		found = true
	}
	if m := confidenceFieldRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			d.Confidence = int(v)
			found = true
		}
	}
	if m := severityFieldRe.FindStringSubmatch(text); m != nil {
		d.Severity = record.Severity(strings.TrimSpace(m[1]))
		found = true
	}

	d.Findings = extractList(text, "findings")
	d.Differential = extractList(text, "differential")
	d.Plan = extractList(text, "plan")
	if len(d.Findings) > 0 || len(d.Differential) > 0 || len(d.Plan) > 0 {
		found = true
	}

	if !found {
		return record.Diagnosis{}, false
	}
	d.Normalize()
	return d, true
}

// extractList pulls the items of a list-valued field ("findings": [...])
// out of arbitrary text. It walks the bracketed region character by
// character, tracking quote and escape state, so commas inside quoted items
// do not split an item in two. Items are returned unquoted and trimmed;
// empty items are dropped. A field that is absent or unterminated yields an
// empty list.
func extractList(text, field string) []string {
	keyIdx := strings.Index(text, `"`+field+`"`)
	if keyIdx < 0 {
		keyIdx = strings.Index(text, field+":")
		if keyIdx < 0 {
			return []string{}
		}
	}
	open := strings.IndexByte(text[keyIdx:], '[')
	if open < 0 {
		return []string{}
	}
	open += keyIdx
	end, ok := matchBracket(text, open)
	if !ok {
		return []string{}
	}

	return splitItems(text[open+1 : end])
}

// splitItems splits the interior of a list on top-level commas, honoring
// quote and escape state.
func splitItems(body string) []string {
	var items []string
	var current strings.Builder
	inQuote := false
	escaped := false
	depth := 0

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case escaped:
			current.WriteByte(c)
			escaped = false
		case c == '\\':
			current.WriteByte(c)
			escaped = true
		case c == '"':
			current.WriteByte(c)
			inQuote = !inQuote
		case !inQuote && (c == '[' || c == '{'):
			current.WriteByte(c)
			depth++
		case !inQuote && (c == ']' || c == '}'):
			current.WriteByte(c)
			depth--
		case !inQuote && depth == 0 && c == ',':
			if item := cleanItem(current.String()); item != "" {
				items = append(items, item)
			}
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if item := cleanItem(current.String()); item != "" {
		items = append(items, item)
	}
	if items == nil {
		return []string{}
	}
	return items
}

// cleanItem trims whitespace and surrounding quotes from a list item and
// unescapes interior quotes.
func cleanItem(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.TrimSpace(s)
}

// matchBracket returns the index of the bracket closing the one at open,
// tracking quote and escape state so brackets inside string values are
// ignored. Returns false when the region is unterminated.
func matchBracket(s string, open int) (int, bool) {
	openCh := s[open]
	var closeCh byte
	switch openCh {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return 0, false
	}

	depth := 0
	inQuote := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case !inQuote && c == openCh:
			depth++
		case !inQuote && c == closeCh:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
