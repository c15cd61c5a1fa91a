// Package extract implements the vitals/symptom extraction rules engine.
//
// The engine is a pure function over two pieces of text: the response of the
// detection model (which is asked to answer in a fixed
// Temperature/Blood Pressure/Pulse/Symptoms template) and the raw transcript
// the model was given. Field extractors are strict: a vital sign is stored
// only when the final formatted string passes its format validator, so a
// partial or placeholder match never reaches the record. The engine cannot
// fail; a pattern that does not match simply leaves its field absent.
//
// When the detection model itself is unreachable, callers degrade to
// [Engine.FallbackScan], a vocabulary-only pass over the transcript.
package extract

import (
	"regexp"
	"strings"

	"github.com/mgrote/clinscribe/internal/record"
)

// Vocabulary is the fixed set of common symptom names scanned for in every
// transcript, independent of what the detection model reports.
var Vocabulary = []string{
	"headache", "fever", "pain", "nausea", "cough",
	"sore throat", "fatigue", "dizziness",
}

// feverThreshold is the body temperature in °F above which the Fever symptom
// is inferred even when not spoken.
const feverThreshold = 99

var (
	tempDigitsRe = regexp.MustCompile(`(?i)temperature[:\s]*(\d+(?:\.\d+)?)`)
	tempSpokenRe = regexp.MustCompile(`(?i)temperature\s*(?:is|of)?\s*(?:one|two|three|four|five|six|seven|eight|nine|zero|\d+(?:\.\d+)?)(?:\s+(?:one|two|three|four|five|six|seven|eight|nine|zero|\d+))*(?:\s*(?:degrees)?\s*(?:fahrenheit|f)\b)?`)
	tempValidRe  = regexp.MustCompile(`^\d+(\.\d+)?°F$`)

	bpRe      = regexp.MustCompile(`(?i)blood pressure[:\s]*(\d+)\s*/\s*(\d+)`)
	bpValidRe = regexp.MustCompile(`^\d+/\d+ mmHg$`)

	pulseRe      = regexp.MustCompile(`(?i)pulse[:\s]*(\d+)`)
	pulseValidRe = regexp.MustCompile(`^\d+ bpm$`)

	symptomLineRe = regexp.MustCompile(`(?i)symptoms[:\s]*([^\n]+)`)

	wordRe = regexp.MustCompile(`[a-zA-Z]+`)
)

// spokenDigits maps spelled-out digit words to their numeral form.
var spokenDigits = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// Result is the outcome of one extraction pass.
type Result struct {
	Vitals   record.Vitals `json:"vitals"`
	Symptoms []string      `json:"symptoms"`
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithPhoneticAssist enables the Double Metaphone pass that maps misheard
// transcript tokens (e.g., "noseea") onto vocabulary symptoms.
func WithPhoneticAssist(m *Matcher) Option {
	return func(e *Engine) {
		e.phonetic = m
	}
}

// WithVocabulary replaces the default symptom vocabulary.
func WithVocabulary(vocabulary []string) Option {
	return func(e *Engine) {
		e.vocabulary = vocabulary
	}
}

// Engine extracts vitals and symptoms from text. It is read-only after
// construction and safe for concurrent use.
type Engine struct {
	vocabulary []string
	phonetic   *Matcher
}

// New returns an [Engine] configured with the supplied options.
func New(opts ...Option) *Engine {
	e := &Engine{vocabulary: Vocabulary}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract parses the detection model's response together with the raw
// transcript. A field extractor that finds nothing leaves its field absent;
// Extract itself never fails.
func (e *Engine) Extract(modelResponse, transcript string) Result {
	res := Result{}
	response := strings.ToLower(modelResponse)
	lowerTranscript := strings.ToLower(transcript)

	res.Vitals.Temperature = extractTemperature(response, transcript)
	res.Vitals.BloodPressure = extractBloodPressure(response, lowerTranscript)
	res.Vitals.Pulse = extractPulse(response, lowerTranscript)

	symptoms := newSymptomSet()
	symptoms.addAll(symptomsFromResponse(response))
	symptoms.addAll(e.scanVocabulary(lowerTranscript))
	if e.phonetic != nil {
		symptoms.addAll(e.phonetic.Scan(lowerTranscript, e.vocabulary))
	}
	if inferFever(res.Vitals.Temperature, lowerTranscript) {
		symptoms.add("fever")
	}
	res.Symptoms = symptoms.list()

	return res
}

// FallbackScan is the degraded extraction path used when the detection model
// call fails: a pure substring-match pass over the symptom vocabulary.
func (e *Engine) FallbackScan(transcript string) Result {
	lower := strings.ToLower(transcript)
	symptoms := newSymptomSet()
	for _, symptom := range e.vocabulary {
		if strings.Contains(lower, symptom) {
			symptoms.add(symptom)
		}
	}
	return Result{Symptoms: symptoms.list()}
}

// extractTemperature tries the digit pattern on the model response first,
// then the spoken-digit phrase on the transcript. The result is stored only
// when the final string passes the strict validator.
func extractTemperature(response, transcript string) string {
	for _, text := range []string{response, transcript} {
		if m := tempDigitsRe.FindStringSubmatch(text); m != nil {
			if formatted := m[1] + "°F"; tempValidRe.MatchString(formatted) {
				return formatted
			}
		}
	}
	if m := tempSpokenRe.FindString(transcript); m != "" {
		if formatted := transliterateSpoken(m) + "°F"; tempValidRe.MatchString(formatted) {
			return formatted
		}
	}
	return ""
}

// transliterateSpoken turns a spoken temperature phrase into a digit string:
// spelled-out digit words become numerals, existing numerals pass through,
// and every other token (the "temperature of" lead-in and unit words) is
// dropped.
func transliterateSpoken(phrase string) string {
	var b strings.Builder
	for _, tok := range strings.Fields(strings.ToLower(phrase)) {
		if d, ok := spokenDigits[tok]; ok {
			b.WriteString(d)
			continue
		}
		if isNumeric(tok) {
			b.WriteString(tok)
		}
	}
	return b.String()
}

// isNumeric accepts digit runs with at most one interior decimal point.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	dots := 0
	for i, r := range s {
		if r == '.' {
			dots++
			if dots > 1 || i == 0 || i == len(s)-1 {
				return false
			}
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func extractBloodPressure(response, transcript string) string {
	for _, text := range []string{response, transcript} {
		if m := bpRe.FindStringSubmatch(text); m != nil {
			if formatted := m[1] + "/" + m[2] + " mmHg"; bpValidRe.MatchString(formatted) {
				return formatted
			}
		}
	}
	return ""
}

func extractPulse(response, transcript string) string {
	for _, text := range []string{response, transcript} {
		if m := pulseRe.FindStringSubmatch(text); m != nil {
			if formatted := m[1] + " bpm"; pulseValidRe.MatchString(formatted) {
				return formatted
			}
		}
	}
	return ""
}

// symptomsFromResponse pulls symptom names out of the model's
// "Symptoms: <csv>" line, dropping empty and template-artifact tokens.
func symptomsFromResponse(response string) []string {
	m := symptomLineRe.FindStringSubmatch(response)
	if m == nil {
		return nil
	}
	var out []string
	for _, tok := range strings.FieldsFunc(m[1], func(r rune) bool {
		return r == ',' || r == '.'
	}) {
		tok = strings.TrimSpace(tok)
		if isPlaceholder(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// isPlaceholder reports whether a symptom token is a template artifact rather
// than a condition name.
func isPlaceholder(tok string) bool {
	if tok == "" {
		return true
	}
	if strings.ContainsAny(tok, "{}") {
		return true
	}
	switch strings.ToLower(tok) {
	case "none", "not mentioned":
		return true
	}
	return false
}

// scanVocabulary finds vocabulary symptoms appearing in the transcript as
// whole words.
func (e *Engine) scanVocabulary(lowerTranscript string) []string {
	words := make(map[string]bool)
	for _, w := range wordRe.FindAllString(lowerTranscript, -1) {
		words[w] = true
	}
	var out []string
	for _, symptom := range e.vocabulary {
		if containsPhrase(words, lowerTranscript, symptom) {
			out = append(out, symptom)
		}
	}
	return out
}

// containsPhrase reports whether a vocabulary entry occurs in the transcript
// on word boundaries. Multi-word entries fall back to a substring check since
// the word set cannot represent adjacency.
func containsPhrase(words map[string]bool, lowerTranscript, symptom string) bool {
	if !strings.Contains(symptom, " ") {
		return words[symptom]
	}
	return strings.Contains(lowerTranscript, symptom)
}

// inferFever applies the fever inference rule: a temperature above the
// threshold, or the literal word "fever" in the transcript.
func inferFever(temperature, lowerTranscript string) bool {
	if strings.Contains(lowerTranscript, "fever") {
		return true
	}
	if temperature == "" {
		return false
	}
	value := strings.TrimSuffix(temperature, "°F")
	return compareTemp(value, feverThreshold) > 0
}

// compareTemp compares a decimal temperature string against an integer
// threshold without floating point parsing surprises. Returns >0 when the
// value exceeds the threshold.
func compareTemp(value string, threshold int) int {
	intPart := value
	frac := ""
	if i := strings.IndexByte(value, '.'); i >= 0 {
		intPart, frac = value[:i], value[i+1:]
	}
	n := 0
	for _, r := range intPart {
		n = n*10 + int(r-'0')
	}
	switch {
	case n > threshold:
		return 1
	case n < threshold:
		return -1
	case strings.Trim(frac, "0") != "":
		return 1
	default:
		return 0
	}
}

// symptomSet deduplicates symptoms by lowercase key while preserving
// insertion order and re-capitalizing entries for display.
type symptomSet struct {
	seen  map[string]bool
	order []string
}

func newSymptomSet() *symptomSet {
	return &symptomSet{seen: make(map[string]bool)}
}

func (s *symptomSet) add(symptom string) {
	key := strings.ToLower(strings.TrimSpace(symptom))
	if key == "" || s.seen[key] {
		return
	}
	s.seen[key] = true
	s.order = append(s.order, capitalize(key))
}

func (s *symptomSet) addAll(symptoms []string) {
	for _, symptom := range symptoms {
		s.add(symptom)
	}
}

func (s *symptomSet) list() []string {
	return s.order
}

// capitalize upper-cases the first letter of a lowercase symptom name.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
