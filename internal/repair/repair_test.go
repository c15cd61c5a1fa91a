package repair

import (
	"slices"
	"testing"

	"github.com/mgrote/clinscribe/internal/record"
)

func TestRepair_WellFormedRoundTrip(t *testing.T) {
	t.Parallel()

	raw := `{
		"diagnoses": [
			{
				"name": "Community-Acquired Pneumonia",
				"confidence": 85,
				"findings": ["Right lower lobe consolidation", "Elevated WBC: 14.2 K/uL"],
				"differential": ["Bronchitis", "Pulmonary embolism"],
				"plan": ["Amoxicillin 500mg TID", "Chest X-ray follow-up in 6 weeks"],
				"severity": "Moderate"
			}
		]
	}`

	got := Repair(raw)
	if len(got) != 1 {
		t.Fatalf("want 1 diagnosis, got %d", len(got))
	}
	d := got[0]
	if d.Name != "Community-Acquired Pneumonia" {
		t.Errorf("Name: got %q", d.Name)
	}
	if d.Confidence != 85 {
		t.Errorf("Confidence: want 85, got %d", d.Confidence)
	}
	if !slices.Equal(d.Findings, []string{"Right lower lobe consolidation", "Elevated WBC: 14.2 K/uL"}) {
		t.Errorf("Findings: got %v", d.Findings)
	}
	if !slices.Equal(d.Differential, []string{"Bronchitis", "Pulmonary embolism"}) {
		t.Errorf("Differential: got %v", d.Differential)
	}
	if !slices.Equal(d.Plan, []string{"Amoxicillin 500mg TID", "Chest X-ray follow-up in 6 weeks"}) {
		t.Errorf("Plan: got %v", d.Plan)
	}
	if d.Severity != record.SeverityModerate {
		t.Errorf("Severity: got %q", d.Severity)
	}
}

func TestRepair_MarkdownFences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "json fence",
			raw:  "Here is the structured output:\n```json\n{\"diagnoses\": [{\"name\": \"Cellulitis\", \"confidence\": 70, \"findings\": [], \"differential\": [], \"plan\": [], \"severity\": \"Mild\"}]}\n```\nLet me know if you need anything else.",
		},
		{
			name: "generic fence",
			raw:  "```\n{\"diagnoses\": [{\"name\": \"Cellulitis\", \"confidence\": 70, \"findings\": [], \"differential\": [], \"plan\": [], \"severity\": \"Mild\"}]}\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Repair(tt.raw)
			if len(got) != 1 || got[0].Name != "Cellulitis" {
				t.Errorf("want Cellulitis, got %+v", got)
			}
			if got[0].Severity != record.SeverityMild {
				t.Errorf("Severity: got %q", got[0].Severity)
			}
		})
	}
}

func TestRepair_FormattingDefects(t *testing.T) {
	t.Parallel()

	// Trailing commas and unquoted keys, as smaller instruct models produce.
	raw := `{"diagnoses": [{name: "Gastritis", confidence: 65, findings: ["Epigastric tenderness",], differential: [], plan: ["PPI trial",], severity: "Mild",},]}`

	got := Repair(raw)
	if len(got) != 1 {
		t.Fatalf("want 1 diagnosis, got %d", len(got))
	}
	if got[0].Name != "Gastritis" || got[0].Confidence != 65 {
		t.Errorf("got %+v", got[0])
	}
	if !slices.Equal(got[0].Findings, []string{"Epigastric tenderness"}) {
		t.Errorf("Findings: got %v", got[0].Findings)
	}
}

func TestRepair_ConfidenceNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{
			name: "above range clamps to 100",
			raw:  `{"diagnoses": [{"name": "Flu", "confidence": 140, "severity": "Mild"}]}`,
			want: 100,
		},
		{
			name: "below range clamps to 0",
			raw:  `{"diagnoses": [{"name": "Flu", "confidence": -10, "severity": "Mild"}]}`,
			want: 0,
		},
		{
			name: "non-numeric defaults to 75",
			raw:  `{"diagnoses": [{"name": "Flu", "confidence": "very high", "severity": "Mild"}]}`,
			want: 75,
		},
		{
			name: "missing defaults to 75",
			raw:  `{"diagnoses": [{"name": "Flu", "severity": "Mild"}]}`,
			want: 75,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Repair(tt.raw)
			if len(got) != 1 {
				t.Fatalf("want 1 diagnosis, got %d", len(got))
			}
			if got[0].Confidence != tt.want {
				t.Errorf("Confidence: want %d, got %d", tt.want, got[0].Confidence)
			}
		})
	}
}

func TestRepair_SeverityCoercion(t *testing.T) {
	t.Parallel()

	for _, sev := range []string{"Critical", "severe", "", "unknown"} {
		raw := `{"diagnoses": [{"name": "Flu", "severity": "` + sev + `"}]}`
		got := Repair(raw)
		if got[0].Severity != record.SeverityModerate {
			t.Errorf("severity %q: want Moderate, got %q", sev, got[0].Severity)
		}
	}
}

func TestRepair_NestedQuoteRecovery(t *testing.T) {
	t.Parallel()

	// An unescaped inner "key": value pair inside a findings string.
	raw := `{"diagnoses": [{"name": "Pneumonia", "confidence": 80, "findings": ["Consolidation ("RLL": right lower lobe)"], "differential": [], "plan": [], "severity": "Severe"}]}`

	got := Repair(raw)
	if len(got) != 1 {
		t.Fatalf("want 1 diagnosis, got %d", len(got))
	}
	if got[0].Name != "Pneumonia" {
		t.Errorf("Name: got %q", got[0].Name)
	}
	if got[0].Severity != record.SeveritySevere {
		t.Errorf("Severity: got %q", got[0].Severity)
	}
	if len(got[0].Findings) != 1 || !slices.Contains(got[0].Findings, "Consolidation (RLL: right lower lobe)") {
		t.Errorf("Findings: got %v", got[0].Findings)
	}
}

func TestRepair_ArrayOnlyExtraction(t *testing.T) {
	t.Parallel()

	raw := `Sure — based on the scan the structured result is "diagnoses": [{"name": "Appendicitis", "confidence": 90, "findings": ["RLQ pain"], "differential": ["Mesenteric adenitis"], "plan": ["Surgical consult"], "severity": "Severe"}] — hope that helps!`

	got := Repair(raw)
	if len(got) != 1 || got[0].Name != "Appendicitis" {
		t.Fatalf("want Appendicitis, got %+v", got)
	}
	if !slices.Equal(got[0].Differential, []string{"Mesenteric adenitis"}) {
		t.Errorf("Differential: got %v", got[0].Differential)
	}
}

func TestRepair_FieldScraping(t *testing.T) {
	t.Parallel()

	// Structure too broken for any JSON parse, but fields survive.
	raw := `Analysis result "name": "Sepsis" with "confidence": 88 and "severity": "Severe"
"findings": ["fever, chills", "hypotension"] end of output`

	got := Repair(raw)
	if len(got) != 1 {
		t.Fatalf("want 1 diagnosis, got %d", len(got))
	}
	d := got[0]
	if d.Name != "Sepsis" || d.Confidence != 88 || d.Severity != record.SeveritySevere {
		t.Errorf("scraped scalars wrong: %+v", d)
	}
	// The comma inside the quoted finding must not split the item.
	if !slices.Equal(d.Findings, []string{"fever, chills", "hypotension"}) {
		t.Errorf("Findings: got %v", d.Findings)
	}
}

func TestRepair_HardFallback(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "I cannot analyse this image.", "404 model overloaded"} {
		got := Repair(raw)
		if len(got) != 1 {
			t.Fatalf("raw %q: want exactly 1 diagnosis, got %d", raw, len(got))
		}
		want := record.DefaultDiagnosis()
		d := got[0]
		if d.Name != want.Name || d.Confidence != want.Confidence || d.Severity != want.Severity {
			t.Errorf("raw %q: want default diagnosis, got %+v", raw, d)
		}
		if len(d.Findings) != 0 || len(d.Differential) != 0 || len(d.Plan) != 0 {
			t.Errorf("raw %q: default lists must be empty, got %+v", raw, d)
		}
	}
}

func TestRepair_MultipleDiagnoses(t *testing.T) {
	t.Parallel()

	raw := `{"diagnoses": [
		{"name": "Pneumonia", "confidence": 80, "severity": "Moderate"},
		{"name": "Bronchitis", "confidence": 55, "severity": "Mild"}
	]}`

	got := Repair(raw)
	if len(got) != 2 {
		t.Fatalf("want 2 diagnoses, got %d", len(got))
	}
	if got[0].Name != "Pneumonia" || got[1].Name != "Bronchitis" {
		t.Errorf("order must be preserved: got %q, %q", got[0].Name, got[1].Name)
	}
}

func TestRepairWithTier(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Tier
	}{
		{
			name: "well-formed",
			raw:  `{"diagnoses": [{"name": "Pneumonia", "confidence": 85, "findings": [], "differential": [], "plan": [], "severity": "Severe"}]}`,
			want: TierStrict,
		},
		{
			name: "trailing comma",
			raw:  `{"diagnoses": [{"name": "Pneumonia", "confidence": 85, "severity": "Severe",}]}`,
			want: TierSanitized,
		},
		{
			name: "array without document",
			raw:  `The result is "diagnoses": [{"name": "Bronchitis", "confidence": 70}] as requested.`,
			want: TierPartial,
		},
		{
			name: "prose only",
			raw:  `"name": "Pleural Effusion", "confidence": 60, "severity": "Moderate"`,
			want: TierScraped,
		},
		{
			name: "garbage",
			raw:  "I am unable to help with that.",
			want: TierFallback,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			diagnoses, tier := RepairWithTier(tc.raw)
			if tier != tc.want {
				t.Errorf("tier = %q, want %q", tier, tc.want)
			}
			if len(diagnoses) == 0 {
				t.Fatal("no diagnoses returned")
			}
		})
	}
}
