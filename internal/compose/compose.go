// Package compose builds the prompts sent to the remote vision and text
// models. All composers are pure and deterministic: the same inputs always
// produce the same string, and sections are appended only when the
// corresponding input is non-empty.
//
// The analysis prompt ends with a fixed structured-answer template; the
// parsing prompt instructs a second model to transform that free-text answer
// into the {"diagnoses": [...]} JSON shape the repair pipeline expects. The
// two textual conventions are bridged by the second model call, not by
// string manipulation.
//
// Model-specific chat wrappers (instruction tokens, role markers) are the
// provider's concern, not the composer's.
package compose

import (
	"fmt"
	"strings"

	"github.com/mgrote/clinscribe/internal/record"
)

// AnalysisRequest carries the patient context for the vision-model prompt.
type AnalysisRequest struct {
	Symptoms   []string
	Vitals     record.Vitals
	LabResults []record.LabResult
	History    record.MedicalHistory

	// Feedback is a physician's note on a previous analysis. When set, the
	// prompt instructs the model to address it directly.
	Feedback string

	// Previous is the prior primary diagnosis, referenced for reconsideration
	// when the physician requests a re-diagnosis.
	Previous *record.Diagnosis
}

// WriteUpRequest carries everything needed for the History & Physical
// documentation prompt.
type WriteUpRequest struct {
	Primary             record.Diagnosis
	Symptoms            []string
	Vitals              record.Vitals
	LabResults          []record.LabResult
	History             record.MedicalHistory
	PhysicianAssessment string
}

// Analysis builds the vision-model prompt from the patient context.
func Analysis(req AnalysisRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a medical AI assistant. Analyze this medical scan image along with the following patient symptoms: %s.",
		strings.Join(req.Symptoms, ", "))

	if pairs := vitalsPairs(req.Vitals); len(pairs) > 0 {
		fmt.Fprintf(&b, "\n\nPatient vitals: %s", strings.Join(pairs, ", "))
	}

	if labs := labsList(req.LabResults); labs != "" {
		fmt.Fprintf(&b, "\n\nLab results: %s", labs)
	}

	if history := historyText(req.History); history != "" {
		fmt.Fprintf(&b, "\n\nMedical history: %s", history)
	}

	if req.Feedback != "" {
		fmt.Fprintf(&b, "\n\nIMPORTANT: A physician reviewed a previous analysis and provided this feedback: %q", req.Feedback)
	}

	if req.Previous != nil {
		fmt.Fprintf(&b, "\n\nThe previous diagnosis was %s with %d%% confidence and %s severity. Please reconsider based on the feedback.",
			req.Previous.Name, req.Previous.Confidence, strings.ToLower(string(req.Previous.Severity)))
	}

	b.WriteString(analysisTemplate)

	if req.Feedback != "" {
		b.WriteString(" Address the physician's feedback directly.")
	} else {
		b.WriteString(" Avoid vague statements or placeholders.")
	}

	return b.String()
}

// analysisTemplate is the structured-answer format the vision model is asked
// to fill in. The parsing model later converts an answer in this shape into
// the diagnoses JSON document.
const analysisTemplate = `

Provide a detailed analysis in the following format:

## Medical Scan Image Analysis
- [Describe 3-5 key findings visible in the scan]
- [Note any abnormalities or areas of concern]

## Primary Diagnosis
[State the most specific and likely diagnosis based on imaging and symptoms]

## Reasoning
- [List 2-4 specific pieces of evidence supporting the diagnosis]
- [Explain how symptoms and imaging findings correlate]

## Treatment Plan
- [Recommend 2-4 specific treatments or interventions]
- [Include necessary medications or procedures with details]

## Differential Diagnoses
- [List 2-3 other possible conditions to consider]

## Severity and Prognosis
Severity: [Choose exactly one: Mild, Moderate, or Severe]
Expected recovery rate: [Provide a specific percentage between 0-100]%

Be specific, detailed, and clear in your analysis.`

// Parsing builds the prompt that asks the text model to convert a free-text
// medical analysis into the strict diagnoses JSON document.
func Parsing(analysisText string) string {
	var b strings.Builder
	b.WriteString("You are a medical data extraction specialist. Parse the following medical analysis into a structured JSON format. Extract only the meaningful medical content, not any template text or placeholders.\n\nMedical Analysis:\n")
	b.WriteString(analysisText)
	b.WriteString(parsingTemplate)
	return b.String()
}

const parsingTemplate = `

Create valid JSON with exactly this structure:
{
  "diagnoses": [
    {
      "name": "Primary diagnosis name",
      "confidence": number between 0-100 (default 75 if not specified),
      "findings": ["specific finding 1", "specific finding 2", ...],
      "differential": ["alternative diagnosis 1", "alternative diagnosis 2", ...],
      "plan": ["treatment step 1", "treatment step 2", ...],
      "severity": "Mild" OR "Moderate" OR "Severe"
    }
  ]
}

Important instructions:
1. "name" should be the specific medical condition diagnosed, not generic headers
2. "confidence" should be the numerical recovery rate percentage or likelihood (default to 75 if unspecified)
3. "findings" should include key observations from both image analysis and reasoning sections
4. "differential" should list alternative possible diagnoses
5. "plan" should list specific, actionable treatment steps
6. "severity" must be exactly one of: "Mild", "Moderate", or "Severe"
7. Remove any template placeholders like "[List specific treatments]"
8. Format all list items as complete, meaningful medical statements
9. The final format must be valid, parseable JSON that exactly matches the schema above

Return only the JSON, with no additional text before or after.`

// Detection builds the prompt that asks the text model to extract vitals and
// symptoms from a raw transcript in the fixed template the extraction rules
// engine parses.
func Detection(transcript string) string {
	return fmt.Sprintf(`Extract medical information from this text: %q

List all symptoms and vital signs. Format your response exactly like this:
Temperature: {number}°F
Blood Pressure: {systolic}/{diastolic} mmHg
Pulse: {number} bpm
Symptoms: {symptom1}, {symptom2}, etc.

Note: Convert any written numbers to digits (e.g., "one zero two" to "102")`, transcript)
}

// WriteUp builds the History & Physical documentation prompt from the
// primary diagnosis and patient context.
func WriteUp(req WriteUpRequest) string {
	var b strings.Builder

	b.WriteString("You are a medical documentation specialist. Create a formal medical write-up (History and Physical) based on the following diagnosis information. Follow proper medical documentation format.\n\nDIAGNOSIS INFORMATION:\n")
	fmt.Fprintf(&b, "Primary Diagnosis: %s\n", req.Primary.Name)
	fmt.Fprintf(&b, "Severity: %s\n", req.Primary.Severity)
	fmt.Fprintf(&b, "Confidence: %d%%\n", req.Primary.Confidence)
	fmt.Fprintf(&b, "Clinical Findings: %s\n", strings.Join(req.Primary.Findings, ", "))
	fmt.Fprintf(&b, "Differential Diagnoses: %s\n", strings.Join(req.Primary.Differential, ", "))
	fmt.Fprintf(&b, "Treatment Plan: %s\n", strings.Join(req.Primary.Plan, ", "))

	if len(req.Symptoms) > 0 {
		fmt.Fprintf(&b, "\nPatient Symptoms: %s", strings.Join(req.Symptoms, ", "))
	}
	if pairs := vitalsPairs(req.Vitals); len(pairs) > 0 {
		fmt.Fprintf(&b, "\nVitals: %s", strings.Join(pairs, ", "))
	}
	if labs := labsList(req.LabResults); labs != "" {
		fmt.Fprintf(&b, "\nLab Results: %s", labs)
	}
	if history := historyText(req.History); history != "" {
		fmt.Fprintf(&b, "\nMedical History: %s", history)
	}
	if req.PhysicianAssessment != "" {
		fmt.Fprintf(&b, "\nPhysician Assessment: %s", req.PhysicianAssessment)
	}

	b.WriteString(writeUpTemplate)
	return b.String()
}

const writeUpTemplate = `

Create a complete medical write-up with the following sections:
1. Chief Concern (CC): A brief statement of why the patient is seeking care
2. History of Present Illness (HPI): Detailed narrative of the symptoms and their progression
3. Past Medical History (PMH): If available
4. Past Surgical History (PSH): If available
5. Medications: If available
6. Allergies: If available
7. Social History: If available
8. Family History: If available
9. Review of Systems (ROS): Brief, focused on relevant systems
10. Physical Examination: Create plausible findings consistent with the diagnosis
11. Lab Results/Studies: Include any provided lab values
12. Assessment: Summarize findings and state primary diagnosis with confidence
13. Plan: Detailed treatment approach based on the provided plan

Focus on making this document professionally formatted and medically sound. Use proper medical terminology. Make reasonable assumptions for any missing information based on the diagnosis.`

// vitalsPairs renders the set vital signs as "key: value" pairs in a stable
// order, skipping absent fields.
func vitalsPairs(v record.Vitals) []string {
	var pairs []string
	if v.Temperature != "" {
		pairs = append(pairs, "temperature: "+v.Temperature)
	}
	if v.BloodPressure != "" {
		pairs = append(pairs, "bloodPressure: "+v.BloodPressure)
	}
	if v.Pulse != "" {
		pairs = append(pairs, "pulse: "+v.Pulse)
	}
	return pairs
}

// labsList renders lab results as "name: value unit" entries.
func labsList(labs []record.LabResult) string {
	var entries []string
	for _, lab := range labs {
		entry := lab.Name + ": " + lab.Value
		if lab.Unit != "" {
			entry += " " + lab.Unit
		}
		entries = append(entries, entry)
	}
	return strings.Join(entries, ", ")
}

// historyText renders the active conditions and current medications into the
// sentence form the models respond to best.
func historyText(h record.MedicalHistory) string {
	var b strings.Builder
	if len(h.ActiveConditions) > 0 {
		var conditions []string
		for _, c := range h.ActiveConditions {
			conditions = append(conditions, fmt.Sprintf("%s (diagnosed: %s)", c.Condition, c.Date))
		}
		fmt.Fprintf(&b, "Active conditions: %s. ", strings.Join(conditions, ", "))
	}
	if len(h.CurrentMedication) > 0 {
		var medications []string
		for _, m := range h.CurrentMedication {
			medications = append(medications, m.Name+" "+m.Dosage)
		}
		fmt.Fprintf(&b, "Current medications: %s. ", strings.Join(medications, ", "))
	}
	if len(h.PastSurgeries) > 0 {
		var surgeries []string
		for _, s := range h.PastSurgeries {
			surgeries = append(surgeries, fmt.Sprintf("%s (%s)", s.Surgery, s.Date))
		}
		fmt.Fprintf(&b, "Past surgeries: %s. ", strings.Join(surgeries, ", "))
	}
	if len(h.Allergies) > 0 {
		var allergies []string
		for _, a := range h.Allergies {
			allergies = append(allergies, fmt.Sprintf("%s (%s)", a.Allergen, a.Reaction))
		}
		fmt.Fprintf(&b, "Allergies: %s. ", strings.Join(allergies, ", "))
	}
	if h.SocialHistory != "" {
		fmt.Fprintf(&b, "Social history: %s. ", h.SocialHistory)
	}
	if h.FamilyHistory != "" {
		fmt.Fprintf(&b, "Family history: %s. ", h.FamilyHistory)
	}
	return strings.TrimSpace(b.String())
}
