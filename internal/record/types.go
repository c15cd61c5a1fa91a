// Package record defines the clinical record domain types shared across the
// extraction, repair, and diagnosis subsystems, plus the Store interface for
// the single "current record" persistence slot.
package record

import "time"

// Severity grades a diagnosis. Unrecognised input must be coerced to
// [SeverityModerate] before a Diagnosis leaves the repair pipeline.
type Severity string

const (
	SeverityMild     Severity = "Mild"
	SeverityModerate Severity = "Moderate"
	SeveritySevere   Severity = "Severe"
)

// IsValid reports whether s is one of the three recognised severity grades.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere:
		return true
	}
	return false
}

// DefaultConfidence is used when a model omits the confidence figure or
// reports something non-numeric.
const DefaultConfidence = 75

// UnspecifiedCondition is the placeholder diagnosis name used when no name
// could be recovered from model output.
const UnspecifiedCondition = "Unspecified Condition"

// Vitals holds the vital signs recovered from a transcript. A field is set
// only when it passed the strict format validator for its kind; partial or
// placeholder matches are never stored.
type Vitals struct {
	// Temperature is formatted as "<digits>°F" (e.g., "102°F").
	Temperature string `json:"temperature,omitempty"`

	// BloodPressure is formatted as "<systolic>/<diastolic> mmHg".
	BloodPressure string `json:"bloodPressure,omitempty"`

	// Pulse is formatted as "<integer> bpm".
	Pulse string `json:"pulse,omitempty"`
}

// IsZero reports whether no vital sign is set.
func (v Vitals) IsZero() bool {
	return v.Temperature == "" && v.BloodPressure == "" && v.Pulse == ""
}

// LabResult is a single laboratory measurement supplied by the caller.
type LabResult struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`

	// Flag marks abnormal values (e.g., "H", "L"). Optional.
	Flag string `json:"flag,omitempty"`
}

// MedicalCondition is an active diagnosis from the patient's history.
type MedicalCondition struct {
	Condition string `json:"condition"`
	Date      string `json:"date"`
}

// Medication is a currently prescribed drug with its dosage.
type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
}

// Surgery is a past surgical procedure.
type Surgery struct {
	Surgery string `json:"surgery"`
	Date    string `json:"date"`
}

// Allergy pairs an allergen with the observed reaction.
type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction"`
}

// Immunization is a recorded vaccination.
type Immunization struct {
	Immunization string `json:"immunization"`
	Date         string `json:"date"`
}

// MedicalHistory aggregates the patient's background supplied by the caller.
// All fields are optional.
type MedicalHistory struct {
	ActiveConditions  []MedicalCondition `json:"activeConditions,omitempty"`
	CurrentMedication []Medication       `json:"currentMedication,omitempty"`
	PastSurgeries     []Surgery          `json:"pastSurgeries,omitempty"`
	Allergies         []Allergy          `json:"allergies,omitempty"`
	SocialHistory     string             `json:"socialHistory,omitempty"`
	FamilyHistory     string             `json:"familyHistory,omitempty"`
	Immunizations     []Immunization     `json:"immunizations,omitempty"`
}

// IsZero reports whether the history carries no information.
func (h MedicalHistory) IsZero() bool {
	return len(h.ActiveConditions) == 0 &&
		len(h.CurrentMedication) == 0 &&
		len(h.PastSurgeries) == 0 &&
		len(h.Allergies) == 0 &&
		h.SocialHistory == "" &&
		h.FamilyHistory == "" &&
		len(h.Immunizations) == 0
}

// Diagnosis is one validated entry of a structured diagnosis record.
//
// Invariants (enforced by [Diagnosis.Normalize]): Name is never empty,
// Confidence is within [0, 100], the three list fields are never nil, and
// Severity is always one of the three recognised grades.
type Diagnosis struct {
	Name         string   `json:"name"`
	Confidence   int      `json:"confidence"`
	Findings     []string `json:"findings"`
	Differential []string `json:"differential"`
	Plan         []string `json:"plan"`
	Severity     Severity `json:"severity"`
}

// Normalize coerces d into a valid Diagnosis in place: empty name becomes
// [UnspecifiedCondition], confidence is clamped to [0, 100], nil lists become
// empty, and an unrecognised severity becomes [SeverityModerate].
func (d *Diagnosis) Normalize() {
	if d.Name == "" {
		d.Name = UnspecifiedCondition
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 100 {
		d.Confidence = 100
	}
	if d.Findings == nil {
		d.Findings = []string{}
	}
	if d.Differential == nil {
		d.Differential = []string{}
	}
	if d.Plan == nil {
		d.Plan = []string{}
	}
	if !d.Severity.IsValid() {
		d.Severity = SeverityModerate
	}
}

// DefaultDiagnosis returns the hard-fallback entry used when no structure at
// all could be recovered from model output.
func DefaultDiagnosis() Diagnosis {
	return Diagnosis{
		Name:         UnspecifiedCondition,
		Confidence:   DefaultConfidence,
		Findings:     []string{},
		Differential: []string{},
		Plan:         []string{},
		Severity:     SeverityModerate,
	}
}

// DiagnosisResult is the complete clinical record produced by one diagnosis
// call. It is stored wholesale in the current-record slot and superseded
// wholesale on every re-diagnosis; only vitals, lab results, and history
// persist across calls that omit them.
type DiagnosisResult struct {
	// Diagnoses is non-empty on success; index 0 is the primary diagnosis.
	Diagnoses []Diagnosis `json:"diagnoses"`

	// ImageData is the base64-encoded scan image the diagnosis was made from.
	ImageData string `json:"imageData,omitempty"`

	Symptoms       []string       `json:"symptoms,omitempty"`
	Vitals         Vitals         `json:"vitals,omitempty"`
	LabResults     []LabResult    `json:"labResults,omitempty"`
	LabTestDate    string         `json:"labTestDate,omitempty"`
	MedicalHistory MedicalHistory `json:"medicalHistory,omitempty"`

	// Timestamp marks when the diagnosis was created, in UTC.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// RawText is the unparsed analysis text from the vision model, kept for
	// the write-up flow and for audit.
	RawText string `json:"rawDiagnosisText,omitempty"`
}

// Primary returns the primary diagnosis and true, or a zero Diagnosis and
// false when the result holds no entries.
func (r DiagnosisResult) Primary() (Diagnosis, bool) {
	if len(r.Diagnoses) == 0 {
		return Diagnosis{}, false
	}
	return r.Diagnoses[0], true
}
