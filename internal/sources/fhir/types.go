package fhir

import "time"

// Views names the Athena views read for each resource group.
type Views struct {
	Demographics string
	Diagnoses    string
	Procedures   string
	Medications  string
	Radiation    string
	Imaging      string
	Documents    string
}

// Patient is a row of the demographics view.
type Patient struct {
	ID        string     `json:"id"`
	Gender    string     `json:"gender"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Race      string     `json:"race,omitempty"`
	Ethnicity string     `json:"ethnicity,omitempty"`
}

// AgeAt returns whole years between birth and t, or -1 when unknown.
func (p *Patient) AgeAt(t time.Time) int {
	if p == nil || p.BirthDate == nil || t.Before(*p.BirthDate) {
		return -1
	}
	years := t.Year() - p.BirthDate.Year()
	if t.Month() < p.BirthDate.Month() || (t.Month() == p.BirthDate.Month() && t.Day() < p.BirthDate.Day()) {
		years--
	}
	return years
}

// Diagnosis is a problem-list condition.
type Diagnosis struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patient_id"`
	Name           string     `json:"name"`
	ICD10          string     `json:"icd10,omitempty"`
	SNOMED         string     `json:"snomed,omitempty"`
	ClinicalStatus string     `json:"clinical_status,omitempty"`
	OnsetDate      *time.Time `json:"onset_date,omitempty"`
	RecordedDate   *time.Time `json:"recorded_date,omitempty"`
}

// Date returns onset, falling back to the recorded date.
func (d Diagnosis) Date() *time.Time {
	if d.OnsetDate != nil {
		return d.OnsetDate
	}
	return d.RecordedDate
}

// Procedure is a performed procedure.
type Procedure struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patient_id"`
	Code          string     `json:"code,omitempty"`
	Display       string     `json:"display"`
	Category      string     `json:"category,omitempty"`
	BodySite      string     `json:"body_site,omitempty"`
	Status        string     `json:"status,omitempty"`
	Surgical      bool       `json:"surgical"`
	PerformedDate *time.Time `json:"performed_date,omitempty"`
}

// MedicationOrder is a MedicationRequest with the dates needed to
// adjudicate therapy start and stop.
type MedicationOrder struct {
	ID                 string     `json:"id"`
	PatientID          string     `json:"patient_id"`
	Name               string     `json:"name"`
	RxNormCUI          string     `json:"rxnorm_cui,omitempty"`
	Status             string     `json:"status,omitempty"`
	Intent             string     `json:"intent,omitempty"`
	AuthoredOn         *time.Time `json:"authored_on,omitempty"`
	PeriodStart        *time.Time `json:"period_start,omitempty"`
	PeriodEnd          *time.Time `json:"period_end,omitempty"`
	ValidityEnd        *time.Time `json:"validity_end,omitempty"`
	DispenseStart      *time.Time `json:"dispense_start,omitempty"`
	LastAdministration *time.Time `json:"last_administration,omitempty"`
	ExpectedSupplyDays int        `json:"expected_supply_days,omitempty"`
}

// RadiationCourse is one course of radiation therapy.
type RadiationCourse struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	Site      string     `json:"site,omitempty"`
	Modality  string     `json:"modality,omitempty"`
	DoseCGy   float64    `json:"dose_cgy,omitempty"`
	Fractions int        `json:"fractions,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// ImagingStudy is an imaging result with its report.
type ImagingStudy struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	Modality    string     `json:"modality,omitempty"`
	Description string     `json:"description,omitempty"`
	ReportID    string     `json:"report_id,omitempty"`
	Conclusion  string     `json:"conclusion,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
}

// DocumentRef points at a clinical document stored as a FHIR Binary.
type DocumentRef struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	Type        string     `json:"type,omitempty"`
	Title       string     `json:"title,omitempty"`
	Category    string     `json:"category,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	BinaryID    string     `json:"binary_id"`
	Date        *time.Time `json:"date,omitempty"`
}

// Record bundles the structured data of one patient.
type Record struct {
	Patient     *Patient          `json:"patient"`
	Diagnoses   []Diagnosis       `json:"diagnoses"`
	Procedures  []Procedure       `json:"procedures"`
	Medications []MedicationOrder `json:"medications"`
	Radiation   []RadiationCourse `json:"radiation"`
	Imaging     []ImagingStudy    `json:"imaging"`
	Documents   []DocumentRef     `json:"documents"`
}
