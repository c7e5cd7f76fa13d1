package fhir

import (
	"strconv"
	"strings"
	"time"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01",
	"2006",
}

// ParseDate parses the date formats found in FHIR views. Unparsable or
// empty input yields nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// MapPatient converts the first demographics row.
func MapPatient(res *athena.Result) *Patient {
	if res == nil || res.Len() == 0 {
		return nil
	}
	return &Patient{
		ID:        res.Value(0, "patient_fhir_id"),
		Gender:    res.Value(0, "gender"),
		BirthDate: ParseDate(res.Value(0, "birth_date")),
		Race:      res.Value(0, "race"),
		Ethnicity: res.Value(0, "ethnicity"),
	}
}

// MapDiagnoses converts diagnosis rows.
func MapDiagnoses(res *athena.Result) []Diagnosis {
	out := make([]Diagnosis, 0, res.Len())
	for i := range res.Rows {
		out = append(out, Diagnosis{
			ID:             res.Value(i, "condition_id"),
			PatientID:      res.Value(i, "patient_fhir_id"),
			Name:           res.Value(i, "diagnosis_name"),
			ICD10:          res.Value(i, "icd10_code"),
			SNOMED:         res.Value(i, "snomed_code"),
			ClinicalStatus: res.Value(i, "clinical_status"),
			OnsetDate:      ParseDate(res.Value(i, "onset_date")),
			RecordedDate:   ParseDate(res.Value(i, "recorded_date")),
		})
	}
	return out
}

// MapProcedures converts procedure rows.
func MapProcedures(res *athena.Result) []Procedure {
	out := make([]Procedure, 0, res.Len())
	for i := range res.Rows {
		out = append(out, Procedure{
			ID:            res.Value(i, "procedure_id"),
			PatientID:     res.Value(i, "patient_fhir_id"),
			Code:          res.Value(i, "procedure_code"),
			Display:       res.Value(i, "code_display"),
			Category:      res.Value(i, "category"),
			BodySite:      res.Value(i, "body_site"),
			Status:        res.Value(i, "status"),
			Surgical:      parseBool(res.Value(i, "is_surgical")),
			PerformedDate: ParseDate(res.Value(i, "performed_date")),
		})
	}
	return out
}

// MapMedications converts medication order rows.
func MapMedications(res *athena.Result) []MedicationOrder {
	out := make([]MedicationOrder, 0, res.Len())
	for i := range res.Rows {
		out = append(out, MedicationOrder{
			ID:                 res.Value(i, "medication_request_id"),
			PatientID:          res.Value(i, "patient_fhir_id"),
			Name:               res.Value(i, "medication_name"),
			RxNormCUI:          res.Value(i, "rxnorm_cui"),
			Status:             res.Value(i, "status"),
			Intent:             res.Value(i, "intent"),
			AuthoredOn:         ParseDate(res.Value(i, "authored_on")),
			PeriodStart:        ParseDate(res.Value(i, "period_start")),
			PeriodEnd:          ParseDate(res.Value(i, "period_end")),
			ValidityEnd:        ParseDate(res.Value(i, "validity_end")),
			DispenseStart:      ParseDate(res.Value(i, "dispense_start")),
			LastAdministration: ParseDate(res.Value(i, "last_administration")),
			ExpectedSupplyDays: parseInt(res.Value(i, "expected_supply_days")),
		})
	}
	return out
}

// MapRadiation converts radiation course rows.
func MapRadiation(res *athena.Result) []RadiationCourse {
	out := make([]RadiationCourse, 0, res.Len())
	for i := range res.Rows {
		dose, _ := strconv.ParseFloat(res.Value(i, "total_dose_cgy"), 64)
		out = append(out, RadiationCourse{
			ID:        res.Value(i, "course_id"),
			PatientID: res.Value(i, "patient_fhir_id"),
			Site:      res.Value(i, "site"),
			Modality:  res.Value(i, "modality"),
			DoseCGy:   dose,
			Fractions: parseInt(res.Value(i, "fractions")),
			StartDate: ParseDate(res.Value(i, "start_date")),
			EndDate:   ParseDate(res.Value(i, "end_date")),
		})
	}
	return out
}

// MapImaging converts imaging rows.
func MapImaging(res *athena.Result) []ImagingStudy {
	out := make([]ImagingStudy, 0, res.Len())
	for i := range res.Rows {
		out = append(out, ImagingStudy{
			ID:          res.Value(i, "imaging_id"),
			PatientID:   res.Value(i, "patient_fhir_id"),
			Modality:    res.Value(i, "modality"),
			Description: res.Value(i, "description"),
			ReportID:    res.Value(i, "report_id"),
			Conclusion:  res.Value(i, "conclusion"),
			Date:        ParseDate(res.Value(i, "imaging_date")),
		})
	}
	return out
}

// MapDocuments converts document reference rows, dropping rows without a
// Binary attachment.
func MapDocuments(res *athena.Result) []DocumentRef {
	out := make([]DocumentRef, 0, res.Len())
	for i := range res.Rows {
		binaryID := extractBinaryID(res.Value(i, "binary_id"))
		if binaryID == "" {
			continue
		}
		out = append(out, DocumentRef{
			ID:          res.Value(i, "document_reference_id"),
			PatientID:   res.Value(i, "patient_fhir_id"),
			Type:        res.Value(i, "document_type"),
			Title:       res.Value(i, "title"),
			Category:    res.Value(i, "category"),
			ContentType: res.Value(i, "content_type"),
			BinaryID:    binaryID,
			Date:        ParseDate(res.Value(i, "document_date")),
		})
	}
	return out
}

// Helpers

// extractBinaryID accepts a bare id or an attachment URL ending in
// "Binary/<id>".
func extractBinaryID(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "Binary/"); i >= 0 {
		s = s[i+len("Binary/"):]
	}
	return strings.Trim(s, "/")
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func parseInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		f, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if ferr != nil {
			return 0
		}
		return int(f)
	}
	return n
}
