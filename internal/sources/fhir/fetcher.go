// Package fhir reads structured FHIR data for one patient from Athena
// views and maps the rows into typed records.
package fhir

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

// ErrNoPatient is returned when the demographics view has no row for the
// requested patient.
var ErrNoPatient = errors.New("patient not found")

const patientFilter = "patient_fhir_id = ?"

// Executor runs a query and returns all rows.
type Executor interface {
	Execute(ctx context.Context, q athena.Query) (*athena.Result, error)
}

// Fetcher orchestrates per-patient reads across the configured views.
type Fetcher struct {
	exec        Executor
	views       Views
	concurrency int
	logger      zerolog.Logger
}

// NewFetcher creates a new FHIR fetcher.
func NewFetcher(exec Executor, views Views, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		exec:        exec,
		views:       views,
		concurrency: 3,
		logger:      logger.With().Str("component", "fhir").Logger(),
	}
}

// Demographics returns the patient row.
func (f *Fetcher) Demographics(ctx context.Context, patientID string) (*Patient, error) {
	if f.views.Demographics == "" {
		return nil, nil
	}
	res, err := f.query(ctx, f.views.Demographics, patientID,
		[]string{"patient_fhir_id", "gender", "birth_date", "race", "ethnicity"})
	if err != nil {
		return nil, err
	}
	p := MapPatient(res)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPatient, patientID)
	}
	return p, nil
}

// Diagnoses returns problem-list diagnoses ordered by onset.
func (f *Fetcher) Diagnoses(ctx context.Context, patientID string) ([]Diagnosis, error) {
	res, err := f.query(ctx, f.views.Diagnoses, patientID,
		[]string{"condition_id", "patient_fhir_id", "diagnosis_name", "icd10_code", "snomed_code", "clinical_status", "onset_date", "recorded_date"},
		"onset_date NULLS LAST", "condition_id")
	if err != nil {
		return nil, err
	}
	return MapDiagnoses(res), nil
}

// Procedures returns procedures ordered by performed date.
func (f *Fetcher) Procedures(ctx context.Context, patientID string) ([]Procedure, error) {
	res, err := f.query(ctx, f.views.Procedures, patientID,
		[]string{"procedure_id", "patient_fhir_id", "procedure_code", "code_display", "category", "body_site", "status", "is_surgical", "performed_date"},
		"performed_date NULLS LAST", "procedure_id")
	if err != nil {
		return nil, err
	}
	return MapProcedures(res), nil
}

// Medications returns medication orders ordered by authoring date.
func (f *Fetcher) Medications(ctx context.Context, patientID string) ([]MedicationOrder, error) {
	res, err := f.query(ctx, f.views.Medications, patientID,
		[]string{"medication_request_id", "patient_fhir_id", "medication_name", "rxnorm_cui", "status", "intent",
			"authored_on", "period_start", "period_end", "validity_end", "dispense_start", "last_administration", "expected_supply_days"},
		"authored_on NULLS LAST", "medication_request_id")
	if err != nil {
		return nil, err
	}
	return MapMedications(res), nil
}

// Radiation returns radiation courses ordered by start.
func (f *Fetcher) Radiation(ctx context.Context, patientID string) ([]RadiationCourse, error) {
	res, err := f.query(ctx, f.views.Radiation, patientID,
		[]string{"course_id", "patient_fhir_id", "site", "modality", "total_dose_cgy", "fractions", "start_date", "end_date"},
		"start_date NULLS LAST", "course_id")
	if err != nil {
		return nil, err
	}
	return MapRadiation(res), nil
}

// Imaging returns imaging studies ordered by date.
func (f *Fetcher) Imaging(ctx context.Context, patientID string) ([]ImagingStudy, error) {
	res, err := f.query(ctx, f.views.Imaging, patientID,
		[]string{"imaging_id", "patient_fhir_id", "modality", "description", "report_id", "conclusion", "imaging_date"},
		"imaging_date NULLS LAST", "imaging_id")
	if err != nil {
		return nil, err
	}
	return MapImaging(res), nil
}

// Documents returns document references that resolve to a Binary.
func (f *Fetcher) Documents(ctx context.Context, patientID string) ([]DocumentRef, error) {
	res, err := f.query(ctx, f.views.Documents, patientID,
		[]string{"document_reference_id", "patient_fhir_id", "document_type", "title", "category", "content_type", "binary_id", "document_date"},
		"document_date NULLS LAST", "document_reference_id")
	if err != nil {
		return nil, err
	}
	return MapDocuments(res), nil
}

// Record loads every resource group for a patient. Groups whose view is
// not configured stay empty.
func (f *Fetcher) Record(ctx context.Context, patientID string) (*Record, error) {
	rec := &Record{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	g.Go(func() (err error) { rec.Patient, err = f.Demographics(ctx, patientID); return })
	g.Go(func() (err error) { rec.Diagnoses, err = f.Diagnoses(ctx, patientID); return })
	g.Go(func() (err error) { rec.Procedures, err = f.Procedures(ctx, patientID); return })
	g.Go(func() (err error) { rec.Medications, err = f.Medications(ctx, patientID); return })
	g.Go(func() (err error) { rec.Radiation, err = f.Radiation(ctx, patientID); return })
	g.Go(func() (err error) { rec.Imaging, err = f.Imaging(ctx, patientID); return })
	g.Go(func() (err error) { rec.Documents, err = f.Documents(ctx, patientID); return })

	if err := g.Wait(); err != nil {
		return nil, err
	}

	f.logger.Info().
		Int("diagnoses", len(rec.Diagnoses)).
		Int("procedures", len(rec.Procedures)).
		Int("medications", len(rec.Medications)).
		Int("radiation", len(rec.Radiation)).
		Int("imaging", len(rec.Imaging)).
		Int("documents", len(rec.Documents)).
		Msg("structured record loaded")
	return rec, nil
}

func (f *Fetcher) query(ctx context.Context, view, patientID string, columns []string, orderBy ...string) (*athena.Result, error) {
	if view == "" {
		return &athena.Result{}, nil
	}
	q, err := NewQueryBuilder().
		From(view).
		Columns(columns...).
		Where(patientFilter, patientID).
		OrderBy(orderBy...).
		Build()
	if err != nil {
		return nil, err
	}

	res, err := f.exec.Execute(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", view, err)
	}
	f.logger.Debug().Str("view", view).Int("rows", res.Len()).Msg("view read")
	return res, nil
}
