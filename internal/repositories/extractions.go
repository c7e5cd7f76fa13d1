package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/models"
)

// SaveExtractions upserts extractions keyed by run, patient and variable.
func SaveExtractions(ctx context.Context, db bun.IDB, extractions []*models.Extraction) error {
	if len(extractions) == 0 {
		return nil
	}
	for _, e := range extractions {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	_, err := db.NewInsert().
		Model(&extractions).
		On("CONFLICT (run_id, patient_id, variable) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("status = EXCLUDED.status").
		Set("source_document = EXCLUDED.source_document").
		Set("model = EXCLUDED.model").
		Set("votes = EXCLUDED.votes").
		Set("agreement = EXCLUDED.agreement").
		Set("confidence = EXCLUDED.confidence").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)
	return err
}

// RunExtractions returns the extractions of one run ordered by patient and
// variable.
func RunExtractions(ctx context.Context, db bun.IDB, runID string) ([]*models.Extraction, error) {
	var out []*models.Extraction
	err := db.NewSelect().
		Model(&out).
		Where("run_id = ?", runID).
		Order("patient_id", "variable").
		Scan(ctx)
	return out, err
}

// LatestExtractions returns the most recent extraction per variable for a
// patient across all runs.
func LatestExtractions(ctx context.Context, db bun.IDB, patientID string) ([]*models.Extraction, error) {
	var all []*models.Extraction
	err := db.NewSelect().
		Model(&all).
		Where("patient_id = ?", patientID).
		OrderExpr("variable ASC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	latest := make([]*models.Extraction, 0, len(all))
	for _, e := range all {
		if n := len(latest); n > 0 && latest[n-1].Variable == e.Variable {
			continue
		}
		latest = append(latest, e)
	}
	return latest, nil
}
