package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/models"
)

// SaveTimeline replaces the stored timeline of a patient within a run.
func SaveTimeline(ctx context.Context, db *bun.DB, runID, patientID string, events []*models.TimelineEvent) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.TimelineEvent)(nil)).
			Where("run_id = ?", runID).
			Where("patient_id = ?", patientID).
			Exec(ctx); err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}
		for i, e := range events {
			e.RunID = runID
			e.PatientID = patientID
			e.Seq = i
		}
		_, err := tx.NewInsert().Model(&events).Exec(ctx)
		return err
	})
}

// GetTimeline returns the stored events of a patient within a run.
func GetTimeline(ctx context.Context, db bun.IDB, runID, patientID string) ([]*models.TimelineEvent, error) {
	var events []*models.TimelineEvent
	err := db.NewSelect().
		Model(&events).
		Where("run_id = ?", runID).
		Where("patient_id = ?", patientID).
		Order("seq").
		Scan(ctx)
	return events, err
}
