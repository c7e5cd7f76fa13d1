package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		return execAll(ctx, db,
			"CREATE INDEX IF NOT EXISTS idx_runs_command_start ON pipeline_runs(command, start_time DESC)",
			"CREATE INDEX IF NOT EXISTS idx_query_audit_run ON query_audit(run_id)",
			"CREATE INDEX IF NOT EXISTS idx_query_audit_state ON query_audit(state)",
			"CREATE INDEX IF NOT EXISTS idx_extractions_patient_variable ON extractions(patient_id, variable, created_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_timeline_run_patient ON timeline_events(run_id, patient_id, seq)",
		)
	}, func(ctx context.Context, db *bun.DB) error {
		return execAll(ctx, db,
			"DROP INDEX IF EXISTS idx_runs_command_start",
			"DROP INDEX IF EXISTS idx_query_audit_run",
			"DROP INDEX IF EXISTS idx_query_audit_state",
			"DROP INDEX IF EXISTS idx_extractions_patient_variable",
			"DROP INDEX IF EXISTS idx_timeline_run_patient",
		)
	})
}
