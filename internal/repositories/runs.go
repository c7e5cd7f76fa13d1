package repositories

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
	"github.com/mkoziy/radiant/pipeline/internal/models"
)

const maxErrorLog = 64 << 10

// StartRun inserts a running pipeline run with a fresh run id.
func StartRun(ctx context.Context, db bun.IDB, command, patientID, configSnapshot string) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		RunID:     uuid.NewString(),
		Command:   command,
		Status:    models.RunRunning,
		StartTime: time.Now().UTC(),
	}
	if patientID != "" {
		run.PatientID = &patientID
	}
	if configSnapshot != "" {
		run.ConfigSnapshot = &configSnapshot
	}

	if _, err := db.NewInsert().Model(run).Exec(ctx); err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun marks a run succeeded, or failed when runErr is non-nil, and
// stores its counters.
func FinishRun(ctx context.Context, db bun.IDB, run *models.PipelineRun, runErr error) error {
	end := time.Now().UTC()
	run.EndTime = &end
	run.Status = models.RunSucceeded

	if runErr != nil {
		run.Status = models.RunFailed
		run.ErrorsCount++
		msg := runErr.Error()
		if run.ErrorLog != nil {
			msg = *run.ErrorLog + "\n" + msg
		}
		if len(msg) > maxErrorLog {
			msg = msg[len(msg)-maxErrorLog:]
		}
		run.ErrorLog = &msg
	}

	_, err := db.NewUpdate().
		Model(run).
		Column("status", "end_time", "items_processed", "items_failed", "errors_count", "error_log").
		WherePK().
		Exec(ctx)
	return err
}

// GetRun fetches a run by its run id.
func GetRun(ctx context.Context, db bun.IDB, runID string) (*models.PipelineRun, error) {
	run := new(models.PipelineRun)
	err := db.NewSelect().Model(run).Where("run_id = ?", runID).Scan(ctx)
	return run, err
}

// RecentRuns returns the latest runs, newest first, optionally for one
// command.
func RecentRuns(ctx context.Context, db bun.IDB, command string, limit int) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	q := db.NewSelect().Model(&runs).OrderExpr("start_time DESC, id DESC").Limit(limit)
	if command != "" {
		q = q.Where("command = ?", command)
	}
	err := q.Scan(ctx)
	return runs, err
}

// RecordQuery stores an audit row for an Athena execution. The SQL text
// is kept only as a hash.
func RecordQuery(ctx context.Context, db bun.IDB, runID string, exec athena.Execution, sql string) error {
	if exec.ID == "" {
		return errors.New("execution id is required")
	}

	audit := &models.QueryAudit{
		ExecutionID:  exec.ID,
		SQLHash:      HashSQL(sql),
		State:        exec.State,
		BytesScanned: exec.BytesScanned,
		DurationMS:   exec.EngineTime.Milliseconds(),
	}
	if runID != "" {
		audit.RunID = &runID
	}
	if exec.Reason != "" {
		audit.Reason = &exec.Reason
	}

	_, err := db.NewInsert().Model(audit).Exec(ctx)
	return err
}

// QueryAudits returns audit rows of a run in insertion order.
func QueryAudits(ctx context.Context, db bun.IDB, runID string) ([]*models.QueryAudit, error) {
	var audits []*models.QueryAudit
	err := db.NewSelect().Model(&audits).Where("run_id = ?", runID).Order("id").Scan(ctx)
	return audits, err
}

// HashSQL normalizes whitespace and returns the hex SHA-256 of a query.
func HashSQL(sql string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(sql), " ")))
	return hex.EncodeToString(sum[:])
}

// AuditHook returns an athena.AuditFunc that records executions for a run
// and reports storage failures to onErr.
func AuditHook(db bun.IDB, runID string, onErr func(error)) athena.AuditFunc {
	return func(ctx context.Context, exec athena.Execution, sql string) {
		if err := RecordQuery(context.WithoutCancel(ctx), db, runID, exec, sql); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
