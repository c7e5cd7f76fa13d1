package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PipelineRun tracks one CLI invocation and its outcome.
type PipelineRun struct {
	bun.BaseModel `bun:"table:pipeline_runs,alias:pr"`

	ID             int64      `bun:"id,pk,autoincrement" json:"id"`
	RunID          string     `bun:"run_id,unique,notnull" json:"run_id"`
	Command        string     `bun:"command,notnull" json:"command"`
	PatientID      *string    `bun:"patient_id" json:"patient_id,omitempty"`
	Status         RunStatus  `bun:"status,notnull" json:"status"`
	StartTime      time.Time  `bun:"start_time,notnull" json:"start_time"`
	EndTime        *time.Time `bun:"end_time" json:"end_time,omitempty"`
	ItemsProcessed int        `bun:"items_processed,notnull,default:0" json:"items_processed"`
	ItemsFailed    int        `bun:"items_failed,notnull,default:0" json:"items_failed"`
	ErrorsCount    int        `bun:"errors_count,notnull,default:0" json:"errors_count"`
	ErrorLog       *string    `bun:"error_log" json:"error_log,omitempty"`
	ConfigSnapshot *string    `bun:"config_snapshot" json:"config_snapshot,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// IsFinished reports whether the run reached a terminal status.
func (r *PipelineRun) IsFinished() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed
}

// Duration returns the run time, up to now while still running.
func (r *PipelineRun) Duration() time.Duration {
	if r.EndTime == nil {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// QueryAudit records one Athena execution.
type QueryAudit struct {
	bun.BaseModel `bun:"table:query_audit,alias:qa"`

	ID           int64     `bun:"id,pk,autoincrement" json:"id"`
	RunID        *string   `bun:"run_id" json:"run_id,omitempty"`
	ExecutionID  string    `bun:"execution_id,notnull" json:"execution_id"`
	SQLHash      string    `bun:"sql_hash,notnull" json:"sql_hash"`
	State        string    `bun:"state,notnull" json:"state"`
	Reason       *string   `bun:"reason" json:"reason,omitempty"`
	BytesScanned int64     `bun:"bytes_scanned,notnull,default:0" json:"bytes_scanned"`
	DurationMS   int64     `bun:"duration_ms,notnull,default:0" json:"duration_ms"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}
