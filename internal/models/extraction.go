package models

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// Extraction is the value found for one variable of one patient in a run.
type Extraction struct {
	bun.BaseModel `bun:"table:extractions,alias:ex"`

	ID             int64            `bun:"id,pk,autoincrement" json:"id"`
	RunID          string           `bun:"run_id,notnull,unique:run_patient_variable" json:"run_id"`
	PatientID      string           `bun:"patient_id,notnull,unique:run_patient_variable" json:"patient_id"`
	Variable       string           `bun:"variable,notnull,unique:run_patient_variable" json:"variable"`
	Value          string           `bun:"value,notnull" json:"value"`
	Status         ExtractionStatus `bun:"status,notnull" json:"status"`
	SourceDocument *string          `bun:"source_document" json:"source_document,omitempty"`
	Model          *string          `bun:"model" json:"model,omitempty"`
	Votes          int              `bun:"votes,notnull,default:0" json:"votes"`
	Agreement      int              `bun:"agreement,notnull,default:0" json:"agreement"`
	Confidence     NullableFloat64  `bun:"confidence" json:"confidence"`
	CreatedAt      time.Time        `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time        `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// BeforeUpdate updates the timestamp on modifications.
func (e *Extraction) BeforeUpdate(ctx context.Context, query *bun.UpdateQuery) error {
	e.UpdatedAt = time.Now()
	return nil
}

// Validate checks that required fields are present.
func (e *Extraction) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.PatientID == "" {
		return errors.New("patient id is required")
	}
	if e.Variable == "" {
		return errors.New("variable is required")
	}
	if e.Status == "" {
		return errors.New("status is required")
	}
	if e.Agreement > e.Votes && e.Votes > 0 {
		return errors.New("agreement cannot exceed votes")
	}
	return nil
}

// Found reports whether a value was extracted.
func (e *Extraction) Found() bool {
	return (e.Status == ExtractionExtracted || e.Status == ExtractionStructured) && e.Value != ""
}

// TimelineEvent is one dated clinical event of a patient timeline.
type TimelineEvent struct {
	bun.BaseModel `bun:"table:timeline_events,alias:te"`

	ID        int64          `bun:"id,pk,autoincrement" json:"id"`
	RunID     string         `bun:"run_id,notnull" json:"run_id"`
	PatientID string         `bun:"patient_id,notnull" json:"patient_id"`
	Seq       int            `bun:"seq,notnull" json:"seq"`
	Kind      EventKind      `bun:"kind,notnull" json:"kind"`
	EventDate *time.Time     `bun:"event_date" json:"event_date,omitempty"`
	SourceID  string         `bun:"source_id,notnull" json:"source_id"`
	Flags     StringArray    `bun:"flags,type:json" json:"flags,omitempty"`
	Payload   map[string]any `bun:"payload,type:json" json:"payload,omitempty"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}
