package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strconv"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ExtractionStatus records how a variable extraction ended.
type ExtractionStatus string

const (
	ExtractionExtracted   ExtractionStatus = "extracted"
	ExtractionNoEvidence  ExtractionStatus = "no_evidence"
	ExtractionNoConsensus ExtractionStatus = "no_consensus"
	ExtractionUnavailable ExtractionStatus = "model_unavailable"
	ExtractionMalformed   ExtractionStatus = "malformed_response"
	ExtractionStructured  ExtractionStatus = "structured"
)

// EventKind classifies a timeline event.
type EventKind string

const (
	EventDiagnosis EventKind = "diagnosis"
	EventSurgery   EventKind = "surgery"
	EventChemo     EventKind = "chemotherapy"
	EventRadiation EventKind = "radiation"
	EventImaging   EventKind = "imaging"
)

// Priority orders kinds that share a date.
func (k EventKind) Priority() int {
	switch k {
	case EventDiagnosis:
		return 0
	case EventSurgery:
		return 1
	case EventChemo:
		return 2
	case EventRadiation:
		return 3
	case EventImaging:
		return 4
	default:
		return 5
	}
}

// StringArray stores a slice of strings in SQLite as JSON.
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringArray) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = StringArray{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("failed to scan StringArray")
	}
}

// NullableFloat64 handles nullable float columns.
type NullableFloat64 struct {
	Float64 float64
	Valid   bool
}

// Float wraps a value as a valid NullableFloat64.
func Float(v float64) NullableFloat64 {
	return NullableFloat64{Float64: v, Valid: true}
}

func (n NullableFloat64) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Float64, nil
}

func (n *NullableFloat64) Scan(value interface{}) error {
	n.Float64, n.Valid = 0, false

	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		n.Float64 = v
	case int64:
		n.Float64 = float64(v)
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return err
		}
		n.Float64 = f
	default:
		return errors.New("failed to scan NullableFloat64")
	}

	n.Valid = true
	return nil
}

func (n NullableFloat64) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Float64)
}
