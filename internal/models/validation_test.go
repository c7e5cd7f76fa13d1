package models

import (
	"testing"
	"time"
)

func TestExtractionValidate(t *testing.T) {
	valid := &Extraction{
		RunID:     "run-1",
		PatientID: "p1",
		Variable:  "extent_of_resection",
		Value:     "gross total resection",
		Status:    ExtractionExtracted,
		Votes:     3,
		Agreement: 2,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid extraction, got error: %v", err)
	}
	if !valid.Found() {
		t.Fatalf("expected extraction to count as found")
	}

	invalid := &Extraction{}
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected error for empty extraction")
	}

	overVoted := *valid
	overVoted.Agreement = 4
	if err := overVoted.Validate(); err == nil {
		t.Fatalf("expected error when agreement exceeds votes")
	}

	noEvidence := *valid
	noEvidence.Status = ExtractionNoEvidence
	if noEvidence.Found() {
		t.Fatalf("no-evidence extraction must not count as found")
	}
}

func TestPipelineRunHelpers(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r := &PipelineRun{Status: RunRunning, StartTime: start}
	if r.IsFinished() {
		t.Fatalf("running run is not finished")
	}

	end := start.Add(90 * time.Second)
	r.EndTime = &end
	r.Status = RunFailed
	if !r.IsFinished() || r.Duration() != 90*time.Second {
		t.Fatalf("unexpected finished state %v / %s", r.IsFinished(), r.Duration())
	}
}

func TestEventKindPriority(t *testing.T) {
	order := []EventKind{EventDiagnosis, EventSurgery, EventChemo, EventRadiation, EventImaging, EventKind("other")}
	for i := 1; i < len(order); i++ {
		if order[i-1].Priority() >= order[i].Priority() {
			t.Fatalf("expected %s before %s", order[i-1], order[i])
		}
	}
}

func TestStringArrayRoundTrip(t *testing.T) {
	v, err := StringArray{"undated", "no_extent"}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var s StringArray
	if err := s.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(s) != 2 || s[1] != "no_extent" {
		t.Fatalf("unexpected array %v", s)
	}

	if err := s.Scan(nil); err != nil || len(s) != 0 {
		t.Fatalf("expected empty array from NULL, got %v (%v)", s, err)
	}
}

func TestNullableFloat64(t *testing.T) {
	var n NullableFloat64
	if err := n.Scan(nil); err != nil || n.Valid {
		t.Fatalf("expected invalid from NULL")
	}
	if err := n.Scan(int64(2)); err != nil || !n.Valid || n.Float64 != 2 {
		t.Fatalf("expected 2 from int64, got %+v", n)
	}
	if b, _ := Float(0.5).MarshalJSON(); string(b) != "0.5" {
		t.Fatalf("unexpected json %s", b)
	}
	if b, _ := (NullableFloat64{}).MarshalJSON(); string(b) != "null" {
		t.Fatalf("unexpected json %s", b)
	}
}
