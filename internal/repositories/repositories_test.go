package repositories

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
	"github.com/mkoziy/radiant/pipeline/internal/database"
	"github.com/mkoziy/radiant/pipeline/internal/migrations"
	"github.com/mkoziy/radiant/pipeline/internal/models"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(ctx, "file:"+name+"?mode=memory&cache=shared", false)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.RunMigrations(ctx, db, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	run, err := StartRun(ctx, db, "timeline build", "p1", `{"env":"test"}`)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.ID == 0 || run.RunID == "" || run.Status != models.RunRunning {
		t.Fatalf("unexpected run %+v", run)
	}

	run.ItemsProcessed = 5
	run.ItemsFailed = 1
	if err := FinishRun(ctx, db, run, errors.New("phase documents: s3 unavailable")); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	got, err := GetRun(ctx, db, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != models.RunFailed || got.EndTime == nil || got.ItemsProcessed != 5 {
		t.Fatalf("unexpected stored run %+v", got)
	}
	if got.ErrorLog == nil || !strings.Contains(*got.ErrorLog, "s3 unavailable") {
		t.Fatalf("expected error log, got %v", got.ErrorLog)
	}
	if got.PatientID == nil || *got.PatientID != "p1" {
		t.Fatalf("expected patient id stored")
	}

	runs, err := RecentRuns(ctx, db, "timeline build", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one recent run, got %d (%v)", len(runs), err)
	}
}

func TestAuditHook(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	var hookErr error
	hook := AuditHook(db, "run-1", func(err error) { hookErr = err })
	hook(ctx, athena.Execution{ID: "q-1", State: "SUCCEEDED", BytesScanned: 1024, EngineTime: 1500 * time.Millisecond}, "SELECT  *\n FROM v_imaging")
	hook(ctx, athena.Execution{ID: "q-2", State: "FAILED", Reason: "SYNTAX_ERROR"}, "SELECT x")
	hook(ctx, athena.Execution{}, "SELECT 1")

	if hookErr == nil {
		t.Fatalf("expected error for execution without id")
	}

	audits, err := QueryAudits(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("query audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected 2 audits, got %d", len(audits))
	}
	if audits[0].SQLHash != HashSQL("SELECT * FROM v_imaging") || audits[0].DurationMS != 1500 {
		t.Fatalf("unexpected audit %+v", audits[0])
	}
	if audits[1].Reason == nil || *audits[1].Reason != "SYNTAX_ERROR" {
		t.Fatalf("expected failure reason stored")
	}
}

func TestSaveExtractionsUpserts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := []*models.Extraction{{
		RunID: "run-1", PatientID: "p1", Variable: "extent_of_resection",
		Value: "partial", Status: models.ExtractionExtracted, Votes: 3, Agreement: 2, Confidence: models.Float(0.6),
	}}
	if err := SaveExtractions(ctx, db, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := []*models.Extraction{{
		RunID: "run-1", PatientID: "p1", Variable: "extent_of_resection",
		Value: "gross total resection", Status: models.ExtractionExtracted, Votes: 3, Agreement: 3, Confidence: models.Float(0.9),
	}}
	if err := SaveExtractions(ctx, db, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := RunExtractions(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("run extractions: %v", err)
	}
	if len(got) != 1 || got[0].Value != "gross total resection" || got[0].Agreement != 3 {
		t.Fatalf("expected upserted row, got %+v", got)
	}
	if !got[0].Confidence.Valid || got[0].Confidence.Float64 != 0.9 {
		t.Fatalf("unexpected confidence %+v", got[0].Confidence)
	}

	if err := SaveExtractions(ctx, db, []*models.Extraction{{RunID: "run-1"}}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLatestExtractions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, e := range []*models.Extraction{
		{RunID: "run-1", PatientID: "p1", Variable: "who_diagnosis", Value: "Pilocytic astrocytoma", Status: models.ExtractionExtracted},
		{RunID: "run-1", PatientID: "p1", Variable: "extent_of_resection", Status: models.ExtractionNoEvidence},
		{RunID: "run-2", PatientID: "p1", Variable: "extent_of_resection", Value: "subtotal", Status: models.ExtractionExtracted},
		{RunID: "run-2", PatientID: "p2", Variable: "who_diagnosis", Value: "Medulloblastoma", Status: models.ExtractionExtracted},
	} {
		if err := SaveExtractions(ctx, db, []*models.Extraction{e}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	latest, err := LatestExtractions(ctx, db, "p1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected one row per variable, got %d", len(latest))
	}
	if latest[0].Variable != "extent_of_resection" || latest[0].RunID != "run-2" {
		t.Fatalf("expected newest extent of resection, got %+v", latest[0])
	}
}

func TestSaveTimelineReplaces(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	day := time.Date(2018, 6, 4, 0, 0, 0, 0, time.UTC)
	events := []*models.TimelineEvent{
		{Kind: models.EventDiagnosis, EventDate: &day, SourceID: "c1"},
		{Kind: models.EventSurgery, EventDate: &day, SourceID: "pr1", Payload: map[string]any{"extent": "gross total resection"}},
	}
	if err := SaveTimeline(ctx, db, "run-1", "p1", events); err != nil {
		t.Fatalf("save timeline: %v", err)
	}

	replacement := []*models.TimelineEvent{
		{Kind: models.EventImaging, SourceID: "img1", Flags: models.StringArray{"undated"}},
	}
	if err := SaveTimeline(ctx, db, "run-1", "p1", replacement); err != nil {
		t.Fatalf("replace timeline: %v", err)
	}

	got, err := GetTimeline(ctx, db, "run-1", "p1")
	if err != nil {
		t.Fatalf("get timeline: %v", err)
	}
	if len(got) != 1 || got[0].Kind != models.EventImaging || got[0].EventDate != nil {
		t.Fatalf("expected replaced timeline, got %+v", got)
	}
	if len(got[0].Flags) != 1 || got[0].Flags[0] != "undated" {
		t.Fatalf("unexpected flags %v", got[0].Flags)
	}

	if err := SaveTimeline(ctx, db, "run-2", "p1", events); err != nil {
		t.Fatalf("save timeline: %v", err)
	}
	got, err = GetTimeline(ctx, db, "run-2", "p1")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected two events for run-2, got %d (%v)", len(got), err)
	}
	if got[1].Seq != 1 || got[1].Payload["extent"] != "gross total resection" {
		t.Fatalf("unexpected payload %+v", got[1])
	}
}
