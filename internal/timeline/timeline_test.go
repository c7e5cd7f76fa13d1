package timeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/database"
	"github.com/mkoziy/radiant/pipeline/internal/documents"
	"github.com/mkoziy/radiant/pipeline/internal/llm"
	"github.com/mkoziy/radiant/pipeline/internal/migrations"
	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/repositories"
	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

type fakeRecords struct {
	rec *fhir.Record
	err error
}

func (f *fakeRecords) Record(ctx context.Context, patientID string) (*fhir.Record, error) {
	return f.rec, f.err
}

type fakeDocs struct {
	mu      sync.Mutex
	texts   map[string]string
	fetched []string
}

func (f *fakeDocs) Fetch(ctx context.Context, binaryID string) (*documents.Binary, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, binaryID)
	f.mu.Unlock()

	text, ok := f.texts[binaryID]
	if !ok {
		return nil, documents.ErrNotFound
	}
	return &documents.Binary{ID: binaryID, ContentType: "text/plain", Data: []byte(text)}, nil
}

func (f *fakeDocs) Text(ctx context.Context, bin *documents.Binary) (string, error) {
	return string(bin.Data), nil
}

// fakeModel answers from keywords found in the prompt document.
type fakeModel struct {
	unavailable bool
	votes       int
	extracts    int
}

func (m *fakeModel) Model() string { return "fake:1b" }

func (m *fakeModel) Vote(ctx context.Context, p llm.Prompt, field string, n, minAgree int) (*llm.Ballot, error) {
	m.votes++
	if m.unavailable {
		return &llm.Ballot{Field: field, Calls: 1}, llm.ErrModelUnavailable
	}
	answers := map[string]map[string]string{
		VarExtentOfResection: {"gross total resection": "Gross total resection"},
		VarTumorResponse:     {"decreased": "partial response"},
	}
	doc := strings.ToLower(p.Document)
	for needle, value := range answers[field] {
		if strings.Contains(doc, needle) {
			return &llm.Ballot{Field: field, Value: value, Votes: n, Cast: n, Calls: n, Confidence: 0.9}, nil
		}
	}
	return &llm.Ballot{Field: field, Cast: n, Calls: n, Confidence: -1}, llm.ErrNoEvidence
}

func (m *fakeModel) Extract(ctx context.Context, p llm.Prompt) (*llm.Answer, error) {
	m.extracts++
	if m.unavailable {
		return nil, llm.ErrModelUnavailable
	}
	if !strings.Contains(p.Document, "KIAA1549") {
		return &llm.Answer{Fields: map[string]any{}}, llm.ErrNoEvidence
	}
	return &llm.Answer{Fields: map[string]any{
		"tumor_location": "cerebellum",
		"BRAF fusion":    "KIAA1549-BRAF fusion detected",
		"IDH":            "not found",
	}}, nil
}

func testRecord() *fhir.Record {
	return &fhir.Record{
		Patient: &fhir.Patient{ID: "p1", Gender: "female", BirthDate: day("2010-05-01")},
		Diagnoses: []fhir.Diagnosis{
			{ID: "dx-2", Name: "Obstructive hydrocephalus", ICD10: "G91.1", OnsetDate: day("2018-06-04")},
			{ID: "dx-1", Name: "Pilocytic astrocytoma of cerebellum", ICD10: "D33.1", OnsetDate: day("2018-06-04")},
		},
		Procedures: []fhir.Procedure{
			{ID: "proc-1", Display: "Craniotomy for tumor resection", Surgical: true, PerformedDate: day("2018-06-05")},
			{ID: "proc-2", Display: "Anesthesia for MRI", Surgical: false, PerformedDate: day("2018-06-03")},
		},
		Medications: []fhir.MedicationOrder{
			{ID: "m1", Name: "vincristine sulfate injection", RxNormCUI: "11202", PeriodStart: day("2018-07-01"), PeriodEnd: day("2018-07-20")},
			{ID: "m2", Name: "carboplatin injection", RxNormCUI: "40048", AuthoredOn: day("2018-07-01")},
			{ID: "m3", Name: "vincristine sulfate injection"},
			{ID: "m4", Name: "ondansetron", AuthoredOn: day("2018-07-01")},
		},
		Imaging: []fhir.ImagingStudy{
			{ID: "img-1", Modality: "MRI", Description: "Brain w/wo contrast", Conclusion: "Large posterior fossa mass.", Date: day("2018-06-03")},
			{ID: "img-2", Modality: "MRI", Description: "Brain w/wo contrast", Conclusion: "Decreased size of residual tumor.", Date: day("2018-09-01")},
		},
		Documents: []fhir.DocumentRef{
			{ID: "doc-1", Title: "Operative Note", Type: "Operative Note", BinaryID: "b-op", Date: day("2018-06-05")},
			{ID: "doc-2", Title: "Surgical Pathology Report", Type: "Pathology", BinaryID: "b-path", Date: day("2018-06-08")},
			{ID: "doc-3", Title: "Progress Note", Type: "Progress Notes", BinaryID: "b-missing", Date: day("2018-06-06")},
			{ID: "doc-4", Title: "MRI Brain", Type: "Radiology Report", BinaryID: "b-rad", Date: day("2018-09-01")},
		},
	}
}

func testDocs() *fakeDocs {
	return &fakeDocs{texts: map[string]string{
		"b-op":   "Procedure: suboccipital craniotomy. A gross total resection was achieved.",
		"b-path": "Pilocytic astrocytoma. KIAA1549-BRAF fusion detected.",
		"b-rad":  "Postoperative changes. No new enhancement.",
	}}
}

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

func TestSortEvents(t *testing.T) {
	events := []*Event{
		{Kind: models.EventImaging, SourceID: "i1", Date: day("2020-01-02")},
		{Kind: models.EventSurgery, SourceID: "s2"},
		{Kind: models.EventSurgery, SourceID: "s1", Date: day("2020-01-02")},
		{Kind: models.EventDiagnosis, SourceID: "d1"},
		{Kind: models.EventChemo, SourceID: "c1", Date: day("2020-01-01")},
		{Kind: models.EventSurgery, SourceID: "s0", Date: day("2020-01-02")},
	}
	SortEvents(events)

	var got []string
	for _, e := range events {
		got = append(got, e.SourceID)
	}
	if want := "c1 s0 s1 i1 d1 s2"; strings.Join(got, " ") != want {
		t.Fatalf("order = %v, want %s", got, want)
	}
	if len(events[4].Flags) != 1 || events[4].Flags[0] != FlagUndated {
		t.Fatalf("undated event not flagged: %v", events[4].Flags)
	}
	if len(events[0].Flags) != 0 {
		t.Fatalf("dated event flagged: %v", events[0].Flags)
	}

	SortEvents(events)
	if len(events[4].Flags) != 1 {
		t.Fatalf("flag added twice: %v", events[4].Flags)
	}
}

func TestSortEventsSameDayByKind(t *testing.T) {
	at := func(s string) *time.Time {
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return &v
	}
	tests := []struct {
		name   string
		events []*Event
		want   string
	}{
		{
			name: "surgery later that day sorts before imaging",
			events: []*Event{
				{Kind: models.EventImaging, SourceID: "i1", Date: at("2020-01-02T08:00:00Z")},
				{Kind: models.EventSurgery, SourceID: "s1", Date: at("2020-01-02T15:30:00Z")},
			},
			want: "s1 i1",
		},
		{
			name: "same kind keeps time order",
			events: []*Event{
				{Kind: models.EventImaging, SourceID: "a", Date: at("2020-01-02T18:00:00Z")},
				{Kind: models.EventImaging, SourceID: "b", Date: at("2020-01-02T07:00:00Z")},
			},
			want: "b a",
		},
		{
			name: "earlier day wins over priority",
			events: []*Event{
				{Kind: models.EventDiagnosis, SourceID: "d1", Date: at("2020-01-03T00:10:00Z")},
				{Kind: models.EventImaging, SourceID: "i1", Date: at("2020-01-02T23:50:00Z")},
			},
			want: "i1 d1",
		},
		{
			name: "offsets compare on the utc day",
			events: []*Event{
				{Kind: models.EventImaging, SourceID: "i1", Date: at("2020-01-02T09:00:00Z")},
				{Kind: models.EventSurgery, SourceID: "s1", Date: at("2020-01-02T20:00:00-02:00")},
			},
			want: "i1 s1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SortEvents(tt.events)
			var got []string
			for _, e := range tt.events {
				got = append(got, e.SourceID)
			}
			if strings.Join(got, " ") != tt.want {
				t.Fatalf("order = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestSelectDocumentsTiers(t *testing.T) {
	ev := &Event{Kind: models.EventSurgery, SourceID: "s1", Date: day("2020-03-01")}
	docs := []fhir.DocumentRef{
		{ID: "a", Title: "Operative Note", BinaryID: "ba", Date: day("2020-03-02")},
		{ID: "b", Title: "Progress Note", BinaryID: "bb", Date: day("2020-03-03")},
		{ID: "c", Title: "OP NOTE - Brief", Type: "Operative", BinaryID: "bc", Date: day("2020-03-21")},
		{ID: "d", Title: "Progress Note", BinaryID: "bd", Date: day("2020-02-05")},
		{ID: "e", Title: "Progress Note", BinaryID: "be", Date: day("2020-04-30")},
		{ID: "f", Title: "Progress Note", BinaryID: "bf", Date: day("2020-10-01")},
		{ID: "g", Title: "Operative Note", Date: day("2020-03-01")},
		{ID: "h", Title: "Undated", BinaryID: "bh"},
	}
	keywords := gapKinds[models.EventSurgery].keywords

	tests := []struct {
		name    string
		windows []Window
		want    string
	}{
		{"default tiers fall back", DefaultWindows(), "ba:1 bb:1 bc:2 bd:2 be:3"},
		{"first tier fills its limit", []Window{{Days: 7, Limit: 1}, {Days: 30, Limit: 5}}, "ba:1"},
		{"second tier tops up", []Window{{Days: 7, Limit: 3}, {Days: 30, Limit: 3}}, "ba:1 bb:1 bc:2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range SelectDocuments(ev, docs, keywords, tt.windows) {
				got = append(got, c.BinaryID+":"+string(rune('0'+c.Tier)))
			}
			if strings.Join(got, " ") != tt.want {
				t.Fatalf("selected %v, want %s", got, tt.want)
			}
		})
	}

	got := SelectDocuments(ev, docs, keywords, DefaultWindows())
	if !got[0].Preferred || got[1].Preferred || !got[2].Preferred {
		t.Fatalf("unexpected preference flags: %+v", got[:3])
	}
}

func TestSelectDocumentsLinkedImaging(t *testing.T) {
	ev := &Event{
		Kind:     models.EventImaging,
		SourceID: "img-1",
		Date:     day("2020-03-01"),
		Details:  map[string]any{"report_id": "rep-1", "conclusion": "Stable."},
	}
	docs := []fhir.DocumentRef{
		{ID: "rep-1", Title: "Progress Note", BinaryID: "b-rep", Date: day("2020-01-01")},
		{ID: "x", Title: "MRI Brain", BinaryID: "b-x", Date: day("2020-03-01")},
	}
	got := SelectDocuments(ev, docs, gapKinds[models.EventImaging].keywords, []Window{{Days: 7, Limit: 1}})
	if len(got) != 3 {
		t.Fatalf("expected report, conclusion and one windowed doc, got %+v", got)
	}
	if got[0].BinaryID != "b-rep" || got[0].Tier != 0 {
		t.Fatalf("linked report should come first: %+v", got[0])
	}
	if got[1].Inline != "Stable." || got[1].key() != "inline:img-1" {
		t.Fatalf("conclusion candidate = %+v", got[1])
	}
	if got[2].BinaryID != "b-x" || got[2].Tier != 1 {
		t.Fatalf("windowed candidate = %+v", got[2])
	}
}

func TestRunBuildsTimeline(t *testing.T) {
	model := &fakeModel{}
	docs := testDocs()
	b := NewBuilder(&fakeRecords{rec: testRecord()}, Options{}, zerolog.Nop()).
		WithDocuments(docs).
		WithModel(model)

	tl, err := b.Run(context.Background(), "", "p1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var order []string
	for _, e := range tl.Events {
		order = append(order, e.SourceID)
	}
	if want := "img-1 dx-1 dx-2 proc-1 m2 img-2 m3"; strings.Join(order, " ") != want {
		t.Fatalf("event order = %v, want %s", order, want)
	}

	chemoEv := tl.Events[4]
	if chemoEv.Kind != models.EventChemo || chemoEv.Label != "carboplatin, vincristine" {
		t.Fatalf("unexpected chemo event %+v", chemoEv)
	}
	if undated := tl.Events[6]; undated.Date != nil || undated.Flags[len(undated.Flags)-1] != FlagUndated {
		t.Fatalf("undated order should be last and flagged: %+v", undated)
	}

	if len(tl.Gaps) != 4 {
		t.Fatalf("expected 4 gaps, got %d", len(tl.Gaps))
	}

	surgery := tl.Events[3].Findings[VarExtentOfResection]
	if surgery.Status != models.ExtractionExtracted || surgery.Value != "Gross total resection" || surgery.Document != "b-op" {
		t.Fatalf("extent finding = %+v", surgery)
	}
	if surgery.Votes != 3 || surgery.Model != "fake:1b" {
		t.Fatalf("votes and model not recorded: %+v", surgery)
	}

	dx := tl.Events[1].Findings[VarWHODiagnosis]
	if dx.Value != "Pilocytic astrocytoma" || dx.Status != models.ExtractionExtracted || dx.Document != "b-path" {
		t.Fatalf("who finding = %+v", dx)
	}
	if dx.Details["grade"] != "1" || dx.Details["location"] != "cerebellum" {
		t.Fatalf("who details = %+v", dx.Details)
	}
	if tl.Events[2].Findings != nil {
		t.Fatalf("non-tumor diagnosis must not be translated")
	}

	if resp := tl.Events[5].Findings[VarTumorResponse]; resp.Value != "partial response" || resp.Document != "img-2" {
		t.Fatalf("img-2 response = %+v", resp)
	}
	if resp := tl.Events[0].Findings[VarTumorResponse]; resp.Status != models.ExtractionNoEvidence || resp.Found() {
		t.Fatalf("img-1 response = %+v", resp)
	}

	ext, ok := tl.Phase(PhaseExtract)
	if !ok || ext.Items != 3 {
		t.Fatalf("extract phase = %+v", ext)
	}
	if !errors.Is(ext.Err, documents.ErrNotFound) || !strings.Contains(ext.Err.Error(), "b-missing") {
		t.Fatalf("missing document error not collected: %v", ext.Err)
	}
	if out, _ := tl.Phase(PhaseOutput); out.Skipped != "no run store configured" {
		t.Fatalf("output phase = %+v", out)
	}

	seen := map[string]int{}
	for _, id := range docs.fetched {
		seen[id]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("document %s fetched %d times", id, n)
		}
	}

	var buf bytes.Buffer
	if err := tl.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if !strings.Contains(buf.String(), `"extent_of_resection"`) || !strings.Contains(buf.String(), `"elapsed_ms"`) {
		t.Fatalf("unexpected artifact: %s", buf.String())
	}
}

func TestRunPersists(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	b := NewBuilder(&fakeRecords{rec: testRecord()}, Options{}, zerolog.Nop()).
		WithDocuments(testDocs()).
		WithModel(&fakeModel{}).
		WithStore(db)
	tl, err := b.Run(ctx, "run-1", "p1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out, _ := tl.Phase(PhaseOutput); out.Err != nil || out.Items != 7 {
		t.Fatalf("output phase = %+v (%v)", out, out.Err)
	}

	stored, err := repositories.GetTimeline(ctx, db, "run-1", "p1")
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if len(stored) != 7 || stored[3].SourceID != "proc-1" || stored[3].Seq != 3 {
		t.Fatalf("unexpected stored timeline: %+v", stored)
	}

	rows, err := repositories.RunExtractions(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("RunExtractions: %v", err)
	}
	byVar := map[string]*models.Extraction{}
	for _, r := range rows {
		byVar[r.Variable] = r
	}
	if len(byVar) != 3 {
		t.Fatalf("expected one row per variable, got %d", len(byVar))
	}
	if r := byVar[VarTumorResponse]; r.Value != "partial response" || r.Status != models.ExtractionExtracted {
		t.Fatalf("tumor response row = %+v", r)
	}
	if r := byVar[VarExtentOfResection]; r.SourceDocument == nil || *r.SourceDocument != "b-op" || r.Votes != 3 {
		t.Fatalf("extent row = %+v", r)
	}
}

func TestRunWithoutModel(t *testing.T) {
	b := NewBuilder(&fakeRecords{rec: testRecord()}, Options{}, zerolog.Nop())

	tl, err := b.Run(context.Background(), "", "p1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if docs, _ := tl.Phase(PhaseDocuments); docs.Skipped != "no document store configured" {
		t.Fatalf("documents phase = %+v", docs)
	}

	// Rules alone still classify the diagnosis from its name.
	dx := tl.Events[1].Findings[VarWHODiagnosis]
	if dx.Value != "Pilocytic astrocytoma" || dx.Status != models.ExtractionStructured {
		t.Fatalf("who finding = %+v", dx)
	}
	if f := tl.Events[3].Findings[VarExtentOfResection]; f.Status != models.ExtractionUnavailable {
		t.Fatalf("extent without model = %+v", f)
	}
}

func TestRunStopsCallingUnavailableModel(t *testing.T) {
	model := &fakeModel{unavailable: true}
	b := NewBuilder(&fakeRecords{rec: testRecord()}, Options{}, zerolog.Nop()).
		WithDocuments(testDocs()).
		WithModel(model)

	tl, err := b.Run(context.Background(), "", "p1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model.votes+model.extracts != 1 {
		t.Fatalf("expected a single model call, got %d votes and %d extracts", model.votes, model.extracts)
	}
	ext, _ := tl.Phase(PhaseExtract)
	if !errors.Is(ext.Err, llm.ErrModelUnavailable) {
		t.Fatalf("extract phase error = %v", ext.Err)
	}
	for _, g := range tl.Gaps {
		if g.Variable == VarWHODiagnosis {
			continue
		}
		if f := g.Event.Findings[g.Variable]; f.Status != models.ExtractionUnavailable {
			t.Fatalf("%s %s status = %s", g.Variable, g.SourceID, f.Status)
		}
	}
}

func TestRunSkipsEmptyPhases(t *testing.T) {
	b := NewBuilder(&fakeRecords{rec: &fhir.Record{Patient: &fhir.Patient{ID: "p1"}}}, Options{}, zerolog.Nop())
	tl, err := b.Run(context.Background(), "", "p1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]string{
		PhaseEvents:    "no structured clinical data",
		PhaseGaps:      "no events",
		PhaseDocuments: "no gaps",
		PhaseExtract:   "no gaps",
	}
	for name, reason := range want {
		if p, _ := tl.Phase(name); p.Skipped != reason {
			t.Fatalf("phase %s skipped = %q, want %q", name, p.Skipped, reason)
		}
	}
	if len(tl.Phases) != 6 {
		t.Fatalf("expected 6 phase reports, got %d", len(tl.Phases))
	}
}

func TestRunFailsOnLoadError(t *testing.T) {
	boom := errors.New("athena down")
	b := NewBuilder(&fakeRecords{err: boom}, Options{}, zerolog.Nop())
	tl, err := b.Run(context.Background(), "", "p1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if len(tl.Phases) != 1 || tl.Phases[0].Err == nil {
		t.Fatalf("expected only the failed load phase, got %+v", tl.Phases)
	}
}
