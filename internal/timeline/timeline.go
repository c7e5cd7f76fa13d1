// Package timeline builds an ordered clinical timeline for one patient from
// the structured FHIR views and fills the gaps it finds from clinical notes.
//
// A build runs six phases: load, events, gaps, documents, extract and
// output. A phase whose input is empty is skipped with a reason; per-item
// failures are collected on the phase report. Only a failure to load the
// structured record, or a cancelled context, stops the build.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/chemo"
	"github.com/mkoziy/radiant/pipeline/internal/config"
	"github.com/mkoziy/radiant/pipeline/internal/documents"
	"github.com/mkoziy/radiant/pipeline/internal/llm"
	"github.com/mkoziy/radiant/pipeline/internal/metrics"
	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
	"github.com/mkoziy/radiant/pipeline/internal/who"
)

const (
	PhaseLoad      = "load"
	PhaseEvents    = "events"
	PhaseGaps      = "gaps"
	PhaseDocuments = "documents"
	PhaseExtract   = "extract"
	PhaseOutput    = "output"
)

// RecordSource loads the structured record of a patient.
type RecordSource interface {
	Record(ctx context.Context, patientID string) (*fhir.Record, error)
}

// DocumentSource fetches clinical documents and converts them to text.
type DocumentSource interface {
	Fetch(ctx context.Context, binaryID string) (*documents.Binary, error)
	Text(ctx context.Context, bin *documents.Binary) (string, error)
}

// Model extracts values from document text.
type Model interface {
	Model() string
	Extract(ctx context.Context, p llm.Prompt) (*llm.Answer, error)
	Vote(ctx context.Context, p llm.Prompt, field string, n, minAgree int) (*llm.Ballot, error)
}

// Diagnoser maps a diagnosis to the WHO CNS5 classification.
type Diagnoser interface {
	Translate(ctx context.Context, in who.Input) (who.Result, error)
}

// Window is one document selection tier: documents within Days of the
// event, up to Limit selected in total once the tier is done.
type Window struct {
	Days  int `json:"days"`
	Limit int `json:"limit"`
}

// DefaultWindows returns the 7, 30 and 90 day tiers.
func DefaultWindows() []Window {
	return []Window{{Days: 7, Limit: 3}, {Days: 30, Limit: 5}, {Days: 90, Limit: 5}}
}

// Options tunes a build.
type Options struct {
	EpisodeGap       time.Duration
	FetchWorkers     int
	Windows          []Window
	Votes            int
	MinAgreement     int
	MaxDocumentChars int
	Vocabulary       chemo.Vocabulary
}

// OptionsFromConfig maps the timeline and model settings onto Options.
func OptionsFromConfig(tc config.TimelineConfig, oc config.OllamaConfig) Options {
	opts := Options{
		EpisodeGap:   tc.ChemoEpisodeGap,
		FetchWorkers: tc.FetchWorkers,
		Votes:        oc.Votes,
		MinAgreement: oc.MinAgreement,
		Vocabulary:   chemo.DefaultVocabulary(),
	}
	for _, w := range tc.Windows {
		opts.Windows = append(opts.Windows, Window{Days: w.Days, Limit: w.Limit})
	}
	return opts
}

func (o Options) withDefaults() Options {
	if o.EpisodeGap <= 0 {
		o.EpisodeGap = chemo.DefaultEpisodeGap
	}
	if o.FetchWorkers <= 0 {
		o.FetchWorkers = 4
	}
	if len(o.Windows) == 0 {
		o.Windows = DefaultWindows()
	}
	if o.Votes <= 0 {
		o.Votes = 3
	}
	if o.MaxDocumentChars <= 0 {
		o.MaxDocumentChars = 24000
	}
	if o.Vocabulary.RxNorm == nil && o.Vocabulary.Keywords == nil {
		o.Vocabulary = chemo.DefaultVocabulary()
	}
	return o
}

// Event is one entry of the timeline.
type Event struct {
	Kind     models.EventKind    `json:"kind"`
	Date     *time.Time          `json:"date,omitempty"`
	EndDate  *time.Time          `json:"end_date,omitempty"`
	SourceID string              `json:"source_id"`
	Label    string              `json:"label"`
	Flags    []string            `json:"flags,omitempty"`
	Details  map[string]any      `json:"details,omitempty"`
	Findings map[string]*Finding `json:"findings,omitempty"`
}

// Finding is a value filled in for an event from its documents.
type Finding struct {
	Variable   string                  `json:"variable"`
	Value      string                  `json:"value,omitempty"`
	Status     models.ExtractionStatus `json:"status"`
	Document   string                  `json:"document,omitempty"`
	Model      string                  `json:"model,omitempty"`
	Votes      int                     `json:"votes,omitempty"`
	Agreement  int                     `json:"agreement,omitempty"`
	Confidence float64                 `json:"confidence,omitempty"`
	Note       string                  `json:"note,omitempty"`
	Details    map[string]any          `json:"details,omitempty"`
}

// Found reports whether the finding carries a usable value.
func (f *Finding) Found() bool {
	return f != nil && f.Value != "" &&
		(f.Status == models.ExtractionExtracted || f.Status == models.ExtractionStructured)
}

// PhaseReport records the outcome of one phase. Skipped holds the reason a
// phase did not run; Err joins the per-item errors.
type PhaseReport struct {
	Name    string        `json:"name"`
	Items   int           `json:"items"`
	Err     error         `json:"-"`
	Skipped string        `json:"skipped,omitempty"`
	Elapsed time.Duration `json:"-"`
}

func (r PhaseReport) MarshalJSON() ([]byte, error) {
	type alias PhaseReport
	out := struct {
		alias
		Error     string `json:"error,omitempty"`
		ElapsedMS int64  `json:"elapsed_ms"`
	}{alias: alias(r), ElapsedMS: r.Elapsed.Milliseconds()}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Timeline is the result of a build.
type Timeline struct {
	RunID       string        `json:"run_id,omitempty"`
	PatientID   string        `json:"patient_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Patient     *fhir.Patient `json:"patient,omitempty"`
	Events      []*Event      `json:"events"`
	Gaps        []*Gap        `json:"gaps,omitempty"`
	Phases      []PhaseReport `json:"phases"`
}

// Phase returns the report of the named phase.
func (t *Timeline) Phase(name string) (PhaseReport, bool) {
	for _, p := range t.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseReport{}, false
}

// WriteJSON writes the timeline as indented JSON.
func (t *Timeline) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

// Builder runs timeline builds. The document source, model, translator and
// run store are optional; phases that need a missing one are skipped.
type Builder struct {
	records RecordSource
	docs    DocumentSource
	model   Model
	who     Diagnoser
	db      *bun.DB
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

func NewBuilder(records RecordSource, opts Options, logger zerolog.Logger) *Builder {
	return &Builder{
		records: records,
		who:     who.New(who.WithLogger(logger)),
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "timeline").Logger(),
		now:     time.Now,
	}
}

func (b *Builder) WithDocuments(docs DocumentSource) *Builder {
	b.docs = docs
	return b
}

func (b *Builder) WithModel(m Model) *Builder {
	b.model = m
	return b
}

func (b *Builder) WithTranslator(d Diagnoser) *Builder {
	b.who = d
	return b
}

// WithStore persists timelines and extractions to the run store.
func (b *Builder) WithStore(db *bun.DB) *Builder {
	b.db = db
	return b
}

// build carries the state passed between phases.
type build struct {
	tl      *Timeline
	record  *fhir.Record
	texts   map[string]string
	modelOK bool
}

// Run builds the timeline of one patient. runID keys persisted rows and may
// be empty when no store is configured.
func (b *Builder) Run(ctx context.Context, runID, patientID string) (*Timeline, error) {
	st := &build{
		tl:      &Timeline{RunID: runID, PatientID: patientID, GeneratedAt: b.now().UTC()},
		modelOK: b.model != nil,
	}
	logger := b.logger.With().Str("run_id", runID).Logger()

	load := b.phase(st, logger, PhaseLoad, func() (int, string, error) {
		return b.load(ctx, st, patientID)
	})
	if load.Err != nil {
		return st.tl, fmt.Errorf("load record %s: %w", patientID, load.Err)
	}

	steps := []struct {
		name string
		fn   func(context.Context, *build) (int, string, error)
	}{
		{PhaseEvents, b.buildEvents},
		{PhaseGaps, b.detectGaps},
		{PhaseDocuments, b.selectDocuments},
		{PhaseExtract, b.extract},
		{PhaseOutput, b.output},
	}
	for _, s := range steps {
		b.phase(st, logger, s.name, func() (int, string, error) {
			return s.fn(ctx, st)
		})
		if err := ctx.Err(); err != nil {
			return st.tl, err
		}
	}

	logger.Info().Int("events", len(st.tl.Events)).Int("gaps", len(st.tl.Gaps)).Msg("timeline built")
	return st.tl, nil
}

func (b *Builder) phase(st *build, logger zerolog.Logger, name string, fn func() (int, string, error)) PhaseReport {
	start := time.Now()
	items, skipped, err := fn()
	rep := PhaseReport{Name: name, Items: items, Err: err, Skipped: skipped, Elapsed: time.Since(start)}
	st.tl.Phases = append(st.tl.Phases, rep)

	outcome := "ok"
	switch {
	case skipped != "":
		outcome = "skipped"
		logger.Info().Str("phase", name).Str("reason", skipped).Msg("phase skipped")
	case err != nil:
		outcome = "partial"
		logger.Warn().Err(err).Str("phase", name).Int("items", items).Msg("phase finished with errors")
	default:
		logger.Debug().Str("phase", name).Int("items", items).Dur("elapsed", rep.Elapsed).Msg("phase finished")
	}
	metrics.RecordTimelinePhase(name, outcome, rep.Elapsed)
	return rep
}

func (b *Builder) load(ctx context.Context, st *build, patientID string) (int, string, error) {
	if b.records == nil {
		return 0, "", errors.New("no record source configured")
	}
	rec, err := b.records.Record(ctx, patientID)
	if err != nil {
		return 0, "", err
	}
	if rec == nil {
		rec = &fhir.Record{}
	}
	st.record = rec
	st.tl.Patient = rec.Patient

	n := len(rec.Diagnoses) + len(rec.Procedures) + len(rec.Medications) +
		len(rec.Radiation) + len(rec.Imaging) + len(rec.Documents)
	if rec.Patient != nil {
		n++
	}
	return n, "", nil
}
