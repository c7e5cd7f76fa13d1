// Package who maps free-text CNS tumor diagnoses and molecular markers to
// the WHO CNS5 (2021) classification.
package who

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mkoziy/radiant/pipeline/internal/llm"
)

const (
	RuleNone  = "none"
	RuleModel = "model"
)

// Input is one diagnosis to translate.
type Input struct {
	Diagnosis string            `json:"diagnosis"`
	Markers   map[string]string `json:"markers,omitempty"`
	// Age at diagnosis in years; negative when unknown.
	Age      int    `json:"age"`
	Location string `json:"location,omitempty"`
}

// Result is a WHO CNS5 integrated diagnosis.
type Result struct {
	Name        string  `json:"name"`
	Grade       string  `json:"grade,omitempty"`
	Rule        string  `json:"rule"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needs_review"`
}

// Translator applies an ordered rule table, optionally falling back to a
// model when no rule matches.
type Translator struct {
	rules  []rule
	model  *llm.Extractor
	logger zerolog.Logger
}

type Option func(*Translator)

// WithModel enables the model fallback for unmatched diagnoses.
func WithModel(e *llm.Extractor) Option {
	return func(t *Translator) {
		t.model = e
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Translator) {
		t.logger = logger.With().Str("component", "who").Logger()
	}
}

func New(opts ...Option) *Translator {
	t := &Translator{rules: defaultRules(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Rules lists rule names in evaluation order.
func (t *Translator) Rules() []string {
	names := make([]string, len(t.rules))
	for i, r := range t.rules {
		names[i] = r.name
	}
	return names
}

// Translate classifies one diagnosis. Without a matching rule the input
// diagnosis is returned unchanged and flagged for review, unless the model
// fallback produces an answer. Only context errors are returned.
func (t *Translator) Translate(ctx context.Context, in Input) (Result, error) {
	f := newFacts(in)
	for _, r := range t.rules {
		if r.match(f) {
			res := r.apply(f)
			res.Rule = r.name
			return res, nil
		}
	}

	fallback := Result{Name: strings.TrimSpace(in.Diagnosis), Rule: RuleNone, NeedsReview: true}
	if t.model == nil || fallback.Name == "" {
		return fallback, nil
	}

	res, err := t.askModel(ctx, in)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fallback, ctxErr
		}
		t.logger.Warn().Err(err).Msg("model fallback failed")
		return fallback, nil
	}
	return res, nil
}

const modelSystem = "You are a neuropathologist. Classify central nervous system tumors using the WHO Classification of Tumours of the Central Nervous System, 5th edition (2021)."

func (t *Translator) askModel(ctx context.Context, in Input) (Result, error) {
	var doc strings.Builder
	fmt.Fprintf(&doc, "Diagnosis: %s\n", in.Diagnosis)
	if in.Location != "" {
		fmt.Fprintf(&doc, "Location: %s\n", in.Location)
	}
	if in.Age >= 0 {
		fmt.Fprintf(&doc, "Age at diagnosis: %d\n", in.Age)
	}
	keys := make([]string, 0, len(in.Markers))
	for k := range in.Markers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&doc, "Marker %s: %s\n", k, in.Markers[k])
	}

	ans, err := t.model.Extract(ctx, llm.Prompt{
		System:      modelSystem,
		Instruction: "Give the WHO CNS5 integrated diagnosis name and CNS WHO grade for this tumor.",
		Document:    doc.String(),
		Schema:      []string{"who_diagnosis", "who_grade", "confidence"},
	})
	if err != nil {
		return Result{}, err
	}

	name := ans.String("who_diagnosis")
	if llm.IsEmptyValue(name) {
		return Result{}, errors.New("model returned no diagnosis")
	}
	conf := ans.Confidence()
	if conf < 0 {
		conf = 0.5
	}
	grade := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(ans.String("who_grade")), "grade"))
	if llm.IsEmptyValue(grade) {
		grade = ""
	}
	return Result{Name: name, Grade: grade, Rule: RuleModel, Confidence: conf, NeedsReview: true}, nil
}
