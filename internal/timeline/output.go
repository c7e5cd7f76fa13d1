package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/repositories"
)

func (b *Builder) output(ctx context.Context, st *build) (int, string, error) {
	switch {
	case b.db == nil:
		return 0, "no run store configured", nil
	case st.tl.RunID == "":
		return 0, "no run id", nil
	}

	events := EventModels(st.tl.Events)
	var errs []error
	if err := repositories.SaveTimeline(ctx, b.db, st.tl.RunID, st.tl.PatientID, events); err != nil {
		errs = append(errs, fmt.Errorf("save timeline: %w", err))
	}
	if err := repositories.SaveExtractions(ctx, b.db, Extractions(st.tl)); err != nil {
		errs = append(errs, fmt.Errorf("save extractions: %w", err))
	}
	if len(errs) > 0 {
		return 0, "", errors.Join(errs...)
	}
	return len(events), "", nil
}

// EventModels converts timeline events to run store rows. Findings and end
// dates travel in the payload.
func EventModels(events []*Event) []*models.TimelineEvent {
	return lo.Map(events, func(e *Event, _ int) *models.TimelineEvent {
		payload := map[string]any{"label": e.Label}
		for k, v := range e.Details {
			payload[k] = v
		}
		if e.EndDate != nil {
			payload["end_date"] = e.EndDate.Format("2006-01-02")
		}
		if len(e.Findings) > 0 {
			payload["findings"] = e.Findings
		}
		return &models.TimelineEvent{
			Kind:      e.Kind,
			EventDate: e.Date,
			SourceID:  e.SourceID,
			Flags:     models.StringArray(e.Flags),
			Payload:   payload,
		}
	})
}

// Extractions rolls findings up to one row per variable, so that a patient
// with several surgeries gets all extents in event order, separated by
// "; ". The first found value names the source document and vote counts.
func Extractions(tl *Timeline) []*models.Extraction {
	type group struct {
		findings []*Finding
	}
	groups := map[string]*group{}
	var order []string
	for _, e := range tl.Events {
		keys := lo.Keys(e.Findings)
		sort.Strings(keys)
		for _, k := range keys {
			g, ok := groups[k]
			if !ok {
				g = &group{}
				groups[k] = g
				order = append(order, k)
			}
			g.findings = append(g.findings, e.Findings[k])
		}
	}

	out := make([]*models.Extraction, 0, len(order))
	for _, variable := range order {
		fs := groups[variable].findings
		found := lo.Filter(fs, func(f *Finding, _ int) bool { return f.Found() })

		ex := &models.Extraction{
			RunID:     tl.RunID,
			PatientID: tl.PatientID,
			Variable:  variable,
		}
		if len(found) == 0 {
			best := lo.MaxBy(fs, func(a, b *Finding) bool { return statusRank(a.Status) > statusRank(b.Status) })
			ex.Status = best.Status
			out = append(out, ex)
			continue
		}

		first := found[0]
		ex.Value = strings.Join(lo.Uniq(lo.Map(found, func(f *Finding, _ int) string { return f.Value })), "; ")
		ex.Status = first.Status
		if lo.SomeBy(found, func(f *Finding) bool { return f.Status == models.ExtractionExtracted }) {
			ex.Status = models.ExtractionExtracted
		}
		if first.Document != "" {
			ex.SourceDocument = lo.ToPtr(first.Document)
		}
		if first.Model != "" {
			ex.Model = lo.ToPtr(first.Model)
		}
		ex.Votes, ex.Agreement = first.Votes, first.Agreement
		if first.Confidence > 0 {
			ex.Confidence = models.Float(lo.Mean(lo.Map(found, func(f *Finding, _ int) float64 { return f.Confidence })))
		}
		out = append(out, ex)
	}
	return out
}
