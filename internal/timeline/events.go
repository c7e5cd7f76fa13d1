package timeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/chemo"
	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

// FlagUndated marks events without any usable date. They sort last.
const FlagUndated = "undated"

var tumorTerms = []string{
	"glioma", "astrocytoma", "blastoma", "ependymoma", "craniopharyngioma",
	"germinoma", "meningioma", "teratoid", "rhabdoid", "neoplasm", "tumor",
	"tumour", "dipg", "pontine", "malignant",
}

// IsTumorDiagnosis reports whether a problem-list entry names a CNS tumor,
// by ICD-10 chapter or name.
func IsTumorDiagnosis(d fhir.Diagnosis) bool {
	icd := strings.ToUpper(strings.TrimSpace(d.ICD10))
	for _, prefix := range []string{"C70", "C71", "C72", "C75.3", "D32", "D33", "D35.2", "D35.3", "D43"} {
		if strings.HasPrefix(icd, prefix) {
			return true
		}
	}
	name := strings.ToLower(d.Name)
	return lo.SomeBy(tumorTerms, func(t string) bool { return strings.Contains(name, t) })
}

func (b *Builder) buildEvents(_ context.Context, st *build) (int, string, error) {
	rec := st.record
	if len(rec.Diagnoses)+len(rec.Procedures)+len(rec.Medications)+len(rec.Radiation)+len(rec.Imaging) == 0 {
		return 0, "no structured clinical data", nil
	}

	var events []*Event
	for _, d := range rec.Diagnoses {
		events = append(events, &Event{
			Kind:     models.EventDiagnosis,
			Date:     d.Date(),
			SourceID: d.ID,
			Label:    d.Name,
			Details: compact(map[string]any{
				"icd10":           d.ICD10,
				"snomed":          d.SNOMED,
				"clinical_status": d.ClinicalStatus,
				"tumor":           IsTumorDiagnosis(d),
			}),
		})
	}

	for _, p := range rec.Procedures {
		if !p.Surgical {
			continue
		}
		events = append(events, &Event{
			Kind:     models.EventSurgery,
			Date:     p.PerformedDate,
			SourceID: p.ID,
			Label:    p.Display,
			Details: compact(map[string]any{
				"code":      p.Code,
				"body_site": p.BodySite,
				"status":    p.Status,
			}),
		})
	}

	events = append(events, chemoEvents(rec.Medications, b.opts)...)

	for _, r := range rec.Radiation {
		label := strings.TrimSpace(strings.Join(lo.Compact([]string{r.Modality, r.Site}), " "))
		if label == "" {
			label = "radiation therapy"
		}
		events = append(events, &Event{
			Kind:     models.EventRadiation,
			Date:     r.StartDate,
			EndDate:  r.EndDate,
			SourceID: r.ID,
			Label:    label,
			Details: compact(map[string]any{
				"site":      r.Site,
				"modality":  r.Modality,
				"dose_cgy":  r.DoseCGy,
				"fractions": r.Fractions,
			}),
		})
	}

	for _, im := range rec.Imaging {
		label := strings.TrimSpace(strings.Join(lo.Compact([]string{im.Modality, im.Description}), " "))
		events = append(events, &Event{
			Kind:     models.EventImaging,
			Date:     im.Date,
			SourceID: im.ID,
			Label:    label,
			Details: compact(map[string]any{
				"modality":   im.Modality,
				"report_id":  im.ReportID,
				"conclusion": im.Conclusion,
			}),
		})
	}

	SortEvents(events)
	st.tl.Events = events

	undated := lo.CountBy(events, func(e *Event) bool { return e.Date == nil })
	if undated > 0 {
		b.logger.Debug().Int("undated", undated).Msg("events without dates placed last")
	}
	return len(events), "", nil
}

// chemoEvents turns medication orders into one event per treatment
// episode, plus one flagged event per chemotherapy order with no date.
func chemoEvents(orders []fhir.MedicationOrder, opts Options) []*Event {
	courses := chemo.Courses(orders, opts.Vocabulary)
	if len(courses) == 0 {
		return nil
	}

	var events []*Event
	for _, ep := range chemo.Episodes(courses, opts.EpisodeGap) {
		start := ep.Start
		events = append(events, &Event{
			Kind:     models.EventChemo,
			Date:     &start,
			EndDate:  ep.End,
			SourceID: ep.OrderIDs[0],
			Label:    strings.Join(ep.Drugs, ", "),
			Flags:    ep.Flags,
			Details: map[string]any{
				"drugs":     ep.Drugs,
				"order_ids": ep.OrderIDs,
			},
		})
	}
	for _, c := range chemo.Undated(courses) {
		events = append(events, &Event{
			Kind:     models.EventChemo,
			SourceID: c.Order.ID,
			Label:    c.Ingredient,
			Flags:    c.Dates.Flags,
			Details: map[string]any{
				"drugs":     []string{c.Ingredient},
				"order_ids": []string{c.Order.ID},
			},
		})
	}
	return events
}

// SortEvents orders events by calendar day (UTC), then kind priority, then
// time of day, then source id.
// Events without a date go last, in the same kind and id order, and are
// flagged undated.
func SortEvents(events []*Event) {
	for _, e := range events {
		if e.Date == nil && !lo.Contains(e.Flags, FlagUndated) {
			e.Flags = append(e.Flags, FlagUndated)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if (a.Date == nil) != (b.Date == nil) {
			return b.Date == nil
		}
		if a.Date != nil {
			if da, db := calendarDay(*a.Date), calendarDay(*b.Date); !da.Equal(db) {
				return da.Before(db)
			}
		}
		if pa, pb := a.Kind.Priority(), b.Kind.Priority(); pa != pb {
			return pa < pb
		}
		if a.Date != nil && !a.Date.Equal(*b.Date) {
			return a.Date.Before(*b.Date)
		}
		return a.SourceID < b.SourceID
	})
}

func calendarDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// compact drops zero values so the artifact only carries what is known.
func compact(m map[string]any) map[string]any {
	for k, v := range m {
		switch x := v.(type) {
		case string:
			if x == "" {
				delete(m, k)
			}
		case int:
			if x == 0 {
				delete(m, k)
			}
		case float64:
			if x == 0 {
				delete(m, k)
			}
		}
	}
	return m
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "unknown date"
	}
	return t.Format("2006-01-02")
}

func describe(e *Event) string {
	return fmt.Sprintf("%s on %s: %s", e.Kind, formatDate(e.Date), e.Label)
}
