// Package chemo adjudicates chemotherapy start and stop dates from
// medication orders and groups them into treatment episodes.
package chemo

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

// Source names the order field a date was taken from.
type Source string

const (
	SourceNone               Source = ""
	SourceDispense           Source = "dispense_start"
	SourcePeriodStart        Source = "period_start"
	SourceAuthoredOn         Source = "authored_on"
	SourcePeriodEnd          Source = "period_end"
	SourceValidityEnd        Source = "validity_end"
	SourceLastAdministration Source = "last_administration"
	SourceSupplyDays         Source = "expected_supply_days"
)

const FlagEndBeforeStart = "end_before_start"

// DefaultEpisodeGap separates two episodes of the same treatment.
const DefaultEpisodeGap = 21 * 24 * time.Hour

// Dates are the adjudicated start and end of one order.
type Dates struct {
	Start       *time.Time `json:"start,omitempty"`
	StartSource Source     `json:"start_source,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	EndSource   Source     `json:"end_source,omitempty"`
	Flags       []string   `json:"flags,omitempty"`
}

// Adjudicate picks the best start and end for an order. Start prefers
// dispense or administration, then the dosing period, then authoring.
// End prefers the dosing period, then the validity period, then the last
// administration, then start plus expected supply. An end before the
// start is dropped and flagged.
func Adjudicate(o fhir.MedicationOrder) Dates {
	var d Dates

	switch {
	case o.DispenseStart != nil:
		d.Start, d.StartSource = o.DispenseStart, SourceDispense
	case o.PeriodStart != nil:
		d.Start, d.StartSource = o.PeriodStart, SourcePeriodStart
	case o.AuthoredOn != nil:
		d.Start, d.StartSource = o.AuthoredOn, SourceAuthoredOn
	}

	switch {
	case o.PeriodEnd != nil:
		d.End, d.EndSource = o.PeriodEnd, SourcePeriodEnd
	case o.ValidityEnd != nil:
		d.End, d.EndSource = o.ValidityEnd, SourceValidityEnd
	case o.LastAdministration != nil:
		d.End, d.EndSource = o.LastAdministration, SourceLastAdministration
	case d.Start != nil && o.ExpectedSupplyDays > 0:
		end := d.Start.AddDate(0, 0, o.ExpectedSupplyDays)
		d.End, d.EndSource = &end, SourceSupplyDays
	}

	if d.Start != nil && d.End != nil && d.End.Before(*d.Start) {
		d.End, d.EndSource = nil, SourceNone
		d.Flags = append(d.Flags, FlagEndBeforeStart)
	}
	return d
}

// Course is one chemotherapy order with its adjudicated dates.
type Course struct {
	Order      fhir.MedicationOrder `json:"order"`
	Ingredient string               `json:"ingredient"`
	Dates      Dates                `json:"dates"`
}

// Courses filters orders to chemotherapy and adjudicates each.
func Courses(orders []fhir.MedicationOrder, v Vocabulary) []Course {
	chemo := lo.Filter(orders, func(o fhir.MedicationOrder, _ int) bool {
		return IsChemotherapy(o, v)
	})
	return lo.Map(chemo, func(o fhir.MedicationOrder, _ int) Course {
		return Course{Order: o, Ingredient: Ingredient(o, v), Dates: Adjudicate(o)}
	})
}

// Episode is a run of chemotherapy courses without a long break.
type Episode struct {
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Drugs    []string   `json:"drugs"`
	OrderIDs []string   `json:"order_ids"`
	Flags    []string   `json:"flags,omitempty"`
}

// Episodes sorts courses by start then ingredient and merges each course
// into the running episode when it starts within gap of the episode's
// latest end (or start, for courses without an end). Courses without a
// start date are left out; see Undated.
func Episodes(courses []Course, gap time.Duration) []Episode {
	if gap <= 0 {
		gap = DefaultEpisodeGap
	}

	dated := lo.Filter(courses, func(c Course, _ int) bool { return c.Dates.Start != nil })
	sort.SliceStable(dated, func(i, j int) bool {
		a, b := dated[i], dated[j]
		if !a.Dates.Start.Equal(*b.Dates.Start) {
			return a.Dates.Start.Before(*b.Dates.Start)
		}
		return a.Ingredient < b.Ingredient
	})

	var episodes []Episode
	var horizon time.Time
	for _, c := range dated {
		last := *c.Dates.Start
		if c.Dates.End != nil {
			last = *c.Dates.End
		}

		if len(episodes) == 0 || c.Dates.Start.After(horizon.Add(gap)) {
			episodes = append(episodes, Episode{Start: *c.Dates.Start})
			horizon = last
		}
		ep := &episodes[len(episodes)-1]
		if last.After(horizon) {
			horizon = last
		}
		if c.Dates.End != nil && (ep.End == nil || c.Dates.End.After(*ep.End)) {
			end := *c.Dates.End
			ep.End = &end
		}
		ep.OrderIDs = append(ep.OrderIDs, c.Order.ID)
		ep.Drugs = append(ep.Drugs, c.Ingredient)
		ep.Flags = append(ep.Flags, c.Dates.Flags...)
	}

	for i := range episodes {
		episodes[i].Drugs = lo.Uniq(episodes[i].Drugs)
		sort.Strings(episodes[i].Drugs)
		episodes[i].Flags = lo.Uniq(episodes[i].Flags)
	}
	return episodes
}

// Undated returns courses that have no adjudicated start.
func Undated(courses []Course) []Course {
	return lo.Filter(courses, func(c Course, _ int) bool { return c.Dates.Start == nil })
}
