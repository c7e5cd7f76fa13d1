package timeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

const (
	VarExtentOfResection = "extent_of_resection"
	VarTumorResponse     = "tumor_response"
	VarWHODiagnosis      = "who_diagnosis"
)

const (
	extentInstruction = "What was the extent of tumor resection in this surgery? Answer with one of: " +
		"gross total resection, near total resection, subtotal resection, partial resection, biopsy only."

	responseInstruction = "Compared with prior imaging, what is the tumor response described in this report? Answer with one of: " +
		"complete response, partial response, stable disease, progressive disease, no prior for comparison."
)

// gapKind describes how one missing variable is looked up in documents.
type gapKind struct {
	variable    string
	instruction string
	keywords    []string
}

var gapKinds = map[models.EventKind]gapKind{
	models.EventSurgery: {
		variable:    VarExtentOfResection,
		instruction: extentInstruction,
		keywords:    []string{"operative", "op note", "brief op", "surgery", "surgical", "procedure", "neurosurg"},
	},
	models.EventImaging: {
		variable:    VarTumorResponse,
		instruction: responseInstruction,
		keywords:    []string{"radiology", "imaging", "mri", "mr brain", "ct head", "ct brain", "diagnostic imaging"},
	},
	models.EventDiagnosis: {
		variable: VarWHODiagnosis,
		keywords: []string{"pathology", "surgical path", "path report", "molecular", "genomic", "neuropath"},
	},
}

// Gap is a variable missing from an event, with the documents selected to
// fill it.
type Gap struct {
	Event      *Event      `json:"-"`
	Kind       string      `json:"kind"`
	SourceID   string      `json:"source_id"`
	Variable   string      `json:"variable"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Candidate is a document chosen for a gap. Tier 0 holds documents linked
// to the event itself; tiers 1.. follow the configured windows.
type Candidate struct {
	BinaryID   string     `json:"binary_id,omitempty"`
	DocumentID string     `json:"document_id,omitempty"`
	Title      string     `json:"title,omitempty"`
	Type       string     `json:"type,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
	Tier       int        `json:"tier"`
	Preferred  bool       `json:"preferred,omitempty"`
	// Inline is text carried by the structured row itself, such as an
	// imaging conclusion; such candidates need no fetch.
	Inline string `json:"-"`
}

func (c Candidate) key() string {
	if c.Inline != "" {
		return "inline:" + c.DocumentID
	}
	return c.BinaryID
}

func (b *Builder) detectGaps(_ context.Context, st *build) (int, string, error) {
	if len(st.tl.Events) == 0 {
		return 0, "no events", nil
	}

	var gaps []*Gap
	for _, e := range st.tl.Events {
		gk, ok := gapKinds[e.Kind]
		if !ok || e.Findings[gk.variable] != nil {
			continue
		}
		if _, known := e.Details[gk.variable]; known {
			continue
		}
		if e.Kind == models.EventDiagnosis && e.Details["tumor"] != true {
			continue
		}
		gaps = append(gaps, &Gap{Event: e, Kind: string(e.Kind), SourceID: e.SourceID, Variable: gk.variable})
	}
	st.tl.Gaps = gaps
	return len(gaps), "", nil
}

func (b *Builder) selectDocuments(_ context.Context, st *build) (int, string, error) {
	switch {
	case len(st.tl.Gaps) == 0:
		return 0, "no gaps", nil
	case b.docs == nil:
		markGaps(st.tl.Gaps, "no document store configured")
		return 0, "no document store configured", nil
	}

	selected := 0
	for _, g := range st.tl.Gaps {
		if g.Event.Date == nil {
			g.Reason = "event has no date"
			continue
		}
		g.Candidates = SelectDocuments(g.Event, st.record.Documents, gapKinds[g.Event.Kind].keywords, b.opts.Windows)
		if len(g.Candidates) == 0 {
			g.Reason = "no documents within the selection windows"
		}
		selected += len(g.Candidates)
	}
	return selected, "", nil
}

func markGaps(gaps []*Gap, reason string) {
	for _, g := range gaps {
		if g.Reason == "" {
			g.Reason = reason
		}
	}
}

// SelectDocuments picks candidate documents for an event. Documents linked
// to the event come first. Then each window tier adds documents dated within
// its range, preferring those whose type, title or category matches a
// keyword, then the closest in time, until the selection reaches the
// tier's limit. A later tier is consulted only while the selection is below
// the previous tier's limit.
func SelectDocuments(e *Event, docs []fhir.DocumentRef, keywords []string, windows []Window) []Candidate {
	var out []Candidate
	taken := map[string]bool{}

	for _, c := range linkedCandidates(e, docs) {
		if c.BinaryID != "" {
			taken[c.BinaryID] = true
		}
		out = append(out, c)
	}
	linked := len(out)

	if e.Date == nil {
		return out
	}
	for i, w := range windows {
		if i > 0 && len(out)-linked >= windows[i-1].Limit {
			break
		}
		span := time.Duration(w.Days) * 24 * time.Hour
		pool := lo.Filter(docs, func(d fhir.DocumentRef, _ int) bool {
			return d.BinaryID != "" && !taken[d.BinaryID] && d.Date != nil && absDuration(d.Date.Sub(*e.Date)) <= span
		})
		sort.SliceStable(pool, func(a, b int) bool {
			pa, pb := matchesKeyword(pool[a], keywords), matchesKeyword(pool[b], keywords)
			if pa != pb {
				return pa
			}
			da, db := absDuration(pool[a].Date.Sub(*e.Date)), absDuration(pool[b].Date.Sub(*e.Date))
			if da != db {
				return da < db
			}
			return pool[a].BinaryID < pool[b].BinaryID
		})
		for _, d := range pool {
			if len(out)-linked >= w.Limit {
				break
			}
			taken[d.BinaryID] = true
			c := candidateFor(d, i+1)
			c.Preferred = matchesKeyword(d, keywords)
			out = append(out, c)
		}
	}
	return out
}

// linkedCandidates returns the report and conclusion of an imaging study.
func linkedCandidates(e *Event, docs []fhir.DocumentRef) []Candidate {
	if e.Kind != models.EventImaging {
		return nil
	}
	var out []Candidate
	if reportID, _ := e.Details["report_id"].(string); reportID != "" {
		if d, ok := lo.Find(docs, func(d fhir.DocumentRef) bool {
			return d.BinaryID != "" && (d.ID == reportID || d.BinaryID == reportID)
		}); ok {
			c := candidateFor(d, 0)
			c.Preferred = true
			out = append(out, c)
		}
	}
	if text, _ := e.Details["conclusion"].(string); strings.TrimSpace(text) != "" {
		out = append(out, Candidate{
			DocumentID: e.SourceID,
			Title:      "Imaging conclusion",
			Date:       e.Date,
			Preferred:  true,
			Inline:     text,
		})
	}
	return out
}

func candidateFor(d fhir.DocumentRef, tier int) Candidate {
	return Candidate{
		BinaryID:   d.BinaryID,
		DocumentID: d.ID,
		Title:      d.Title,
		Type:       d.Type,
		Date:       d.Date,
		Tier:       tier,
	}
}

func matchesKeyword(d fhir.DocumentRef, keywords []string) bool {
	hay := strings.ToLower(d.Type + " " + d.Title + " " + d.Category)
	return lo.SomeBy(keywords, func(k string) bool { return strings.Contains(hay, k) })
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
