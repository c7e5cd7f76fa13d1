package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/radiant/pipeline/internal/llm"
	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/who"
)

const abstractorSystem = "You are a clinical data abstractor reviewing pediatric neuro-oncology records. " +
	"Only report what the document states."

// markerFields are asked from pathology documents before WHO translation.
var markerFields = []string{
	"tumor_location", "H3 K27M", "H3 G34", "IDH", "1p/19q", "CDKN2A/B", "BRAF V600E",
	"BRAF fusion", "SMARCB1", "TP53", "WNT", "SHH", "MYCN", "ZFTA", "YAP1", "H3 K27me3",
}

func (b *Builder) extract(ctx context.Context, st *build) (int, string, error) {
	if len(st.tl.Gaps) == 0 {
		return 0, "no gaps", nil
	}

	var errs []error
	st.texts, errs = b.fetchTexts(ctx, st.tl.Gaps)
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	found := 0
	for _, g := range st.tl.Gaps {
		var f *Finding
		var err error
		if g.Variable == VarWHODiagnosis {
			f, err = b.diagnose(ctx, st, g)
		} else {
			f, err = b.fill(ctx, st, g)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return found, "", ctxErr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", g.Variable, g.SourceID, err))
		}
		if g.Event.Findings == nil {
			g.Event.Findings = map[string]*Finding{}
		}
		g.Event.Findings[g.Variable] = f
		if f.Found() {
			found++
		}
	}
	return found, "", errors.Join(errs...)
}

// fetchTexts loads the text of every selected document once, with at most
// FetchWorkers fetches in flight. Failed documents are left out.
func (b *Builder) fetchTexts(ctx context.Context, gaps []*Gap) (map[string]string, []error) {
	texts := map[string]string{}
	var ids []string
	for _, g := range gaps {
		for _, c := range g.Candidates {
			if c.Inline != "" {
				texts[c.key()] = c.Inline
				continue
			}
			ids = append(ids, c.BinaryID)
		}
	}
	ids = lo.Uniq(ids)
	if len(ids) == 0 || b.docs == nil {
		return texts, nil
	}

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.FetchWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			text, err := b.documentText(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs = append(errs, fmt.Errorf("document %s: %w", id, err))
				return nil
			}
			if strings.TrimSpace(text) != "" {
				texts[id] = text
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Debug().Int("requested", len(ids)).Int("failed", len(errs)).Msg("documents fetched")
	return texts, errs
}

func (b *Builder) documentText(ctx context.Context, binaryID string) (string, error) {
	bin, err := b.docs.Fetch(ctx, binaryID)
	if err != nil {
		return "", err
	}
	return b.docs.Text(ctx, bin)
}

// fill votes on the gap variable one candidate at a time, in selection
// order, and keeps the first extracted value. When no candidate yields a
// value the most informative failure is kept.
func (b *Builder) fill(ctx context.Context, st *build, g *Gap) (*Finding, error) {
	f := &Finding{Variable: g.Variable, Status: models.ExtractionNoEvidence}
	switch {
	case !st.modelOK:
		f.Status = models.ExtractionUnavailable
		f.Note = "no model available"
		return f, nil
	case len(g.Candidates) == 0:
		f.Note = lo.CoalesceOrEmpty(g.Reason, "no candidate documents")
		return f, nil
	}

	gk := gapKinds[g.Event.Kind]
	var best *Finding
	for _, c := range g.Candidates {
		text, ok := st.texts[c.key()]
		if !ok {
			continue
		}
		prompt := llm.Prompt{
			System:           abstractorSystem,
			Instruction:      fmt.Sprintf("The %s.\n%s", describe(g.Event), gk.instruction),
			Document:         documentHeader(c) + text,
			Schema:           []string{"evidence", "confidence"},
			MaxDocumentChars: b.opts.MaxDocumentChars,
		}
		ballot, err := b.model.Vote(ctx, prompt, g.Variable, b.opts.Votes, b.opts.MinAgreement)
		if ctx.Err() != nil {
			return f, ctx.Err()
		}

		cur := b.finding(g.Variable, c, ballot, err)
		if cur.Status == models.ExtractionExtracted {
			return cur, nil
		}
		if errors.Is(err, llm.ErrModelUnavailable) {
			st.modelOK = false
			return cur, err
		}
		if best == nil || statusRank(cur.Status) > statusRank(best.Status) {
			best = cur
		}
	}
	if best == nil {
		f.Note = "no readable candidate documents"
		return f, nil
	}
	return best, nil
}

func (b *Builder) finding(variable string, c Candidate, ballot *llm.Ballot, err error) *Finding {
	f := &Finding{
		Variable: variable,
		Status:   StatusFor(err),
		Document: lo.CoalesceOrEmpty(c.BinaryID, c.DocumentID),
		Model:    b.model.Model(),
	}
	if ballot != nil {
		f.Votes = ballot.Cast
		f.Agreement = ballot.Votes
		if ballot.Confidence >= 0 {
			f.Confidence = ballot.Confidence
		}
		if err == nil {
			f.Value = ballot.Value
		}
		if len(ballot.Tally) > 1 {
			f.Details = map[string]any{"tally": ballot.Tally}
		}
	}
	if err != nil && f.Status != models.ExtractionNoEvidence {
		f.Note = err.Error()
	}
	return f
}

// StatusFor maps an extraction error to the stored status.
func StatusFor(err error) models.ExtractionStatus {
	switch {
	case err == nil:
		return models.ExtractionExtracted
	case errors.Is(err, llm.ErrNoEvidence):
		return models.ExtractionNoEvidence
	case errors.Is(err, llm.ErrNoConsensus):
		return models.ExtractionNoConsensus
	case errors.Is(err, llm.ErrMalformedResponse):
		return models.ExtractionMalformed
	default:
		return models.ExtractionUnavailable
	}
}

func statusRank(s models.ExtractionStatus) int {
	switch s {
	case models.ExtractionNoConsensus:
		return 3
	case models.ExtractionMalformed:
		return 2
	case models.ExtractionNoEvidence:
		return 1
	default:
		return 0
	}
}

// diagnose translates a tumor diagnosis to WHO CNS5. Molecular markers and
// location are first read from the selected pathology documents when a
// model is available.
func (b *Builder) diagnose(ctx context.Context, st *build, g *Gap) (*Finding, error) {
	in := who.Input{Diagnosis: g.Event.Label, Age: -1}
	if g.Event.Date != nil {
		in.Age = st.tl.Patient.AgeAt(*g.Event.Date)
	}

	var doc string
	var modelErr error
	if st.modelOK {
		for _, c := range g.Candidates {
			text, ok := st.texts[c.key()]
			if !ok {
				continue
			}
			ans, err := b.model.Extract(ctx, llm.Prompt{
				System:           abstractorSystem,
				Instruction:      fmt.Sprintf("The %s.\nReport the tumor location and the status of each molecular marker (for example mutant, wildtype, codeleted, deleted, fusion, amplified, positive, negative).", describe(g.Event)),
				Document:         documentHeader(c) + text,
				Schema:           markerFields,
				MaxDocumentChars: b.opts.MaxDocumentChars,
			})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				if errors.Is(err, llm.ErrModelUnavailable) {
					st.modelOK = false
					modelErr = err
					break
				}
				continue
			}
			in.Markers = map[string]string{}
			for _, k := range markerFields {
				v := ans.String(k)
				if llm.IsEmptyValue(v) {
					continue
				}
				if k == "tumor_location" {
					in.Location = v
					continue
				}
				in.Markers[k] = v
			}
			doc = lo.CoalesceOrEmpty(c.BinaryID, c.DocumentID)
			break
		}
	}

	res, err := b.who.Translate(ctx, in)
	if err != nil {
		return nil, err
	}

	f := &Finding{
		Variable:   VarWHODiagnosis,
		Value:      res.Name,
		Status:     models.ExtractionStructured,
		Document:   doc,
		Confidence: res.Confidence,
		Details: compact(map[string]any{
			"grade":        res.Grade,
			"rule":         res.Rule,
			"needs_review": res.NeedsReview,
			"location":     in.Location,
		}),
	}
	if len(in.Markers) > 0 {
		f.Details["markers"] = in.Markers
	}
	switch {
	case res.Rule == who.RuleNone:
		f.Status = models.ExtractionNoEvidence
		f.Note = "no classification rule matched"
	case res.Rule == who.RuleModel || doc != "":
		f.Status = models.ExtractionExtracted
		if b.model != nil {
			f.Model = b.model.Model()
		}
	}
	return f, modelErr
}

func documentHeader(c Candidate) string {
	title := lo.CoalesceOrEmpty(c.Title, c.Type, "Document")
	return fmt.Sprintf("%s (%s)\n\n", title, formatDate(c.Date))
}
