package who

import (
	"regexp"
	"strings"
)

// rule is one row of the classification table. Rules are evaluated in
// order and the first match wins.
type rule struct {
	name  string
	match func(f *facts) bool
	apply func(f *facts) Result
}

func fixed(name, grade string, confidence float64) func(*facts) Result {
	return func(*facts) Result {
		return Result{Name: name, Grade: grade, Confidence: confidence}
	}
}

var (
	h3K27Markers = []string{"H3 K27M", "H3 K27", "H3 K27-altered", "H3F3A K27M", "HIST1H3B K27M", "H3.3 K27M", "H3.1 K27M"}
	h3G34Markers = []string{"H3 G34", "H3 G34R", "H3 G34V", "H3F3A G34R", "H3.3 G34R"}
	idhMarkers   = []string{"IDH", "IDH1", "IDH2", "IDH1 R132H", "IDH1/2"}
	codelMarkers = []string{"1p/19q", "1p19q", "1p/19q codeletion"}
	cdknMarkers  = []string{"CDKN2A/B", "CDKN2A", "CDKN2A/B homozygous deletion"}

	// k27m must not match the K27me3 loss reported for PFA ependymoma.
	k27Text = regexp.MustCompile(`k27m\b|k27-altered|k27 altered|diffuse midline glioma`)
)

// clauseEnds separates the findings of a diagnosis text.
const clauseEnds = ",;.()"

// k27InText reports an H3 K27 alteration stated in the diagnosis text. A
// mention negated within its own clause, as in "H3 K27M negative" or
// "no H3 K27M mutation", does not count.
func k27InText(text string) bool {
	for _, loc := range k27Text.FindAllStringIndex(text, -1) {
		before := text[:loc[0]]
		if i := strings.LastIndexAny(before, clauseEnds); i >= 0 {
			before = before[i+1:]
		}
		after := text[loc[1]:]
		if i := strings.IndexAny(after, clauseEnds); i >= 0 {
			after = after[:i]
		}
		if !hasNegation(before) && !hasNegation(after) {
			return true
		}
	}
	return false
}

func defaultRules() []rule {
	return []rule{
		{
			name: "h3_k27_altered",
			match: func(f *facts) bool {
				return f.positive(h3K27Markers...) || (!f.negative(h3K27Markers...) && k27InText(f.text))
			},
			apply: func(f *facts) Result {
				r := Result{Name: "Diffuse midline glioma, H3 K27-altered", Grade: "4", Confidence: 0.95}
				if !f.positive(h3K27Markers...) {
					r.Confidence = 0.85
				}
				return r
			},
		},
		{
			name: "dipg_without_molecular",
			match: func(f *facts) bool {
				return f.mentions("dipg", "diffuse intrinsic pontine") && !f.negative(h3K27Markers...)
			},
			apply: func(*facts) Result {
				return Result{Name: "Diffuse midline glioma, H3 K27-altered", Grade: "4", Confidence: 0.7, NeedsReview: true}
			},
		},
		{
			name: "h3_g34_mutant",
			match: func(f *facts) bool {
				return f.positive(h3G34Markers...) || f.mentions("h3 g34", "g34r", "g34v")
			},
			apply: fixed("Diffuse hemispheric glioma, H3 G34-mutant", "4", 0.95),
		},
		{
			name: "oligodendroglioma_idh_codeleted",
			match: func(f *facts) bool {
				return f.positive(idhMarkers...) && f.positive(codelMarkers...)
			},
			apply: func(f *facts) Result {
				grade := "2"
				if f.mentions("anaplastic", "grade 3", "grade iii") {
					grade = "3"
				}
				return Result{Name: "Oligodendroglioma, IDH-mutant and 1p/19q-codeleted", Grade: grade, Confidence: 0.95}
			},
		},
		{
			name: "astrocytoma_idh_mutant",
			match: func(f *facts) bool {
				return f.positive(idhMarkers...) && !f.positive(codelMarkers...) &&
					(f.mentions("astrocytoma", "glioblastoma", "glioma") || f.positive("ATRX", "TP53"))
			},
			apply: func(f *facts) Result {
				grade := "2"
				switch {
				case homozygousCDKN(f), f.mentions("glioblastoma", "grade 4", "grade iv"):
					grade = "4"
				case f.mentions("anaplastic", "grade 3", "grade iii"):
					grade = "3"
				}
				return Result{Name: "Astrocytoma, IDH-mutant", Grade: grade, Confidence: 0.9}
			},
		},
		{
			name: "glioblastoma_idh_wildtype",
			match: func(f *facts) bool {
				if !f.adult() || f.positive(idhMarkers...) || f.positive(h3K27Markers...) || f.positive(h3G34Markers...) {
					return false
				}
				molecular := f.positive("TERT", "TERT promoter") || f.positive("EGFR", "EGFR amplification") || f.positive("+7/-10", "chr7 gain chr10 loss")
				return f.mentions("glioblastoma", "gbm") || (molecular && f.mentions("astrocytoma", "glioma"))
			},
			apply: func(f *facts) Result {
				r := Result{Name: "Glioblastoma, IDH-wildtype", Grade: "4", Confidence: 0.9}
				if !f.negative(idhMarkers...) {
					r.Confidence = 0.7
					r.NeedsReview = true
				}
				return r
			},
		},
		{
			name: "pediatric_high_grade_glioma",
			match: func(f *facts) bool {
				return f.pediatric() && f.mentions("glioblastoma", "gbm", "high-grade glioma", "high grade glioma") &&
					!f.positive(idhMarkers...)
			},
			apply: fixed("Diffuse pediatric-type high-grade glioma, H3-wildtype and IDH-wildtype", "4", 0.8),
		},
		{
			name: "medulloblastoma",
			match: func(f *facts) bool {
				return f.mentions("medulloblastoma")
			},
			apply: medulloblastoma,
		},
		{
			name: "pilocytic_astrocytoma",
			match: func(f *facts) bool {
				return f.mentions("pilocytic")
			},
			apply: fixed("Pilocytic astrocytoma", "1", 0.9),
		},
		{
			name: "ependymoma",
			match: func(f *facts) bool {
				return f.mentions("ependymoma") && !f.mentions("subependymoma")
			},
			apply: ependymoma,
		},
		{
			name: "atrt",
			match: func(f *facts) bool {
				return f.mentions("atypical teratoid", "rhabdoid", "atrt", "at/rt") || f.positive("SMARCB1", "INI1", "SMARCB1/INI1")
			},
			apply: fixed("Atypical teratoid/rhabdoid tumor", "4", 0.9),
		},
		{
			name: "craniopharyngioma",
			match: func(f *facts) bool {
				return f.mentions("craniopharyngioma")
			},
			apply: func(f *facts) Result {
				switch {
				case f.mentions("papillary") || f.positive("BRAF V600E"):
					return Result{Name: "Papillary craniopharyngioma", Grade: "1", Confidence: 0.9}
				case f.mentions("adamantinomatous") || f.positive("CTNNB1"):
					return Result{Name: "Adamantinomatous craniopharyngioma", Grade: "1", Confidence: 0.9}
				}
				return Result{Name: "Adamantinomatous craniopharyngioma", Grade: "1", Confidence: 0.6, NeedsReview: true}
			},
		},
		{
			name: "germinoma",
			match: func(f *facts) bool {
				return f.mentions("germinoma")
			},
			apply: fixed("Germinoma", "", 0.9),
		},
		{
			name: "meningioma",
			match: func(f *facts) bool {
				return f.mentions("meningioma")
			},
			apply: func(f *facts) Result {
				grade := "1"
				switch {
				case f.mentions("anaplastic", "malignant", "grade 3", "grade iii"):
					grade = "3"
				case f.mentions("atypical", "grade 2", "grade ii"):
					grade = "2"
				}
				return Result{Name: "Meningioma", Grade: grade, Confidence: 0.85}
			},
		},
	}
}

func homozygousCDKN(f *facts) bool {
	v, ok := f.marker(cdknMarkers...)
	if !ok || !isPositive(v) {
		return false
	}
	return strings.Contains(v, "homozygous") || f.mentions("cdkn2a/b homozygous", "cdkn2a homozygous")
}

func medulloblastoma(f *facts) Result {
	switch {
	case f.positive("WNT", "CTNNB1") || f.mentions("wnt-activated", "wnt activated", "wnt subgroup"):
		return Result{Name: "Medulloblastoma, WNT-activated", Grade: "4", Confidence: 0.95}
	case f.positive("SHH") || f.mentions("shh-activated", "shh activated", "shh subgroup"):
		if f.positive("TP53") {
			return Result{Name: "Medulloblastoma, SHH-activated and TP53-mutant", Grade: "4", Confidence: 0.95}
		}
		r := Result{Name: "Medulloblastoma, SHH-activated and TP53-wildtype", Grade: "4", Confidence: 0.9}
		if !f.negative("TP53") {
			r.Confidence = 0.7
			r.NeedsReview = true
		}
		return r
	case f.positive("Group 3", "Group 4", "Group 3/4") || f.mentions("group 3", "group 4", "non-wnt/non-shh", "non-wnt non-shh") ||
		(f.negative("WNT", "CTNNB1") && f.negative("SHH")):
		return Result{Name: "Medulloblastoma, non-WNT/non-SHH", Grade: "4", Confidence: 0.9}
	}
	return Result{Name: "Medulloblastoma, histologically defined", Grade: "4", Confidence: 0.6, NeedsReview: true}
}

func ependymoma(f *facts) Result {
	grade := "2"
	if f.mentions("anaplastic", "grade 3", "grade iii") {
		grade = "3"
	}
	r := Result{Grade: grade, Confidence: 0.9}

	switch {
	case f.positive("ZFTA", "ZFTA fusion", "C11orf95", "RELA", "ZFTA-RELA"):
		r.Name = "Supratentorial ependymoma, ZFTA fusion-positive"
	case f.positive("YAP1", "YAP1 fusion"):
		r.Name = "Supratentorial ependymoma, YAP1 fusion-positive"
	case f.positive("PFA", "H3 K27me3") || f.mentions("pfa", "group a"):
		r.Name = "Posterior fossa group A (PFA) ependymoma"
	case f.positive("PFB") || f.mentions("pfb", "group b"):
		r.Name = "Posterior fossa group B (PFB) ependymoma"
	case f.locatedIn("spin"):
		r.Name = "Spinal ependymoma"
		if f.positive("MYCN") {
			r.Name = "Spinal ependymoma, MYCN-amplified"
			r.Grade = "3"
		}
	case f.locatedIn("posterior fossa", "infratentorial", "fourth ventricle", "4th ventricle", "cerebell", "brainstem"):
		r.Name = "Posterior fossa ependymoma"
		r.Confidence = 0.75
	case f.locatedIn("supratentorial", "frontal", "parietal", "temporal", "occipital", "lateral ventricle", "third ventricle"):
		r.Name = "Supratentorial ependymoma"
		r.Confidence = 0.75
	default:
		r.Name = "Ependymoma"
		r.Confidence = 0.5
		r.NeedsReview = true
	}
	return r
}
