package chemo

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

// Vocabulary decides which medication orders are chemotherapy.
type Vocabulary struct {
	// RxNorm maps ingredient CUIs to ingredient names.
	RxNorm map[string]string `yaml:"rxnorm"`
	// Keywords are lower-case ingredient or brand names.
	Keywords []string `yaml:"keywords"`
	// Exclusions are supportive-care drugs. An order naming one before any
	// agent does not count.
	Exclusions []string `yaml:"exclusions"`
}

// DefaultVocabulary covers agents used for pediatric CNS tumors.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		RxNorm: map[string]string{
			"11202":   "vincristine",
			"11198":   "vinblastine",
			"40048":   "carboplatin",
			"2555":    "cisplatin",
			"37776":   "temozolomide",
			"6466":    "lomustine",
			"3002":    "cyclophosphamide",
			"4179":    "etoposide",
			"6851":    "methotrexate",
			"51499":   "irinotecan",
			"253337":  "bevacizumab",
			"10473":   "thiotepa",
			"8702":    "procarbazine",
			"5657":    "ifosfamide",
			"57308":   "topotecan",
			"141704":  "everolimus",
			"1424911": "dabrafenib",
			"1425098": "trametinib",
		},
		Keywords: []string{
			"vincristine", "vinblastine", "vinorelbine", "carboplatin", "cisplatin",
			"temozolomide", "temodar", "lomustine", "ccnu", "cyclophosphamide",
			"etoposide", "methotrexate", "irinotecan", "bevacizumab", "avastin",
			"thiotepa", "procarbazine", "ifosfamide", "topotecan", "everolimus",
			"dabrafenib", "trametinib", "selumetinib", "tovorafenib", "larotrectinib",
		},
		Exclusions: []string{
			"ondansetron", "granisetron", "dexamethasone", "hydrocortisone",
			"filgrastim", "pegfilgrastim", "mesna", "leucovorin", "aprepitant",
			"fosaprepitant", "levetiracetam", "sulfamethoxazole", "trimethoprim",
			"famotidine", "lorazepam", "prochlorperazine", "diphenhydramine",
		},
	}
}

// LoadVocabulary reads a YAML vocabulary file. Missing sections fall back
// to the defaults.
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("read vocabulary: %w", err)
	}

	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return Vocabulary{}, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}

	def := DefaultVocabulary()
	if len(v.RxNorm) == 0 {
		v.RxNorm = def.RxNorm
	}
	if len(v.Keywords) == 0 {
		v.Keywords = def.Keywords
	}
	if v.Exclusions == nil {
		v.Exclusions = def.Exclusions
	}
	v.Keywords = lowerAll(v.Keywords)
	v.Exclusions = lowerAll(v.Exclusions)
	return v, nil
}

// IsChemotherapy reports whether an order is a chemotherapy agent. A known
// RxNorm CUI decides on its own. Otherwise the drug named first in the
// order wins: "ifosfamide with mesna" is chemotherapy, "leucovorin rescue
// after methotrexate" is not.
func IsChemotherapy(o fhir.MedicationOrder, v Vocabulary) bool {
	if _, ok := v.RxNorm[o.RxNormCUI]; ok && o.RxNormCUI != "" {
		return true
	}
	name := strings.ToLower(o.Name)
	agent := firstIndex(name, v.Keywords)
	if agent < 0 {
		return false
	}
	excluded := firstIndex(name, v.Exclusions)
	return excluded < 0 || agent < excluded
}

// Ingredient names the agent of an order: the RxNorm ingredient when the
// CUI is known, else the matching keyword, else the lower-cased name.
func Ingredient(o fhir.MedicationOrder, v Vocabulary) string {
	if name, ok := v.RxNorm[o.RxNormCUI]; ok && o.RxNormCUI != "" {
		return name
	}
	name := strings.ToLower(strings.TrimSpace(o.Name))
	if kw := matchKeyword(name, v.Keywords); kw != "" {
		return kw
	}
	return name
}

func matchKeyword(name string, keywords []string) string {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(name, kw) {
			return kw
		}
	}
	return ""
}

// firstIndex returns the earliest position in name of any term, or -1.
func firstIndex(name string, terms []string) int {
	first := -1
	for _, t := range terms {
		if t == "" {
			continue
		}
		if i := strings.Index(name, t); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
