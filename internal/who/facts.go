package who

import (
	"strings"
	"unicode"
)

var positiveWords = []string{
	"positive", "mutant", "mutated", "mutation", "present", "detected", "altered",
	"deleted", "deletion", "codeleted", "co-deleted", "amplified", "amplification",
	"fusion", "activated", "loss", "lost", "yes", "true", "+",
}

// negationWords are matched as whole words anywhere in a value, so
// "mutation not detected" and "no codeletion" read as negative.
var negationWords = map[string]bool{
	"negative": true, "wildtype": true, "wild": true, "wt": true, "absent": true,
	"intact": true, "retained": true, "no": true, "not": true, "none": true,
	"without": true, "undetected": true, "false": true, "normal": true,
}

// facts is a normalized view of one Input.
type facts struct {
	text     string
	markers  map[string]string
	age      int
	location string
}

func newFacts(in Input) *facts {
	f := &facts{
		text:     strings.ToLower(strings.Join(strings.Fields(in.Diagnosis), " ")),
		markers:  make(map[string]string, len(in.Markers)),
		age:      in.Age,
		location: strings.ToLower(in.Location),
	}
	for k, v := range in.Markers {
		f.markers[markerKey(k)] = strings.ToLower(strings.TrimSpace(v))
	}
	return f
}

// markerKey folds "H3 K27M", "h3-k27m" and "H3K27M" to "h3k27m".
func markerKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// marker returns the value of the first of names that was reported.
func (f *facts) marker(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := f.markers[markerKey(n)]; ok {
			return v, true
		}
	}
	return "", false
}

// positive reports a marker reported as present, mutant or altered.
func (f *facts) positive(names ...string) bool {
	v, ok := f.marker(names...)
	return ok && isPositive(v)
}

// negative reports a marker explicitly reported as wildtype or absent.
func (f *facts) negative(names ...string) bool {
	v, ok := f.marker(names...)
	return ok && isNegative(v)
}

func (f *facts) mentions(phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(f.text, p) {
			return true
		}
	}
	return false
}

func (f *facts) locatedIn(phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(f.location, p) || strings.Contains(f.text, p) {
			return true
		}
	}
	return false
}

func (f *facts) adult() bool {
	return f.age >= 18
}

func (f *facts) pediatric() bool {
	return f.age >= 0 && f.age < 18
}

func isNegative(v string) bool {
	if strings.TrimSpace(v) == "-" {
		return true
	}
	return hasNegation(v)
}

// hasNegation reports whether s contains a negation word.
func hasNegation(s string) bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if negationWords[w] {
			return true
		}
	}
	return false
}

func isPositive(v string) bool {
	if v == "" || isNegative(v) {
		return false
	}
	for _, w := range positiveWords {
		if v == w || strings.Contains(v, w) {
			return true
		}
	}
	return false
}
