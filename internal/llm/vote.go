package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Ballot is the outcome of repeated extraction of one field.
type Ballot struct {
	Field string
	// Value is the winning value as first written by the model; empty when
	// the winning outcome was "no evidence".
	Value      string
	Votes      int
	Cast       int
	Calls      int
	Spoiled    int
	Confidence float64
	// Source is the first answer that voted for the winner.
	Source *Answer
	Tally  map[string]int
}

// Agreement is the winner's share of counted votes.
func (b *Ballot) Agreement() float64 {
	if b == nil || b.Cast == 0 {
		return 0
	}
	return float64(b.Votes) / float64(b.Cast)
}

type candidate struct {
	key     string
	display string
	count   int
	first   int
	answers []*Answer
}

// Vote asks the model up to n times for field and returns the value at
// least minAgree replies agree on. Calls stop early once a value reaches
// minAgree or once no value can. Malformed replies are spoiled ballots;
// an unavailable model aborts the vote.
func (e *Extractor) Vote(ctx context.Context, p Prompt, field string, n, minAgree int) (*Ballot, error) {
	if n <= 0 {
		n = 1
	}
	if minAgree <= 0 {
		minAgree = n/2 + 1
	}
	if minAgree > n {
		minAgree = n
	}
	if !lo.Contains(p.Schema, field) {
		p.Schema = append(append([]string(nil), p.Schema...), field)
	}

	ballot := &Ballot{Field: field, Confidence: -1, Tally: map[string]int{}}
	candidates := map[string]*candidate{}

	for ballot.Calls < n {
		ballot.Calls++
		ans, err := e.Extract(ctx, p)
		switch {
		case err == nil, errors.Is(err, ErrNoEvidence):
		case errors.Is(err, ErrMalformedResponse):
			ballot.Spoiled++
			continue
		default:
			return ballot, err
		}

		raw := ans.String(field)
		key := NormalizeValue(raw)
		c, ok := candidates[key]
		if !ok {
			c = &candidate{key: key, display: lo.Ternary(key == "", "", raw), first: ballot.Cast}
			candidates[key] = c
		}
		c.count++
		c.answers = append(c.answers, ans)
		ballot.Cast++
		ballot.Tally[key] = c.count

		leader, second := rank(candidates)
		remaining := n - ballot.Calls
		if leader.count >= minAgree && leader.count > second {
			break
		}
		if leader.count+remaining < minAgree {
			break
		}
	}

	if ballot.Cast == 0 {
		return ballot, fmt.Errorf("%w: all %d replies unusable", ErrMalformedResponse, ballot.Spoiled)
	}

	leader, second := rank(candidates)
	if leader.count < minAgree || leader.count == second {
		e.logger.Debug().Str("field", field).Interface("tally", ballot.Tally).Msg("no consensus")
		return ballot, fmt.Errorf("%w: %s best %d/%d, need %d", ErrNoConsensus, field, leader.count, ballot.Cast, minAgree)
	}

	ballot.Value = leader.display
	ballot.Votes = leader.count
	ballot.Source = leader.answers[0]
	ballot.Confidence = meanConfidence(leader.answers)

	if leader.key == "" {
		return ballot, ErrNoEvidence
	}
	return ballot, nil
}

// rank returns the leading candidate and the runner-up's count. Equal
// counts go to the value seen first.
func rank(candidates map[string]*candidate) (*candidate, int) {
	all := lo.Values(candidates)
	leader := lo.MaxBy(all, func(a, b *candidate) bool {
		return a.count > b.count || (a.count == b.count && a.first < b.first)
	})
	second := 0
	for _, c := range all {
		if c != leader && c.count > second {
			second = c.count
		}
	}
	return leader, second
}

func meanConfidence(answers []*Answer) float64 {
	confs := lo.Filter(lo.Map(answers, func(a *Answer, _ int) float64 { return a.Confidence() }),
		func(c float64, _ int) bool { return c >= 0 })
	if len(confs) == 0 {
		return -1
	}
	return lo.Sum(confs) / float64(len(confs))
}

// NormalizeValue folds case, whitespace and trailing punctuation so that
// equivalent replies count as the same vote. Empty-meaning values fold to "".
func NormalizeValue(v string) string {
	if IsEmptyValue(v) {
		return ""
	}
	s := strings.Join(strings.Fields(strings.ToLower(v)), " ")
	return strings.TrimRight(s, ".,;:")
}
