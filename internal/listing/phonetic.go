package listing

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// CityMatcher resolves a spoken or misspelled place name to a known city.
//
// A candidate whose Double Metaphone codes overlap the query is accepted at
// the phonetic threshold. Otherwise pure Jaro-Winkler similarity must reach
// the stricter fuzzy threshold. Phonetic hits always beat fuzzy ones.
//
// CityMatcher is read-only after construction and safe for concurrent use.
type CityMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCityMatcher returns a matcher. Non-positive thresholds select the
// defaults (0.70 phonetic, 0.85 fuzzy).
func NewCityMatcher(phoneticThreshold, fuzzyThreshold float64) *CityMatcher {
	m := &CityMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	if phoneticThreshold > 0 {
		m.phoneticThreshold = phoneticThreshold
	}
	if fuzzyThreshold > 0 {
		m.fuzzyThreshold = fuzzyThreshold
	}
	return m
}

// Match returns the city from cities closest to query. When nothing clears
// the thresholds, matched is false and city is empty.
func (m *CityMatcher) Match(query string, cities []string) (city string, score float64, matched bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || len(cities) == 0 {
		return "", 0, false
	}
	qTokens := strings.Fields(q)
	qCodes := metaphoneCodes(qTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, c := range cities {
		cl := strings.ToLower(strings.TrimSpace(c))
		if cl == "" {
			continue
		}
		cTokens := strings.Fields(cl)
		s := similarity(qTokens, cTokens, q, cl)

		if sharesCode(qCodes, metaphoneCodes(cTokens)) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = c, s, true
			}
			continue
		}
		if !bestPhonetic && s >= m.fuzzyThreshold && s > bestScore {
			best, bestScore = c, s
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// space-stripped strings and every token pair.
func similarity(qTokens, cTokens []string, q, c string) float64 {
	score := matchr.JaroWinkler(q, c, false)
	if len(qTokens) > 1 || len(cTokens) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(cTokens, ""), false))
	}
	for _, a := range qTokens {
		for _, b := range cTokens {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}
