package resolver

import (
	"math"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/leeineian/cadenza/internal/textnorm"
)

// DefaultMinAcceptScore is the floor below which a best candidate is still
// rejected.
const DefaultMinAcceptScore = 0.34

// Scorer rates how well a candidate answers a query, from 0 to 1. corpus
// holds the query and every candidate title of the same batch.
type Scorer interface {
	Name() string
	Score(query string, c Candidate, corpus []string) float64
}

// TokenScorer is an IDF-weighted Jaccard over word sets. Uploader words
// only count when the query names them.
type TokenScorer struct{}

func (TokenScorer) Name() string { return "token" }

func (TokenScorer) Score(query string, c Candidate, corpus []string) float64 {
	weights := idf(corpus)
	q := set(textnorm.Tokens(query))
	cand := set(textnorm.Tokens(textnorm.CleanTitle(c.Title)))
	for _, w := range textnorm.Tokens(c.Uploader) {
		if q[w] {
			cand[w] = true
		}
	}
	return weightedJaccard(q, cand, weights)
}

// FuzzyScorer compares folded strings by Levenshtein distance.
type FuzzyScorer struct{}

func (FuzzyScorer) Name() string { return "fuzzy" }

func (FuzzyScorer) Score(query string, c Candidate, _ []string) float64 {
	q := textnorm.Key(query)
	title := textnorm.Key(textnorm.CleanTitle(c.Title))
	best := similarity(q, title)
	if c.Uploader != "" {
		best = max(best,
			similarity(q, textnorm.Key(c.Uploader)+" "+title),
			similarity(q, title+" "+textnorm.Key(c.Uploader)))
	}
	return best
}

func similarity(a, b string) float64 {
	n := max(len(a), len(b))
	if n == 0 {
		return 0
	}
	return 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(n)
}

// idf weighs each word by log(1 + N/df) across corpus.
func idf(corpus []string) map[string]float64 {
	df := make(map[string]int)
	for _, doc := range corpus {
		for w := range set(textnorm.Tokens(doc)) {
			df[w]++
		}
	}
	weights := make(map[string]float64, len(df))
	for w, count := range df {
		weights[w] = math.Log(1.0 + float64(len(corpus))/float64(count))
	}
	return weights
}

func weightedJaccard(a, b map[string]bool, weights map[string]float64) float64 {
	var inter, union float64
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range []map[string]bool{a, b} {
		for w := range s {
			if seen[w] {
				continue
			}
			seen[w] = true
			wt, ok := weights[w]
			if !ok {
				wt = math.Log(1.0 + float64(len(weights)))
			}
			if a[w] && b[w] {
				inter += wt
			}
			union += wt
		}
	}
	if union == 0 {
		return 0
	}
	return inter / union
}

func set(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Ranked is a candidate with its score.
type Ranked struct {
	Candidate
	Score float64
}

// Best drops filtered candidates, scores the rest and returns the top one
// when it reaches minScore. rejected lists the titles the filter dropped.
func Best(query string, cands []Candidate, s Scorer, minScore float64) (best Ranked, ok bool, rejected []string) {
	kept := cands[:0:0]
	for _, c := range cands {
		if c.ID == "" {
			continue
		}
		if !Keep(query, c.Title) {
			rejected = append(rejected, c.Title)
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return Ranked{}, false, rejected
	}

	corpus := make([]string, 0, len(kept)+1)
	corpus = append(corpus, query)
	for _, c := range kept {
		corpus = append(corpus, textnorm.CleanTitle(c.Title))
	}

	best = Ranked{Score: -1}
	for _, c := range kept {
		if sc := s.Score(query, c, corpus); sc > best.Score {
			best = Ranked{Candidate: c, Score: sc}
		}
	}
	return best, best.Score >= minScore, rejected
}

// tokensCovered reports whether every query word of three or more letters
// occurs in text.
func tokensCovered(query, text string) bool {
	have := set(textnorm.Tokens(text))
	for _, w := range textnorm.Tokens(query) {
		if len([]rune(w)) >= 3 && !have[w] {
			return false
		}
	}
	return true
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
