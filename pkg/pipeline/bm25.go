package pipeline

import (
	"math"
	"strings"
)

// BM25 parameters, conventional defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Scorer scores a query against a small document corpus. The corpus
// here is the applicable rule condition texts of one turn, so building the
// index per call is cheap.
type bm25Scorer struct {
	docs   [][]string
	df     map[string]int
	avgLen float64
}

func newBM25Scorer(texts []string) *bm25Scorer {
	s := &bm25Scorer{df: map[string]int{}}
	total := 0
	for _, text := range texts {
		terms := tokenize(text)
		s.docs = append(s.docs, terms)
		total += len(terms)
		seen := map[string]bool{}
		for _, t := range terms {
			if !seen[t] {
				seen[t] = true
				s.df[t]++
			}
		}
	}
	if len(texts) > 0 {
		s.avgLen = float64(total) / float64(len(texts))
	}
	return s
}

// score computes the BM25 score of the query against document i.
func (s *bm25Scorer) score(query string, i int) float64 {
	doc := s.docs[i]
	if len(doc) == 0 || s.avgLen == 0 {
		return 0
	}
	tf := map[string]int{}
	for _, t := range doc {
		tf[t]++
	}
	n := float64(len(s.docs))
	var total float64
	for _, term := range tokenize(query) {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(s.df[term])+0.5)/(float64(s.df[term])+0.5))
		norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(len(doc))/s.avgLen))
		total += idf * norm
	}
	return total
}

func tokenize(text string) []string {
	return strings.Fields(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, text))
}
