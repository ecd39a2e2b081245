package retrieval

import (
	"math"
	"strings"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type bm25 struct {
	docs          [][]string
	docFrequency  map[string]int
	averageLength float64
}

func newBM25(questions []string) *bm25 {
	index := &bm25{
		docs:         make([][]string, len(questions)),
		docFrequency: map[string]int{},
	}
	var totalLength int
	for i, question := range questions {
		tokens := tokenize(question)
		index.docs[i] = tokens
		totalLength += len(tokens)
		seen := map[string]struct{}{}
		for _, token := range tokens {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			index.docFrequency[token]++
		}
	}
	if len(questions) > 0 {
		index.averageLength = float64(totalLength) / float64(len(questions))
	}
	return index
}

// Scores returns one BM25 relevance score per corpus document.
func (idx *bm25) Scores(query string) []float64 {
	scores := make([]float64, len(idx.docs))
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || idx.averageLength == 0 {
		return scores
	}

	n := float64(len(idx.docs))
	for _, token := range queryTokens {
		df := idx.docFrequency[token]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for i, doc := range idx.docs {
			var tf float64
			for _, docToken := range doc {
				if docToken == token {
					tf++
				}
			}
			if tf == 0 {
				continue
			}
			lengthNorm := 1 - bm25B + bm25B*float64(len(doc))/idx.averageLength
			scores[i] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*lengthNorm)
		}
	}
	return scores
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, ".,;:?!\"'()")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}
