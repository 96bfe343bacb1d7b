package index

import "math"

// BM25 parameters (standard Robertson values).
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type lexicalDoc struct {
	id     string
	tf     map[string]int
	length int
}

// LexicalIndex is an immutable BM25 term-frequency index. Token statistics
// are computed once at build time.
type LexicalIndex struct {
	docs    []lexicalDoc
	docFreq map[string]int
	avgLen  float64
}

func buildLexical(docs []Document) *LexicalIndex {
	idx := &LexicalIndex{docFreq: make(map[string]int)}

	var totalLen int
	for _, d := range docs {
		tokens := Tokenize(d.Text)
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			idx.docFreq[t]++
		}
		idx.docs = append(idx.docs, lexicalDoc{id: d.ID, tf: tf, length: len(tokens)})
		totalLen += len(tokens)
	}
	if len(idx.docs) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(idx.docs))
	}
	return idx
}

// Search scores every document against the query: rare query-relevant
// terms score high, long documents are penalized. Returns raw positive
// BM25 scores keyed by document id.
func (l *LexicalIndex) Search(query string) map[string]float64 {
	queryTokens := Tokenize(query)
	scores := make(map[string]float64)
	if len(queryTokens) == 0 || len(l.docs) == 0 {
		return scores
	}

	n := float64(len(l.docs))
	for _, doc := range l.docs {
		var score float64
		for _, term := range queryTokens {
			tf, ok := doc.tf[term]
			if !ok {
				continue
			}
			df := float64(l.docFreq[term])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			numerator := float64(tf) * (bm25K1 + 1)
			denominator := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.length)/l.avgLen)
			score += idf * numerator / denominator
		}
		if score > 0 {
			scores[doc.id] = score
		}
	}
	return scores
}
