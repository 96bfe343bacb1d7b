package index

import "math"

type vectorDoc struct {
	id   string
	vec  []float32
	norm float64
}

// VectorIndex is an immutable brute-force cosine-similarity index.
// Vector norms are precomputed at build time.
type VectorIndex struct {
	docs []vectorDoc
}

func buildVector(docs []Document, embeddings [][]float32) *VectorIndex {
	idx := &VectorIndex{}
	for i, d := range docs {
		if i >= len(embeddings) || len(embeddings[i]) == 0 {
			continue
		}
		idx.docs = append(idx.docs, vectorDoc{
			id:   d.ID,
			vec:  embeddings[i],
			norm: vectorNorm(embeddings[i]),
		})
	}
	return idx
}

// Search returns cosine similarities of the query vector against every
// indexed document, keyed by document id. Only positive similarities are
// reported.
func (v *VectorIndex) Search(query []float32) map[string]float64 {
	scores := make(map[string]float64)
	qNorm := vectorNorm(query)
	if qNorm == 0 {
		return scores
	}

	for _, doc := range v.docs {
		if len(doc.vec) != len(query) || doc.norm == 0 {
			continue
		}
		sim := dotProduct(query, doc.vec) / (qNorm * doc.norm)
		if sim > 0 {
			scores[doc.id] = sim
		}
	}
	return scores
}

// Cosine returns the cosine similarity of two vectors, 0 when either has
// zero norm or dimensions mismatch.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	na, nb := vectorNorm(a), vectorNorm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dotProduct(a, b) / (na * nb)
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
