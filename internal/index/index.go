package index

import (
	"strings"
	"sync/atomic"
	"unicode"
)

// Document is one indexable unit: a roadmap node, a source chunk, or any
// other evidence-bearing text owned by the document-ingestion collaborator.
type Document struct {
	ID         string
	SourceKind string
	Text       string
}

// Edge is a directed adjacency relation between two documents, e.g. a
// roadmap-node dependency.
type Edge struct {
	From string
	To   string
}

// Revision is an immutable snapshot of all indices built from one corpus
// state. In-flight queries keep referencing the revision they started
// with; rebuilds produce a new revision and swap it in atomically.
type Revision struct {
	Seq     uint64
	Lexical *LexicalIndex
	Vector  *VectorIndex
	Graph   *Graph
	docs    map[string]Document
}

// Doc returns the indexed document by id.
func (r *Revision) Doc(id string) (Document, bool) {
	d, ok := r.docs[id]
	return d, ok
}

// Len returns the number of indexed documents.
func (r *Revision) Len() int { return len(r.docs) }

// Build constructs a revision from documents, their embeddings (parallel
// to docs; nil vectors are skipped by the vector index), and graph edges.
func Build(seq uint64, docs []Document, embeddings [][]float32, edges []Edge) *Revision {
	byID := make(map[string]Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	return &Revision{
		Seq:     seq,
		Lexical: buildLexical(docs),
		Vector:  buildVector(docs, embeddings),
		Graph:   buildGraph(edges),
		docs:    byID,
	}
}

// Holder owns the current index revision. Readers Load a consistent
// revision; rebuilds Swap in a new one without touching the old.
type Holder struct {
	current atomic.Pointer[Revision]
}

// NewHolder creates a holder with no revision built yet.
func NewHolder() *Holder { return &Holder{} }

// Load returns the current revision, or nil if none was built.
func (h *Holder) Load() *Revision { return h.current.Load() }

// Swap atomically publishes a new revision.
func (h *Holder) Swap(r *Revision) { h.current.Store(r) }

// Tokenize lowercases and splits text on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Snippet returns a short extract of the text: the first sentence, capped
// at 160 runes.
func Snippet(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?"); i > 0 && i < len(text)-1 {
		text = text[:i+1]
	}
	runes := []rune(text)
	if len(runes) > 160 {
		return string(runes[:160])
	}
	return text
}
