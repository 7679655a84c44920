package vector

import (
	"context"
)

// Document is one retrievable unit stored in a knowledge collection.
type Document struct {
	Name       string            // logical document name, unique within a collection
	Content    string            // extracted text
	SourceFile string            // originating file, used by the entity exclusion filter
	Metadata   map[string]string // optional keys: table_images, edu_images, companion_doc
}

// ScoredDocument pairs a document with its similarity score (higher is better).
type ScoredDocument struct {
	Document   Document
	Similarity float64
}

// Searcher is the contract the engine needs from the vector database:
// top-k similarity search within one named collection.
type Searcher interface {
	Search(ctx context.Context, collection string, query string, k int) ([]ScoredDocument, error)
}
