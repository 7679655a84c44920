package embedding

import "context"

// Task selects the task-specific prefix the embedding model was trained
// with. Nomic-style models embed retrieval queries and stored documents
// differently, so the caller states which side it is on.
type Task string

const (
	TaskQuery    Task = "search_query"
	TaskDocument Task = "search_document"
)

// Provider turns text into a unit-length vector ready for cosine search.
type Provider interface {
	Embed(ctx context.Context, text string, task Task) ([]float32, error)
}
