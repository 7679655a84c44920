package vector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"health-assistant-be/pkg/embedding"
)

// PgStore implements Searcher on a Postgres table with a pgvector column.
// Every knowledge collection lives in the same table, discriminated by the
// collection column; ingestion (external to this engine) fills it.
type PgStore struct {
	db                *gorm.DB
	embeddingProvider embedding.Provider
	table             string
}

func NewPgStore(db *gorm.DB, embeddingProvider embedding.Provider, table string) *PgStore {
	if table == "" {
		table = "knowledge_chunks"
	}
	return &PgStore{
		db:                db,
		embeddingProvider: embeddingProvider,
		table:             table,
	}
}

var _ Searcher = (*PgStore)(nil)

type chunkRow struct {
	DocName    string
	Content    string
	SourceFile string
	Metadata   string
	Similarity float64
}

// Search embeds the query and runs a cosine-distance top-k scan inside one
// collection. Cosine distance in pgvector is 1 - cosine_similarity, so we
// select 1 - (embedding <=> query) as the similarity score.
func (s *PgStore) Search(ctx context.Context, collection string, query string, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		k = 5
	}

	queryEmbedding, err := s.embeddingProvider.Embed(ctx, query, embedding.TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	queryVector := pgvector.NewVector(queryEmbedding)

	var rows []chunkRow
	err = s.db.WithContext(ctx).
		Table(s.table).
		Select("doc_name, content, source_file, metadata, 1 - (embedding <=> ?) as similarity", queryVector).
		Where("collection = ?", collection).
		Where("deleted_at IS NULL").
		Order("similarity DESC").
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]ScoredDocument, 0, len(rows))
	for _, row := range rows {
		meta := map[string]string{}
		if row.Metadata != "" {
			// Metadata is a JSONB column; a broken value is not fatal
			_ = json.Unmarshal([]byte(row.Metadata), &meta)
		}
		results = append(results, ScoredDocument{
			Document: Document{
				Name:       row.DocName,
				Content:    row.Content,
				SourceFile: row.SourceFile,
				Metadata:   meta,
			},
			Similarity: row.Similarity,
		})
	}
	return results, nil
}
