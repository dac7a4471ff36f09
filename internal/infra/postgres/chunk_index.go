package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/core/search"
	"github.com/jinford/rag-chat/internal/platform/database"
)

// ChunkIndex は pgvector のコサイン距離演算子で search.Index を実装します
type ChunkIndex struct {
	documents *DocumentRepository
}

// NewChunkIndex は新しい ChunkIndex を返します
func NewChunkIndex(documents *DocumentRepository) *ChunkIndex {
	return &ChunkIndex{documents: documents}
}

var _ search.Index = (*ChunkIndex)(nil)

// ゼロベクトルは類似度 0 として扱い、同点はチャンク位置の昇順で並べる
const searchChunksSQL = `
SELECT id, chunk_index, text,
       CASE WHEN vector_norm(embedding) = 0 OR vector_norm($2::vector) = 0 THEN 0
            ELSE 1 - (embedding <=> $2::vector)
       END AS score
FROM document_chunks
WHERE document_id = $1
ORDER BY score DESC, chunk_index ASC
LIMIT $3`

// Search はドキュメント内のチャンクを類似度順に最大 k 件返します
// 存在確認と検索は同じスナップショットで行う
func (idx *ChunkIndex) Search(ctx context.Context, documentID uuid.UUID, query []float32, k int) ([]search.Result, error) {
	return database.TransactWithOptions(ctx, idx.documents.db, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) ([]search.Result, error) {
		exists, err := documentExists(ctx, tx, documentID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
		}
		if k <= 0 {
			return []search.Result{}, nil
		}

		rows, err := tx.Query(ctx, searchChunksSQL,
			UUIDToPgtype(documentID), pgvector.NewVector(query), k,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to search chunks: %w", err)
		}
		defer rows.Close()

		results := make([]search.Result, 0, k)
		for rows.Next() {
			var (
				chunkID pgtype.UUID
				index   int32
				text    string
				score   float64
			)
			if err := rows.Scan(&chunkID, &index, &text, &score); err != nil {
				return nil, fmt.Errorf("failed to scan search result: %w", err)
			}
			results = append(results, search.Result{
				DocumentID: documentID,
				ChunkID:    PgtypeToUUID(chunkID),
				ChunkIndex: int(index),
				Text:       text,
				Score:      score,
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate search results: %w", err)
		}

		return results, nil
	})
}
