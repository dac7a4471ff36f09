package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/document"
)

// Index は単一ドキュメント内のチャンクをクエリベクトルで順位付けする
// 結果は最大 k 件、スコア降順（同点は ChunkIndex 昇順）
// 近似最近傍インデックスへの差し替えを想定した境界
type Index interface {
	Search(ctx context.Context, documentID uuid.UUID, query []float32, k int) ([]Result, error)
}

// CosineSimilarity は2ベクトルのコサイン類似度を返す
// どちらかのノルムが0の場合は0を返す
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Rank はドキュメントのチャンクをクエリとの類似度で並べ、上位 k 件を返す
func Rank(doc *document.Document, query []float32, k int) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	results := make([]Result, 0, len(doc.Chunks))
	for _, chunk := range doc.Chunks {
		score, err := CosineSimilarity(query, chunk.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to score chunk %d: %w", chunk.Index, err)
		}
		results = append(results, Result{
			DocumentID: doc.ID,
			ChunkID:    chunk.ID,
			ChunkIndex: chunk.Index,
			Text:       chunk.Text,
			Score:      score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// LinearIndex はドキュメントの全チャンクを毎回線形走査する Index 実装
// 保存済みベクトルを変更しないためロックは不要
type LinearIndex struct {
	documents document.Repository
}

// NewLinearIndex は新しい LinearIndex を作成する
func NewLinearIndex(documents document.Repository) *LinearIndex {
	return &LinearIndex{documents: documents}
}

// Search はドキュメントを読み込み、コサイン類似度で順位付けする
func (idx *LinearIndex) Search(ctx context.Context, documentID uuid.UUID, query []float32, k int) ([]Result, error) {
	doc, err := idx.documents.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	return Rank(doc, query, k)
}

var _ Index = (*LinearIndex)(nil)
