package search

import "github.com/google/uuid"

// DefaultTopK は1クエリで返すチャンク数の既定値
const DefaultTopK = 3

// Result は類似度検索の1件
type Result struct {
	DocumentID uuid.UUID
	ChunkID    uuid.UUID
	ChunkIndex int
	Text       string
	Score      float64
}
