package document

import (
	"time"

	"github.com/google/uuid"
)

// Document はアップロードされたドキュメントの集約
// Chunks は文書内の位置順に並び、ChunkIndex は 0 から連続する
type Document struct {
	ID          uuid.UUID
	Filename    string
	ContentType string
	Chunks      []Chunk
	UploadedAt  time.Time
}

// TotalChunks はチャンク数を返す
func (d *Document) TotalChunks() int {
	return len(d.Chunks)
}

// Summary はチャンク本文を含まない一覧表示用の要約
func (d *Document) Summary() *Summary {
	return &Summary{
		ID:          d.ID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		TotalChunks: len(d.Chunks),
		UploadedAt:  d.UploadedAt,
	}
}

// Chunk はドキュメントに排他的に所有されるテキスト断片
type Chunk struct {
	ID        uuid.UUID
	Index     int
	Text      string
	Embedding []float32
}

// Summary はドキュメント一覧の1行
type Summary struct {
	ID          uuid.UUID
	Filename    string
	ContentType string
	TotalChunks int
	UploadedAt  time.Time
}

// NewChunk は保存前のチャンク（テキストとベクトルの組）
type NewChunk struct {
	Text      string
	Embedding []float32
}

// CreateParams はドキュメント作成パラメータ
type CreateParams struct {
	Filename    string
	ContentType string
	Chunks      []NewChunk
}
