package ingestion

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultEmbeddingWorkerCount はデフォルトのEmbeddingワーカー数
	DefaultEmbeddingWorkerCount = 4
	// DefaultEmbeddingBatchSize はバッチEmbeddingの既定サイズ
	DefaultEmbeddingBatchSize = 100
)

// Embedder はテキストのEmbedding生成インターフェース
// チャンクとクエリで同じ実装・同じ次元を使う
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder は複数テキストを1回の呼び出しで処理できる Embedder
type BatchEmbedder interface {
	Embedder
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
}

// PipelineConfig はEmbeddingワーカープールの設定
type PipelineConfig struct {
	EmbeddingWorkerCount int
	EmbeddingBatchSize   int
}

// DefaultPipelineConfig はデフォルトのパイプライン設定を返す
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		EmbeddingWorkerCount: DefaultEmbeddingWorkerCount,
		EmbeddingBatchSize:   DefaultEmbeddingBatchSize,
	}
}

// embedAll は texts の各要素をワーカープールでベクトル化する
// 戻り値の順序は texts と一致し、1件でも失敗すれば全体がエラーになる
func embedAll(ctx context.Context, embedder Embedder, texts []string, cfg *PipelineConfig) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, nil
	}

	workers := cfg.EmbeddingWorkerCount
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	if batcher, ok := embedder.(BatchEmbedder); ok {
		batchSize := cfg.EmbeddingBatchSize
		if limit := batcher.MaxBatchSize(); limit > 0 && (batchSize <= 0 || batchSize > limit) {
			batchSize = limit
		}
		if batchSize <= 0 {
			batchSize = 1
		}

		for start := 0; start < len(texts); start += batchSize {
			end := min(start+batchSize, len(texts))
			g.Go(func() error {
				batch, err := batcher.BatchEmbed(gctx, texts[start:end])
				if err != nil {
					return fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
				}
				if len(batch) != end-start {
					return fmt.Errorf("embedding count mismatch: expected %d, got %d", end-start, len(batch))
				}
				copy(vectors[start:end], batch)
				return nil
			})
		}
	} else {
		for i, text := range texts {
			g.Go(func() error {
				vec, err := embedder.Embed(gctx, text)
				if err != nil {
					return fmt.Errorf("failed to embed chunk %d: %w", i, err)
				}
				vectors[i] = vec
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(vectors[0])
	for i, vec := range vectors {
		if len(vec) == 0 || len(vec) != dim {
			return nil, fmt.Errorf("chunk %d has invalid embedding dimension %d (expected %d)", i, len(vec), dim)
		}
	}

	return vectors, nil
}
