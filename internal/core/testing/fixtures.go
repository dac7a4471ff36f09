package testing

import (
	"context"
	"strings"
)

// KeywordEmbedder はキーワードごとに1次元を割り当てる決定的なEmbedder
// テキストに含まれるキーワードの出現回数をベクトルにする
type KeywordEmbedder struct {
	Keywords []string
}

// Embed はキーワード出現回数のベクトルを返す
func (e *KeywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.Keywords))
	for i, kw := range e.Keywords {
		vec[i] = float32(strings.Count(lower, strings.ToLower(kw)))
	}
	return vec, nil
}
