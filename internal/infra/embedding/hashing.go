package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/jinford/rag-chat/internal/core/ingestion"
	"github.com/jinford/rag-chat/internal/core/search"
)

// DefaultDimension はハッシュEmbeddingの既定次元
const DefaultDimension = 384

// Weights はトークンごとの重み（IDF等）
// 未登録のトークンは DefaultWeight を使う
type Weights struct {
	DefaultWeight float64            `yaml:"default_weight"`
	Tokens        map[string]float64 `yaml:"tokens"`
}

// HashingEmbedder は特徴ハッシングによる決定的な Embedder
// 重みは生成時に一度だけ読み込まれ、以降は読み取り専用で共有される
type HashingEmbedder struct {
	dimension int
	weights   Weights
}

type hashingOptions struct {
	dimension int
	weights   *Weights
}

// HashingOption は HashingEmbedder のオプション設定
type HashingOption func(*hashingOptions)

// WithDimension はベクトル次元を設定する
func WithDimension(dimension int) HashingOption {
	return func(o *hashingOptions) {
		o.dimension = dimension
	}
}

// WithWeights はトークン重みを設定する
func WithWeights(weights Weights) HashingOption {
	return func(o *hashingOptions) {
		o.weights = &weights
	}
}

// NewHashingEmbedder は新しい HashingEmbedder を作成する
func NewHashingEmbedder(opts ...HashingOption) (*HashingEmbedder, error) {
	options := hashingOptions{dimension: DefaultDimension}
	for _, opt := range opts {
		opt(&options)
	}
	if options.dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension: %d", options.dimension)
	}

	weights := Weights{DefaultWeight: 1}
	if options.weights != nil {
		weights = *options.weights
		if weights.DefaultWeight <= 0 {
			weights.DefaultWeight = 1
		}
	}

	return &HashingEmbedder{dimension: options.dimension, weights: weights}, nil
}

// LoadWeights はYAMLファイルからトークン重みを読み込む
func LoadWeights(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, fmt.Errorf("failed to read weights file: %w", err)
	}

	var weights Weights
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return Weights{}, fmt.Errorf("failed to parse weights file: %w", err)
	}

	normalized := make(map[string]float64, len(weights.Tokens))
	for token, w := range weights.Tokens {
		normalized[strings.ToLower(token)] = w
	}
	weights.Tokens = normalized
	return weights, nil
}

// Embed はテキストをL2正規化したベクトルに変換する
// トークンを含まないテキストはゼロベクトルになる
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acc := make([]float64, e.dimension)
	for _, token := range Tokenize(text) {
		weight, ok := e.weights.Tokens[token]
		if !ok {
			weight = e.weights.DefaultWeight
		}

		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dimension))
		if sum>>63 == 1 {
			acc[bucket] -= weight
		} else {
			acc[bucket] += weight
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}

	vector := make([]float32, e.dimension)
	if norm == 0 {
		return vector, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		vector[i] = float32(v / norm)
	}
	return vector, nil
}

// Dimension はベクトル次元数を返す
func (e *HashingEmbedder) Dimension() int {
	return e.dimension
}

// Tokenize は文字・数字以外で区切り、小文字化したトークン列を返す
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var (
	_ ingestion.Embedder = (*HashingEmbedder)(nil)
	_ search.Embedder    = (*HashingEmbedder)(nil)
)
