package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/domain"
)

// Embedder はクエリのEmbedding生成インターフェース
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service はクエリをベクトル化してチャンクを検索する Retriever
type Service struct {
	index    Index
	embedder Embedder
	topK     int
	logger   *slog.Logger
}

type serviceOptions struct {
	topK   int
	logger *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithSearchLogger はロガーを設定する
func WithSearchLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithTopK は k 未指定時の既定件数を設定する
func WithTopK(k int) ServiceOption {
	return func(o *serviceOptions) {
		o.topK = k
	}
}

// NewService は新しい Service を作成する
func NewService(index Index, embedder Embedder, opts ...ServiceOption) *Service {
	options := serviceOptions{
		topK:   DefaultTopK,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.topK <= 0 {
		options.topK = DefaultTopK
	}

	return &Service{
		index:    index,
		embedder: embedder,
		topK:     options.topK,
		logger:   options.logger,
	}
}

// TopK は既定の取得件数を返す
func (s *Service) TopK() int {
	return s.topK
}

// Retrieve は documentID のチャンクから query に近い上位 k 件を返す
// k <= 0 の場合は既定値を使う
// ドキュメントが存在しない場合は domain.ErrNotFound、
// Embedding や検索の失敗は domain.ErrRetrievalUnavailable を返す
func (s *Service) Retrieve(ctx context.Context, documentID uuid.UUID, query string, k int) ([]Result, error) {
	if documentID == uuid.Nil {
		return nil, fmt.Errorf("%w: documentID is required", domain.ErrInvalidInput)
	}
	if k <= 0 {
		k = s.topK
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %w", domain.ErrRetrievalUnavailable, err)
	}

	results, err := s.index.Search(ctx, documentID, queryVector, k)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: search failed: %w", domain.ErrRetrievalUnavailable, err)
	}

	s.logger.Debug("retrieved chunks", "documentID", documentID, "k", k, "results", len(results))
	return results, nil
}
