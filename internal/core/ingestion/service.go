package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/domain"
)

// Extracted は抽出結果
type Extracted struct {
	Text        string
	ContentType string
}

// Extractor はアップロードされたファイルからテキストを取り出す
// PDF・テキスト以外は domain.ErrUnsupportedFormat を返す
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (*Extracted, error)
}

// IngestParams は取り込みパラメータ
type IngestParams struct {
	Filename string
	Data     []byte
}

// IngestResult は取り込み処理の結果
type IngestResult struct {
	Document *document.Document
	Duration time.Duration
}

// Service はドキュメント取り込みとライフサイクル管理のユースケースを提供する
type Service struct {
	repo           document.Repository
	extractor      Extractor
	embedder       Embedder
	chunker        Chunker
	chunkSize      int
	pipelineConfig *PipelineConfig
	logger         *slog.Logger
}

type serviceOptions struct {
	chunker        Chunker
	chunkSize      int
	pipelineConfig *PipelineConfig
	logger         *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithIngestLogger はロガーを設定する
func WithIngestLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithChunker はチャンク分割方式を上書きする
func WithChunker(chunker Chunker) ServiceOption {
	return func(o *serviceOptions) {
		o.chunker = chunker
	}
}

// WithChunkSize はチャンクの最大文字数を上書きする
func WithChunkSize(size int) ServiceOption {
	return func(o *serviceOptions) {
		o.chunkSize = size
	}
}

// WithPipelineConfig はEmbeddingワーカープールの設定を上書きする
func WithPipelineConfig(cfg *PipelineConfig) ServiceOption {
	return func(o *serviceOptions) {
		o.pipelineConfig = cfg
	}
}

// NewService は新しい Service を作成する
func NewService(repo document.Repository, extractor Extractor, embedder Embedder, opts ...ServiceOption) *Service {
	options := serviceOptions{
		chunker:        CharChunker{},
		chunkSize:      DefaultChunkSize,
		pipelineConfig: DefaultPipelineConfig(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.chunker == nil {
		options.chunker = CharChunker{}
	}
	if options.chunkSize <= 0 {
		options.chunkSize = DefaultChunkSize
	}
	if options.pipelineConfig == nil {
		options.pipelineConfig = DefaultPipelineConfig()
	}

	return &Service{
		repo:           repo,
		extractor:      extractor,
		embedder:       embedder,
		chunker:        options.chunker,
		chunkSize:      options.chunkSize,
		pipelineConfig: options.pipelineConfig,
		logger:         options.logger,
	}
}

// Ingest はファイルを抽出・チャンク化・ベクトル化し、ドキュメントとして保存する
// 途中で失敗した場合は何も永続化しない
func (s *Service) Ingest(ctx context.Context, params IngestParams) (*IngestResult, error) {
	startTime := time.Now()

	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrInvalidInput)
	}

	s.logger.Info("starting ingestion", "filename", filename, "bytes", len(params.Data))

	extracted, err := s.extractor.Extract(ctx, filename, params.Data)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to extract text: %w", domain.ErrIngestionFailure, err)
	}
	if strings.TrimSpace(extracted.Text) == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, filename)
	}

	texts := s.chunker.Split(extracted.Text, s.chunkSize)
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, filename)
	}
	s.logger.Debug("document chunked", "filename", filename, "chunks", len(texts), "chunkSize", s.chunkSize)

	vectors, err := embedAll(ctx, s.embedder, texts, s.pipelineConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIngestionFailure, err)
	}

	chunks := make([]document.NewChunk, len(texts))
	for i, text := range texts {
		chunks[i] = document.NewChunk{Text: text, Embedding: vectors[i]}
	}

	doc, err := s.repo.Create(ctx, document.CreateParams{
		Filename:    filename,
		ContentType: extracted.ContentType,
		Chunks:      chunks,
	})
	if err != nil {
		// 入力不正は再試行しても成功しないのでそのまま返す
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, fmt.Errorf("failed to store document: %w", err)
		}
		return nil, fmt.Errorf("%w: failed to store document: %w", domain.ErrIngestionFailure, err)
	}

	duration := time.Since(startTime)
	s.logger.Info("ingestion completed",
		"documentID", doc.ID,
		"filename", doc.Filename,
		"chunks", doc.TotalChunks(),
		"duration", duration,
	)

	return &IngestResult{Document: doc, Duration: duration}, nil
}

// GetDocument はドキュメントを取得する
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

// ListDocuments はアップロード日時の降順でドキュメント一覧を返す
func (s *Service) ListDocuments(ctx context.Context) ([]*document.Summary, error) {
	docs, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument はドキュメントを削除する
// このドキュメントを参照するRAG会話は削除しない
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	s.logger.Info("document deleted", "documentID", id)
	return nil
}
