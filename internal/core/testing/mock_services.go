package testing

import (
	"context"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/ingestion"
	"github.com/jinford/rag-chat/internal/core/search"
)

// MockCompleter はテスト用のモックCompleterです
type MockCompleter struct {
	CompleteFunc func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error)
}

// Complete はCompleteのモック実装です
func (m *MockCompleter) Complete(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages)
	}
	return &chat.Completion{Content: "ok", Tokens: 1, Model: "mock"}, nil
}

// MockRetriever はテスト用のモックRetrieverです
type MockRetriever struct {
	RetrieveFunc func(ctx context.Context, documentID uuid.UUID, query string, k int) ([]search.Result, error)
}

// Retrieve はRetrieveのモック実装です
func (m *MockRetriever) Retrieve(ctx context.Context, documentID uuid.UUID, query string, k int) ([]search.Result, error) {
	if m.RetrieveFunc != nil {
		return m.RetrieveFunc(ctx, documentID, query, k)
	}
	return nil, nil
}

// MockEmbedder はテスト用のモックEmbedderです
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

// Embed はEmbedのモック実装です
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

// MockExtractor はテスト用のモックExtractorです
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, filename string, data []byte) (*ingestion.Extracted, error)
}

// Extract はExtractのモック実装です
func (m *MockExtractor) Extract(ctx context.Context, filename string, data []byte) (*ingestion.Extracted, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, filename, data)
	}
	return &ingestion.Extracted{Text: string(data), ContentType: "text/plain"}, nil
}

var (
	_ chat.Completer      = (*MockCompleter)(nil)
	_ chat.Retriever      = (*MockRetriever)(nil)
	_ ingestion.Embedder  = (*MockEmbedder)(nil)
	_ ingestion.Extractor = (*MockExtractor)(nil)
)
