package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/domain"
)

// DocumentStore はメモリ上にドキュメント集約を保持する document.Repository 実装
// 読み書きはコピーで行い、呼び出し側との共有を避ける
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*document.Document
	now  func() time.Time
}

// NewDocumentStore は空の DocumentStore を作成する
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs: make(map[uuid.UUID]*document.Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create はドキュメント全体を1回のロックで登録する
func (s *DocumentStore) Create(ctx context.Context, params document.CreateParams) (*document.Document, error) {
	if len(params.Chunks) == 0 {
		return nil, fmt.Errorf("%w: document must have at least one chunk", domain.ErrInvalidInput)
	}

	doc := &document.Document{
		ID:          uuid.New(),
		Filename:    params.Filename,
		ContentType: params.ContentType,
		Chunks:      make([]document.Chunk, len(params.Chunks)),
		UploadedAt:  s.now(),
	}
	for i, c := range params.Chunks {
		if c.Text == "" || len(c.Embedding) == 0 {
			return nil, fmt.Errorf("%w: chunk %d is incomplete", domain.ErrInvalidInput, i)
		}
		doc.Chunks[i] = document.Chunk{
			ID:        uuid.New(),
			Index:     i,
			Text:      c.Text,
			Embedding: slices.Clone(c.Embedding),
		}
	}

	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()

	return cloneDocument(doc), nil
}

// Get はドキュメントのコピーを返す
func (s *DocumentStore) Get(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return cloneDocument(doc), nil
}

// Exists はドキュメントの存在を返す
func (s *DocumentStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.docs[id]
	return ok, nil
}

// List はアップロード日時の降順で要約を返す
func (s *DocumentStore) List(ctx context.Context) ([]*document.Summary, error) {
	s.mu.RLock()
	summaries := make([]*document.Summary, 0, len(s.docs))
	for _, doc := range s.docs {
		summaries = append(summaries, doc.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].UploadedAt.Equal(summaries[j].UploadedAt) {
			return summaries[i].UploadedAt.After(summaries[j].UploadedAt)
		}
		return summaries[i].ID.String() < summaries[j].ID.String()
	})
	return summaries, nil
}

// Delete はドキュメントを削除する
func (s *DocumentStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	delete(s.docs, id)
	return nil
}

func cloneDocument(doc *document.Document) *document.Document {
	clone := *doc
	clone.Chunks = make([]document.Chunk, len(doc.Chunks))
	for i, c := range doc.Chunks {
		c.Embedding = slices.Clone(c.Embedding)
		clone.Chunks[i] = c
	}
	return &clone
}

var _ document.Repository = (*DocumentStore)(nil)
