package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/domain"
)

// ConversationStore はメモリ上に会話集約を保持する conversation.Repository 実装
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[uuid.UUID]*conversation.Conversation
	now   func() time.Time
}

// NewConversationStore は空の ConversationStore を作成する
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		convs: make(map[uuid.UUID]*conversation.Conversation),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create は最初のメッセージを含む会話を作成する
func (s *ConversationStore) Create(ctx context.Context, mode conversation.Mode, first conversation.Message) (*conversation.Conversation, error) {
	if mode == nil {
		return nil, fmt.Errorf("%w: mode is required", domain.ErrInvalidInput)
	}
	if first.Tokens < 0 {
		return nil, fmt.Errorf("%w: negative token count", domain.ErrInvalidInput)
	}

	ts := s.now()
	if first.Timestamp.IsZero() {
		first.Timestamp = ts
	}
	conv := &conversation.Conversation{
		ID:          uuid.New(),
		Mode:        mode,
		Messages:    []conversation.Message{cloneMessage(first)},
		TotalTokens: first.Tokens,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.mu.Unlock()

	return cloneConversation(conv), nil
}

// AppendMessage はメッセージを末尾に追記する
func (s *ConversationStore) AppendMessage(ctx context.Context, id uuid.UUID, msg conversation.Message) (*conversation.Totals, error) {
	if msg.Tokens < 0 {
		return nil, fmt.Errorf("%w: negative token count", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}

	ts := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = ts
	}
	conv.Messages = append(conv.Messages, cloneMessage(msg))
	conv.TotalTokens += msg.Tokens
	if ts.After(conv.UpdatedAt) {
		conv.UpdatedAt = ts
	}

	return &conversation.Totals{
		MessageCount: len(conv.Messages),
		TotalTokens:  conv.TotalTokens,
		UpdatedAt:    conv.UpdatedAt,
	}, nil
}

// Get は会話のコピーを返す
func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return cloneConversation(conv), nil
}

// List は更新日時の降順で要約を返す
func (s *ConversationStore) List(ctx context.Context, limit int) ([]*conversation.Summary, error) {
	s.mu.RLock()
	summaries := make([]*conversation.Summary, 0, len(s.convs))
	for _, conv := range s.convs {
		summary := &conversation.Summary{
			ID:           conv.ID,
			Mode:         conv.Mode,
			MessageCount: len(conv.Messages),
			TotalTokens:  conv.TotalTokens,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		}
		if len(conv.Messages) > 0 {
			summary.Preview = conversation.MakePreview(conv.Messages[0].Content)
		}
		summaries = append(summaries, summary)
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ID.String() < summaries[j].ID.String()
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Delete は会話を削除する
func (s *ConversationStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	delete(s.convs, id)
	return nil
}

func cloneMessage(m conversation.Message) conversation.Message {
	m.RetrievedChunks = slices.Clone(m.RetrievedChunks)
	return m
}

func cloneConversation(conv *conversation.Conversation) *conversation.Conversation {
	clone := *conv
	clone.Messages = make([]conversation.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		clone.Messages[i] = cloneMessage(m)
	}
	return &clone
}

var _ conversation.Repository = (*ConversationStore)(nil)
