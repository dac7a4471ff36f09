package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/core/search"
)

const (
	// DefaultCompletionTimeout は補完サービス呼び出しの既定タイムアウト
	DefaultCompletionTimeout = 60 * time.Second
	// DefaultLockTimeout は会話ロック待機の既定タイムアウト
	DefaultLockTimeout = 30 * time.Second
)

// ErrNoPendingTurn は再試行対象のユーザーメッセージが末尾にない場合のエラー
var ErrNoPendingTurn = errors.New("no pending user message to answer")

// Service は会話ターンを進めるオーケストレータ
// 同じ会話のターンは Locker により直列化される
type Service struct {
	conversations     conversation.Repository
	documents         DocumentReader
	retriever         Retriever
	completer         Completer
	locker            conversation.Locker
	tokens            TokenCounter
	prompts           *PromptBuilder
	topK              int
	completionTimeout time.Duration
	logger            *slog.Logger
}

type serviceOptions struct {
	locker            conversation.Locker
	tokens            TokenCounter
	prompts           *PromptBuilder
	topK              int
	completionTimeout time.Duration
	logger            *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithChatLogger はロガーを設定する
func WithChatLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithLocker は会話ロックの実装を差し替える
func WithLocker(locker conversation.Locker) ServiceOption {
	return func(o *serviceOptions) {
		o.locker = locker
	}
}

// WithTokenCounter はトークン見積もりを差し替える
func WithTokenCounter(counter TokenCounter) ServiceOption {
	return func(o *serviceOptions) {
		o.tokens = counter
	}
}

// WithPromptBuilder はプロンプト組み立てを差し替える
func WithPromptBuilder(builder *PromptBuilder) ServiceOption {
	return func(o *serviceOptions) {
		o.prompts = builder
	}
}

// WithTopK はRAGターンで取得するチャンク数を設定する
func WithTopK(k int) ServiceOption {
	return func(o *serviceOptions) {
		o.topK = k
	}
}

// WithCompletionTimeout は補完サービス呼び出しのタイムアウトを設定する
func WithCompletionTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.completionTimeout = timeout
	}
}

// NewService は新しい Service を作成する
func NewService(
	conversations conversation.Repository,
	documents DocumentReader,
	retriever Retriever,
	completer Completer,
	opts ...ServiceOption,
) *Service {
	options := serviceOptions{
		topK:              search.DefaultTopK,
		completionTimeout: DefaultCompletionTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.locker == nil {
		options.locker = conversation.NewKeyedMutex(DefaultLockTimeout)
	}
	if options.tokens == nil {
		options.tokens = approxTokenCounter{}
	}
	if options.prompts == nil {
		options.prompts = NewPromptBuilder(DefaultPromptTemplates(), DefaultHistoryWindow, nil)
	}
	if options.completionTimeout <= 0 {
		options.completionTimeout = DefaultCompletionTimeout
	}

	return &Service{
		conversations:     conversations,
		documents:         documents,
		retriever:         retriever,
		completer:         completer,
		locker:            options.locker,
		tokens:            options.tokens,
		prompts:           options.prompts,
		topK:              options.topK,
		completionTimeout: options.completionTimeout,
		logger:            options.logger,
	}
}

// StartConversation は最初のメッセージで会話を作成し、最初のターンを実行する
// RAGモードの参照先ドキュメントが存在しない場合は何も作成せず domain.ErrNotFound を返す
func (s *Service) StartConversation(ctx context.Context, params StartParams) (*TurnResult, error) {
	if params.Mode == nil {
		return nil, fmt.Errorf("%w: mode is required", domain.ErrInvalidInput)
	}
	content := strings.TrimSpace(params.FirstMessage)
	if content == "" {
		return nil, fmt.Errorf("%w: first message is required", domain.ErrInvalidInput)
	}

	if rag, ok := params.Mode.(conversation.RAG); ok {
		exists, err := s.documents.Exists(ctx, rag.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to check document %s: %w", rag.DocumentID, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, rag.DocumentID)
		}
	}

	conv, err := s.conversations.Create(ctx, params.Mode, s.userMessage(content))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversationID", conv.ID, "mode", conv.Mode.Kind())

	t := s.newTurn(conv.ID)
	unlock, err := s.locker.Lock(ctx, conv.ID)
	if err != nil {
		return nil, t.fail(err)
	}
	defer unlock()

	return s.runTurn(ctx, t, conv.Mode, nil, content)
}

// SendMessage はユーザーメッセージを追記し、アシスタントの応答を生成して追記する
// 補完に失敗した場合もユーザーメッセージは履歴に残る
func (s *Service) SendMessage(ctx context.Context, params SendParams) (*TurnResult, error) {
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", domain.ErrInvalidInput)
	}

	t := s.newTurn(params.ConversationID)
	unlock, err := s.locker.Lock(ctx, params.ConversationID)
	if err != nil {
		return nil, t.fail(err)
	}
	defer unlock()

	conv, err := s.conversations.Get(ctx, params.ConversationID)
	if err != nil {
		return nil, t.fail(fmt.Errorf("failed to load conversation: %w", err))
	}

	if _, err := s.conversations.AppendMessage(ctx, conv.ID, s.userMessage(content)); err != nil {
		return nil, t.fail(fmt.Errorf("failed to append user message: %w", err))
	}

	return s.runTurn(ctx, t, conv.Mode, conv.Messages, content)
}

// RetryTurn は末尾のユーザーメッセージに対する応答を再生成する
// ユーザーメッセージは再追記しない
func (s *Service) RetryTurn(ctx context.Context, conversationID uuid.UUID) (*TurnResult, error) {
	t := s.newTurn(conversationID)
	unlock, err := s.locker.Lock(ctx, conversationID)
	if err != nil {
		return nil, t.fail(err)
	}
	defer unlock()

	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, t.fail(fmt.Errorf("failed to load conversation: %w", err))
	}

	last, ok := conv.LastMessage().Get()
	if !ok || last.Role != conversation.RoleUser {
		return nil, t.fail(ErrNoPendingTurn)
	}

	return s.runTurn(ctx, t, conv.Mode, conv.Messages[:len(conv.Messages)-1], last.Content)
}

func (s *Service) runTurn(ctx context.Context, t *turn, mode conversation.Mode, history []conversation.Message, content string) (*TurnResult, error) {
	var (
		retrieved []search.Result
		degraded  bool
	)

	if rag, ok := mode.(conversation.RAG); ok {
		t.enter(StateRetrieve)
		var err error
		retrieved, degraded, err = s.retrieve(ctx, rag.DocumentID, content)
		if err != nil {
			return nil, t.fail(err)
		}
		if degraded {
			t.logger.Warn("retrieval unavailable, answering without context", "documentID", rag.DocumentID)
		}
	}

	t.enter(StatePromptAssembled)
	messages := s.prompts.Build(PromptInput{
		Mode:              mode,
		History:           history,
		Retrieved:         retrieved,
		RetrievalDegraded: degraded,
		UserMessage:       content,
	})

	t.enter(StateCompletionPending)
	completion, err := s.complete(ctx, messages)
	if err != nil {
		return nil, t.fail(err)
	}

	tokens := completion.Tokens
	if tokens <= 0 {
		tokens = s.tokens.CountTokens(completion.Content)
	}
	reply := conversation.Message{
		Role:            conversation.RoleAssistant,
		Content:         completion.Content,
		Timestamp:       now(),
		Tokens:          tokens,
		Model:           completion.Model,
		RetrievedChunks: toChunkRefs(retrieved),
	}

	totals, err := s.conversations.AppendMessage(ctx, t.conversationID, reply)
	if err != nil {
		return nil, t.fail(fmt.Errorf("failed to append assistant message: %w", err))
	}
	t.enter(StateAppended)

	return &TurnResult{
		ConversationID:    t.conversationID,
		Reply:             reply,
		Retrieved:         retrieved,
		RetrievalDegraded: degraded,
		Totals:            *totals,
		States:            t.states,
	}, nil
}

// retrieve は参照先ドキュメントを確認してチャンクを検索する
// ドキュメントが削除済みならエラー、検索自体の失敗は degraded として扱う
func (s *Service) retrieve(ctx context.Context, documentID uuid.UUID, query string) ([]search.Result, bool, error) {
	exists, err := s.documents.Exists(ctx, documentID)
	if err != nil {
		s.logger.Warn("failed to check document", "documentID", documentID, "error", err)
		return nil, true, nil
	}
	if !exists {
		return nil, false, fmt.Errorf("%w: document %s: %w", domain.ErrDocumentUnavailable, documentID, domain.ErrNotFound)
	}

	results, err := s.retriever.Retrieve(ctx, documentID, query, s.topK)
	switch {
	case err == nil:
		return results, false, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, false, fmt.Errorf("%w: document %s: %w", domain.ErrDocumentUnavailable, documentID, err)
	default:
		s.logger.Warn("retrieval failed", "documentID", documentID, "error", err)
		return nil, true, nil
	}
}

// complete はタイムアウト付きで補完サービスを呼び出し、エラーを分類する
func (s *Service) complete(ctx context.Context, messages []PromptMessage) (*Completion, error) {
	cctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()

	completion, err := s.completer.Complete(cctx, messages)
	if err == nil {
		return completion, nil
	}

	switch {
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrUpstreamUnavailable):
		return nil, err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: completion exceeded %s: %w", domain.ErrTimeout, s.completionTimeout, err)
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
}

// GetConversation は会話を取得する
func (s *Service) GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListConversations は更新日時の降順で会話一覧を返す
// RAG会話には参照先ドキュメントのファイル名を付与する
func (s *Service) ListConversations(ctx context.Context, params ListParams) ([]*ConversationOverview, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = conversation.DefaultListLimit
	}

	summaries, err := s.conversations.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	names := s.documentNames(ctx, summaries)
	overviews := make([]*ConversationOverview, 0, len(summaries))
	for _, summary := range summaries {
		overview := &ConversationOverview{Summary: summary, DocumentName: mo.None[string]()}
		if docID, ok := conversation.DocumentIDOf(summary.Mode).Get(); ok {
			if name, found := names[docID]; found {
				overview.DocumentName = mo.Some(name)
			}
		}
		overviews = append(overviews, overview)
	}
	return overviews, nil
}

func (s *Service) documentNames(ctx context.Context, summaries []*conversation.Summary) map[uuid.UUID]string {
	names := make(map[uuid.UUID]string)

	needed := false
	for _, summary := range summaries {
		if conversation.DocumentIDOf(summary.Mode).IsPresent() {
			needed = true
			break
		}
	}
	if !needed {
		return names
	}

	docs, err := s.documents.List(ctx)
	if err != nil {
		s.logger.Warn("failed to resolve document names", "error", err)
		return names
	}
	for _, doc := range docs {
		names[doc.ID] = doc.Filename
	}
	return names
}

// DeleteConversation は会話を削除する。進行中のターンがあれば完了を待つ
func (s *Service) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.conversations.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	s.logger.Info("conversation deleted", "conversationID", id)
	return nil
}

func (s *Service) userMessage(content string) conversation.Message {
	return conversation.Message{
		Role:      conversation.RoleUser,
		Content:   content,
		Timestamp: now(),
		Tokens:    s.tokens.CountTokens(content),
	}
}

func toChunkRefs(results []search.Result) []conversation.ChunkRef {
	if len(results) == 0 {
		return nil
	}
	refs := make([]conversation.ChunkRef, len(results))
	for i, r := range results {
		refs[i] = conversation.ChunkRef{
			DocumentID: r.DocumentID,
			ChunkID:    r.ChunkID,
			Score:      r.Score,
		}
	}
	return refs
}

// turn は1ターンの状態遷移を記録する
type turn struct {
	conversationID uuid.UUID
	states         []TurnState
	logger         *slog.Logger
}

func (s *Service) newTurn(conversationID uuid.UUID) *turn {
	t := &turn{
		conversationID: conversationID,
		logger:         s.logger.With("conversationID", conversationID),
	}
	t.enter(StateReceived)
	return t
}

func (t *turn) enter(state TurnState) {
	t.states = append(t.states, state)
	t.logger.Debug("turn state changed", "state", state.String())
}

func (t *turn) fail(err error) error {
	failedAt := t.states[len(t.states)-1]
	t.enter(StateFailed)
	t.logger.Warn("turn failed", "state", failedAt.String(), "error", err)
	return &TurnError{ConversationID: t.conversationID, State: failedAt, Err: err}
}

// approxTokenCounter は4文字1トークンで見積もる
type approxTokenCounter struct{}

func (approxTokenCounter) CountTokens(text string) int {
	return len(text) / 4
}
