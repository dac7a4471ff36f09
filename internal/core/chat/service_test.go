package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/core/ingestion"
	"github.com/jinford/rag-chat/internal/core/search"
	coretesting "github.com/jinford/rag-chat/internal/core/testing"
	"github.com/jinford/rag-chat/internal/infra/memory"
)

type fixture struct {
	docs      *memory.DocumentStore
	convs     *memory.ConversationStore
	ingest    *ingestion.Service
	retriever *search.Service
	completer *coretesting.MockCompleter
	svc       *chat.Service
	prompts   [][]chat.PromptMessage
	mu        sync.Mutex
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoCompletion は最後のユーザーメッセージを返す
func echoCompletion(messages []chat.PromptMessage) *chat.Completion {
	last := messages[len(messages)-1]
	return &chat.Completion{Content: "reply to " + last.Content, Tokens: 5, Model: "test-model"}
}

func newFixture(t *testing.T, opts ...chat.ServiceOption) *fixture {
	t.Helper()

	f := &fixture{
		docs:  memory.NewDocumentStore(),
		convs: memory.NewConversationStore(),
	}
	embedder := &coretesting.KeywordEmbedder{Keywords: []string{"alpha", "omega"}}
	f.ingest = ingestion.NewService(f.docs, &coretesting.MockExtractor{}, embedder,
		ingestion.WithChunkSize(500),
		ingestion.WithIngestLogger(discardLogger()),
	)
	f.retriever = search.NewService(search.NewLinearIndex(f.docs), embedder, search.WithSearchLogger(discardLogger()))
	f.completer = &coretesting.MockCompleter{
		CompleteFunc: func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
			f.record(messages)
			return echoCompletion(messages), nil
		},
	}

	base := []chat.ServiceOption{
		chat.WithChatLogger(discardLogger()),
		chat.WithTopK(2),
		chat.WithLocker(conversation.NewKeyedMutex(5 * time.Second)),
	}
	f.svc = chat.NewService(f.convs, f.docs, f.retriever, f.completer, append(base, opts...)...)
	return f
}

func (f *fixture) record(messages []chat.PromptMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, messages)
}

func (f *fixture) lastPrompt() []chat.PromptMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

func (f *fixture) uploadAlphaOmega(t *testing.T) uuid.UUID {
	t.Helper()
	text := strings.Repeat("alpha ", 100)[:500] + strings.Repeat("omega ", 100)[:500]
	result, err := f.ingest.Ingest(context.Background(), ingestion.IngestParams{Filename: "greek.txt", Data: []byte(text)})
	require.NoError(t, err)
	return result.Document.ID
}

func TestService_OpenChatTurn(t *testing.T) {
	// Setup
	f := newFixture(t)
	ctx := context.Background()

	// Execute
	result, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "hello"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "reply to hello", result.Reply.Content)
	assert.Equal(t, conversation.RoleAssistant, result.Reply.Role)
	assert.Equal(t, "test-model", result.Reply.Model)
	assert.Empty(t, result.Reply.RetrievedChunks)
	assert.False(t, result.RetrievalDegraded)
	assert.Equal(t, []chat.TurnState{
		chat.StateReceived, chat.StatePromptAssembled, chat.StateCompletionPending, chat.StateAppended,
	}, result.States)
	assert.Equal(t, 2, result.Totals.MessageCount)

	prompt := f.lastPrompt()
	require.Len(t, prompt, 2)
	assert.Equal(t, chat.PromptRoleSystem, prompt[0].Role)
	assert.Equal(t, chat.DefaultOpenChatPrompt, prompt[0].Content)

	second, err := f.svc.SendMessage(ctx, chat.SendParams{ConversationID: result.ConversationID, Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, 4, second.Totals.MessageCount)

	conv, err := f.svc.GetConversation(ctx, result.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "again", conv.Messages[2].Content)
	total := 0
	for _, m := range conv.Messages {
		total += m.Tokens
	}
	assert.Equal(t, total, conv.TotalTokens)
}

func TestService_RAGTurnRanksClosestChunkFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.uploadAlphaOmega(t)

	doc, err := f.ingest.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, 2, doc.TotalChunks())
	assert.Equal(t, 0, doc.Chunks[0].Index)
	assert.Equal(t, 1, doc.Chunks[1].Index)

	result, err := f.svc.StartConversation(ctx, chat.StartParams{
		Mode:         conversation.RAG{DocumentID: docID},
		FirstMessage: "what does omega mean compared to alpha and omega",
	})
	require.NoError(t, err)

	require.Len(t, result.Retrieved, 2)
	assert.Equal(t, 1, result.Retrieved[0].ChunkIndex)
	assert.Equal(t, 0, result.Retrieved[1].ChunkIndex)
	assert.Greater(t, result.Retrieved[0].Score, result.Retrieved[1].Score)
	assert.Contains(t, result.States, chat.StateRetrieve)

	require.Len(t, result.Reply.RetrievedChunks, 2)
	assert.Equal(t, doc.Chunks[1].ID, result.Reply.RetrievedChunks[0].ChunkID)
	assert.Equal(t, docID, result.Reply.RetrievedChunks[0].DocumentID)

	system := f.lastPrompt()[0].Content
	first := strings.Index(system, "[chunk "+doc.Chunks[1].ID.String()+"]")
	second := strings.Index(system, "[chunk "+doc.Chunks[0].ID.String()+"]")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
}

func TestService_StartRAGWithMissingDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartConversation(ctx, chat.StartParams{
		Mode:         conversation.RAG{DocumentID: uuid.New()},
		FirstMessage: "anything",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := f.svc.ListConversations(ctx, chat.ListParams{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_DeletedDocumentFailsNextTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.uploadAlphaOmega(t)

	started, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.RAG{DocumentID: docID}, FirstMessage: "alpha?"})
	require.NoError(t, err)

	require.NoError(t, f.ingest.DeleteDocument(ctx, docID))
	calls := len(f.prompts)

	_, err = f.svc.SendMessage(ctx, chat.SendParams{ConversationID: started.ConversationID, Content: "omega?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDocumentUnavailable)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var turnErr *chat.TurnError
	require.True(t, errors.As(err, &turnErr))
	assert.Equal(t, chat.StateRetrieve, turnErr.State)
	assert.Equal(t, started.ConversationID, turnErr.ConversationID)

	// 補完サービスは呼ばれず、ユーザーメッセージだけが残る
	assert.Len(t, f.prompts, calls)
	conv, err := f.svc.GetConversation(ctx, started.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, conversation.RoleUser, conv.Messages[2].Role)
	assert.Equal(t, "omega?", conv.Messages[2].Content)

	// 削除後のチャンクは検索できない
	_, err = f.retriever.Retrieve(ctx, docID, "alpha", 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_RetrievalFailureDegrades(t *testing.T) {
	docs := memory.NewDocumentStore()
	convs := memory.NewConversationStore()
	doc, err := docs.Create(context.Background(), documentParams())
	require.NoError(t, err)

	var captured []chat.PromptMessage
	completer := &coretesting.MockCompleter{
		CompleteFunc: func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
			captured = messages
			return &chat.Completion{Content: "ungrounded", Tokens: 2}, nil
		},
	}
	retriever := &coretesting.MockRetriever{
		RetrieveFunc: func(ctx context.Context, documentID uuid.UUID, query string, k int) ([]search.Result, error) {
			return nil, fmt.Errorf("%w: index offline", domain.ErrRetrievalUnavailable)
		},
	}
	svc := chat.NewService(convs, docs, retriever, completer, chat.WithChatLogger(discardLogger()))

	result, err := svc.StartConversation(context.Background(), chat.StartParams{Mode: conversation.RAG{DocumentID: doc.ID}, FirstMessage: "question"})
	require.NoError(t, err)
	assert.True(t, result.RetrievalDegraded)
	assert.Empty(t, result.Retrieved)
	assert.Empty(t, result.Reply.RetrievedChunks)
	assert.Contains(t, captured[0].Content, chat.DefaultNoContextNotice)
}

func TestService_CompletionFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "one"})
	require.NoError(t, err)

	f.completer.CompleteFunc = func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
		return nil, fmt.Errorf("failed to call completion API: %w", domain.ErrRateLimited)
	}

	_, err = f.svc.SendMessage(ctx, chat.SendParams{ConversationID: started.ConversationID, Content: "two"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, domain.IsRetryable(err))

	var turnErr *chat.TurnError
	require.True(t, errors.As(err, &turnErr))
	assert.Equal(t, chat.StateCompletionPending, turnErr.State)

	conv, err := f.svc.GetConversation(ctx, started.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, conversation.RoleUser, conv.Messages[2].Role)

	// 再試行ではユーザーメッセージを重複させない
	f.completer.CompleteFunc = func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
		return echoCompletion(messages), nil
	}
	retried, err := f.svc.RetryTurn(ctx, started.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "reply to two", retried.Reply.Content)

	conv, err = f.svc.GetConversation(ctx, started.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "two", conv.Messages[2].Content)
	assert.Equal(t, "reply to two", conv.Messages[3].Content)

	_, err = f.svc.RetryTurn(ctx, started.ConversationID)
	assert.ErrorIs(t, err, chat.ErrNoPendingTurn)
}

func TestService_CompletionTimeout(t *testing.T) {
	f := newFixture(t, chat.WithCompletionTimeout(20*time.Millisecond))
	f.completer.CompleteFunc = func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.svc.StartConversation(context.Background(), chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	var turnErr *chat.TurnError
	require.True(t, errors.As(err, &turnErr))
	conv, err := f.svc.GetConversation(context.Background(), turnErr.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 1)
}

func TestService_UnclassifiedCompletionErrorIsUpstreamUnavailable(t *testing.T) {
	f := newFixture(t)
	f.completer.CompleteFunc = func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
		return nil, errors.New("connection refused")
	}

	_, err := f.svc.StartConversation(context.Background(), chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "hi"})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestService_ConcurrentSendsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "start"})
	require.NoError(t, err)

	var inFlight, maxInFlight int32
	f.completer.CompleteFunc = func(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			current := atomic.LoadInt32(&maxInFlight)
			if n <= current || atomic.CompareAndSwapInt32(&maxInFlight, current, n) {
				break
			}
		}
		// 強制的な遅延で競合を起こしやすくする
		time.Sleep(30 * time.Millisecond)
		return echoCompletion(messages), nil
	}

	const senders = 4
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SendMessage(ctx, chat.SendParams{ConversationID: started.ConversationID, Content: fmt.Sprintf("msg-%d", i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))

	conv, err := f.svc.GetConversation(ctx, started.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2+2*senders)
	for i := 0; i < len(conv.Messages); i += 2 {
		user, assistant := conv.Messages[i], conv.Messages[i+1]
		assert.Equal(t, conversation.RoleUser, user.Role)
		assert.Equal(t, conversation.RoleAssistant, assistant.Role)
		assert.Equal(t, "reply to "+user.Content, assistant.Content)
	}
}

func TestService_LockConflict(t *testing.T) {
	locker := conversation.NewKeyedMutex(10 * time.Millisecond)
	f := newFixture(t, chat.WithLocker(locker))
	ctx := context.Background()

	started, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "start"})
	require.NoError(t, err)

	unlock, err := locker.Lock(ctx, started.ConversationID)
	require.NoError(t, err)
	defer unlock()

	_, err = f.svc.SendMessage(ctx, chat.SendParams{ConversationID: started.ConversationID, Content: "blocked"})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.True(t, domain.IsRetryable(err))
}

func TestService_HistoryWindow(t *testing.T) {
	builder := chat.NewPromptBuilder(chat.DefaultPromptTemplates(), 4, nil)
	f := newFixture(t, chat.WithPromptBuilder(builder))
	ctx := context.Background()

	started, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "m0"})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := f.svc.SendMessage(ctx, chat.SendParams{ConversationID: started.ConversationID, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	prompt := f.lastPrompt()
	// system + 4 history + new user
	require.Len(t, prompt, 6)
	assert.Equal(t, "m3", prompt[1].Content)
	assert.Equal(t, "m5", prompt[5].Content)
}

func TestService_ListConversationsWithDocumentName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.uploadAlphaOmega(t)

	ragConv, err := f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.RAG{DocumentID: docID}, FirstMessage: "alpha"})
	require.NoError(t, err)
	_, err = f.svc.StartConversation(ctx, chat.StartParams{Mode: conversation.OpenChat{}, FirstMessage: "plain"})
	require.NoError(t, err)

	list, err := f.svc.ListConversations(ctx, chat.ListParams{})
	require.NoError(t, err)
	require.Len(t, list, 2)

	var found bool
	for _, item := range list {
		if item.ID == ragConv.ConversationID {
			found = true
			assert.Equal(t, "greek.txt", item.DocumentName.OrEmpty())
		} else {
			assert.True(t, item.DocumentName.IsAbsent())
		}
	}
	assert.True(t, found)

	require.NoError(t, f.ingest.DeleteDocument(ctx, docID))
	list, err = f.svc.ListConversations(ctx, chat.ListParams{})
	require.NoError(t, err)
	for _, item := range list {
		assert.True(t, item.DocumentName.IsAbsent())
	}

	require.NoError(t, f.svc.DeleteConversation(ctx, ragConv.ConversationID))
	_, err = f.svc.GetConversation(ctx, ragConv.ConversationID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
