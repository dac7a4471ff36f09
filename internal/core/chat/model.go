package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/search"
)

// PromptRole は補完サービスに渡すメッセージのロール
type PromptRole string

const (
	PromptRoleSystem    PromptRole = "system"
	PromptRoleUser      PromptRole = "user"
	PromptRoleAssistant PromptRole = "assistant"
)

// PromptMessage は補完サービスに渡す1メッセージ
type PromptMessage struct {
	Role    PromptRole
	Content string
}

// Completion は補完サービスの応答
type Completion struct {
	Content string
	Tokens  int
	Model   string
}

// Completer は外部の補完サービス
// 失敗時は domain.ErrUpstreamUnavailable / ErrRateLimited / ErrTimeout を返す
type Completer interface {
	Complete(ctx context.Context, messages []PromptMessage) (*Completion, error)
}

// Retriever はRAGターンで使うチャンク検索
type Retriever interface {
	Retrieve(ctx context.Context, documentID uuid.UUID, query string, k int) ([]search.Result, error)
}

// DocumentReader はオーケストレータが参照するドキュメントストアの読み取り面
type DocumentReader interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context) ([]*document.Summary, error)
}

// TokenCounter はユーザーメッセージのトークン数を見積もる
type TokenCounter interface {
	CountTokens(text string) int
}

// TurnState はターンの状態
type TurnState int

const (
	StateReceived TurnState = iota
	StateRetrieve
	StatePromptAssembled
	StateCompletionPending
	StateAppended
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateRetrieve:
		return "RETRIEVE"
	case StatePromptAssembled:
		return "PROMPT_ASSEMBLED"
	case StateCompletionPending:
		return "COMPLETION_PENDING"
	case StateAppended:
		return "APPENDED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}

// TurnError は失敗したターンの情報を保持する
// ConversationID が有効な場合、その会話はユーザーメッセージまで保存済みで再試行できる
type TurnError struct {
	ConversationID uuid.UUID
	State          TurnState
	Err            error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at %s (conversation %s): %v", e.State, e.ConversationID, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// StartParams は会話開始パラメータ
type StartParams struct {
	Mode         conversation.Mode
	FirstMessage string
}

// SendParams はメッセージ送信パラメータ
type SendParams struct {
	ConversationID uuid.UUID
	Content        string
}

// TurnResult は完了したターンの結果
type TurnResult struct {
	ConversationID uuid.UUID
	Reply          conversation.Message
	Retrieved      []search.Result
	// RetrievalDegraded は検索に失敗し、コンテキストなしで回答したことを示す
	RetrievalDegraded bool
	Totals            conversation.Totals
	States            []TurnState
}

// ConversationOverview は一覧表示用の会話情報
type ConversationOverview struct {
	*conversation.Summary
	// DocumentName はRAG会話の参照先ファイル名。削除済みの場合は None
	DocumentName mo.Option[string]
}

// ListParams は会話一覧の取得条件
type ListParams struct {
	Limit int
}

func now() time.Time {
	return time.Now().UTC()
}
