package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/rag-chat/internal/core/domain"
)

// ModeKind は会話モードの種別
type ModeKind string

const (
	ModeKindOpenChat ModeKind = "open_chat"
	ModeKindRAG      ModeKind = "rag"
)

// Mode は会話モードを表すタグ付きバリアント
// 実装は OpenChat と RAG のみで、ドキュメントIDは RAG にしか存在しない
type Mode interface {
	Kind() ModeKind
	isMode()
}

// OpenChat はドキュメントに依存しない通常チャット
type OpenChat struct{}

func (OpenChat) Kind() ModeKind { return ModeKindOpenChat }
func (OpenChat) isMode()        {}

// RAG は単一ドキュメントに根拠づけられたチャット
type RAG struct {
	DocumentID uuid.UUID
}

func (RAG) Kind() ModeKind { return ModeKindRAG }
func (RAG) isMode()        {}

// DocumentIDOf はモードが参照するドキュメントIDを返す
func DocumentIDOf(m Mode) mo.Option[uuid.UUID] {
	if rag, ok := m.(RAG); ok {
		return mo.Some(rag.DocumentID)
	}
	return mo.None[uuid.UUID]()
}

// ParseMode は永続化された種別とドキュメントIDからモードを復元する
func ParseMode(kind string, documentID mo.Option[uuid.UUID]) (Mode, error) {
	switch ModeKind(kind) {
	case ModeKindOpenChat:
		if documentID.IsPresent() {
			return nil, fmt.Errorf("%w: open_chat conversation must not reference a document", domain.ErrInvalidInput)
		}
		return OpenChat{}, nil
	case ModeKindRAG:
		id, ok := documentID.Get()
		if !ok || id == uuid.Nil {
			return nil, fmt.Errorf("%w: rag conversation requires a document id", domain.ErrInvalidInput)
		}
		return RAG{DocumentID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown conversation mode %q", domain.ErrInvalidInput, kind)
	}
}

// Role はメッセージの発話者
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChunkRef は回答の根拠となったチャンクへの参照
type ChunkRef struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	Score      float64   `json:"score"`
}

// Message は会話内の1メッセージ
// RetrievedChunks は RAG モードのアシスタント発話にのみ設定される
type Message struct {
	Role            Role
	Content         string
	Timestamp       time.Time
	Tokens          int
	Model           string
	RetrievedChunks []ChunkRef
}

// Conversation は会話集約。Messages は追記のみ
type Conversation struct {
	ID          uuid.UUID
	Mode        Mode
	Messages    []Message
	TotalTokens int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LastMessage は最後のメッセージを返す
func (c *Conversation) LastMessage() mo.Option[Message] {
	if len(c.Messages) == 0 {
		return mo.None[Message]()
	}
	return mo.Some(c.Messages[len(c.Messages)-1])
}

// Totals は追記後の集計値
type Totals struct {
	MessageCount int
	TotalTokens  int
	UpdatedAt    time.Time
}

// Summary は会話一覧の1行
type Summary struct {
	ID           uuid.UUID
	Mode         Mode
	MessageCount int
	TotalTokens  int
	Preview      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PreviewLength は一覧に表示する最初のメッセージの最大文字数
const PreviewLength = 100

// MakePreview は先頭 PreviewLength 文字を切り出す
func MakePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLength {
		return content
	}
	return string(runes[:PreviewLength]) + "..."
}
