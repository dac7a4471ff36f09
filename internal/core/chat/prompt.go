package chat

import (
	"fmt"
	"strings"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/search"
)

const (
	// DefaultHistoryWindow はプロンプトに含める直近メッセージ数
	DefaultHistoryWindow = 10

	// DefaultOpenChatPrompt は通常チャットのシステムプロンプト
	DefaultOpenChatPrompt = "You are a helpful assistant. Answer clearly and concisely."

	// DefaultRAGPrompt はRAGチャットのシステムプロンプト
	DefaultRAGPrompt = "You are a helpful assistant that answers questions about the user's document. " +
		"Base your answer on the context below. If the context does not contain the answer, say so."

	// DefaultContextHeader はコンテキストブロックの見出し
	DefaultContextHeader = "Context:"

	// DefaultNoContextNotice は検索が利用できなかった場合の注記
	DefaultNoContextNotice = "No document context could be retrieved for this question. " +
		"Tell the user that the answer is not grounded in their document."
)

// PromptTemplates はシステムプロンプトの文面
type PromptTemplates struct {
	OpenChat      string
	RAG           string
	ContextHeader string
	NoContext     string
}

// DefaultPromptTemplates はデフォルトの文面を返す
func DefaultPromptTemplates() PromptTemplates {
	return PromptTemplates{
		OpenChat:      DefaultOpenChatPrompt,
		RAG:           DefaultRAGPrompt,
		ContextHeader: DefaultContextHeader,
		NoContext:     DefaultNoContextNotice,
	}
}

// HistoryTruncator は固定部分のサイズを受け取り、履歴を切り詰めて返す
// history は古い順に並ぶ
type HistoryTruncator func(fixedSize int, history []PromptMessage) []PromptMessage

// TruncateOldestFirst は合計文字数が maxChars 以下になるまで古い履歴から捨てる
// 0 以下の場合は何もしない
func TruncateOldestFirst(maxChars int) HistoryTruncator {
	return func(fixedSize int, history []PromptMessage) []PromptMessage {
		if maxChars <= 0 {
			return history
		}
		total := fixedSize
		for _, m := range history {
			total += len(m.Content)
		}
		for len(history) > 0 && total > maxChars {
			total -= len(history[0].Content)
			history = history[1:]
		}
		return history
	}
}

// PromptBuilder はシステムプロンプト・検索結果・履歴・新規メッセージからプロンプトを組み立てる
type PromptBuilder struct {
	templates     PromptTemplates
	historyWindow int
	truncate      HistoryTruncator
}

// NewPromptBuilder は新しい PromptBuilder を作成する
func NewPromptBuilder(templates PromptTemplates, historyWindow int, truncate HistoryTruncator) *PromptBuilder {
	if truncate == nil {
		truncate = TruncateOldestFirst(0)
	}
	if historyWindow < 0 {
		historyWindow = 0
	}
	return &PromptBuilder{
		templates:     templates,
		historyWindow: historyWindow,
		truncate:      truncate,
	}
}

// PromptInput はプロンプト組み立ての入力
type PromptInput struct {
	Mode              conversation.Mode
	History           []conversation.Message
	Retrieved         []search.Result
	RetrievalDegraded bool
	UserMessage       string
}

// Build はプロンプトを組み立てる
// 順序: システムプロンプト（RAGではランク順のチャンク本文を含む）、直近の履歴、新規ユーザーメッセージ
func (b *PromptBuilder) Build(in PromptInput) []PromptMessage {
	system := PromptMessage{Role: PromptRoleSystem, Content: b.systemPrompt(in)}
	user := PromptMessage{Role: PromptRoleUser, Content: in.UserMessage}

	history := in.History
	if len(history) > b.historyWindow {
		history = history[len(history)-b.historyWindow:]
	}
	historyMessages := make([]PromptMessage, 0, len(history))
	for _, m := range history {
		role := PromptRoleUser
		if m.Role == conversation.RoleAssistant {
			role = PromptRoleAssistant
		}
		historyMessages = append(historyMessages, PromptMessage{Role: role, Content: m.Content})
	}
	historyMessages = b.truncate(len(system.Content)+len(user.Content), historyMessages)

	messages := make([]PromptMessage, 0, len(historyMessages)+2)
	messages = append(messages, system)
	messages = append(messages, historyMessages...)
	messages = append(messages, user)
	return messages
}

func (b *PromptBuilder) systemPrompt(in PromptInput) string {
	if _, ok := in.Mode.(conversation.RAG); !ok {
		return b.templates.OpenChat
	}

	var sb strings.Builder
	sb.WriteString(b.templates.RAG)
	sb.WriteString("\n\n")

	if in.RetrievalDegraded || len(in.Retrieved) == 0 {
		sb.WriteString(b.templates.NoContext)
		return sb.String()
	}

	sb.WriteString(b.templates.ContextHeader)
	sb.WriteString("\n")
	for _, r := range in.Retrieved {
		sb.WriteString(fmt.Sprintf("\n[chunk %s]\n", r.ChunkID))
		sb.WriteString(r.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
