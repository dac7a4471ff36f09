package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/core/search"
)

const timeLayout = "2006-01-02 15:04:05"

// chunkPreviewLength はチャンク本文の表示文字数
const chunkPreviewLength = 80

func printDocumentList(w io.Writer, summaries []*document.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "ドキュメントはありません")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tファイル名\tチャンク数\tアップロード日時")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Filename, s.TotalChunks, s.UploadedAt.Local().Format(timeLayout))
	}
	tw.Flush()
}

func printDocument(w io.Writer, doc *document.Document) {
	fmt.Fprintf(w, "ID:           %s\n", doc.ID)
	fmt.Fprintf(w, "ファイル名:   %s\n", doc.Filename)
	fmt.Fprintf(w, "形式:         %s\n", doc.ContentType)
	fmt.Fprintf(w, "チャンク数:   %d\n", doc.TotalChunks())
	fmt.Fprintf(w, "アップロード: %s\n", doc.UploadedAt.Local().Format(timeLayout))
	for _, c := range doc.Chunks {
		fmt.Fprintf(w, "\n[%d] %s\n%s\n", c.Index, c.ID, preview(c.Text, chunkPreviewLength))
	}
}

func printSearchResults(w io.Writer, k int, results []search.Result) {
	fmt.Fprintf(w, "上位 %d 件中 %d 件\n", k, len(results))
	for i, r := range results {
		fmt.Fprintf(w, "\n%d. [%d] score=%.3f\n%s\n", i+1, r.ChunkIndex, r.Score, preview(r.Text, chunkPreviewLength))
	}
}

func printConversationList(w io.Writer, overviews []*chat.ConversationOverview) {
	if len(overviews) == 0 {
		fmt.Fprintln(w, "会話はありません")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tモード\tドキュメント\tメッセージ\tトークン\t更新日時\t最初のメッセージ")
	for _, o := range overviews {
		docName := "-"
		if _, ok := conversation.DocumentIDOf(o.Mode).Get(); ok {
			docName = o.DocumentName.OrElse("(削除済み)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			o.ID, o.Mode.Kind(), docName, o.MessageCount, o.TotalTokens,
			o.UpdatedAt.Local().Format(timeLayout), o.Preview)
	}
	tw.Flush()
}

func printConversation(w io.Writer, conv *conversation.Conversation) {
	fmt.Fprintf(w, "ID:       %s\n", conv.ID)
	fmt.Fprintf(w, "モード:   %s\n", conv.Mode.Kind())
	if id, ok := conversation.DocumentIDOf(conv.Mode).Get(); ok {
		fmt.Fprintf(w, "ドキュメント: %s\n", id)
	}
	fmt.Fprintf(w, "トークン: %d\n", conv.TotalTokens)
	fmt.Fprintf(w, "作成日時: %s\n", conv.CreatedAt.Local().Format(timeLayout))
	for _, m := range conv.Messages {
		fmt.Fprintf(w, "\n[%s] %s (%d tokens)\n%s\n", m.Role, m.Timestamp.Local().Format(timeLayout), m.Tokens, m.Content)
		for _, ref := range m.RetrievedChunks {
			fmt.Fprintf(w, "  - chunk %s (score %.4f)\n", ref.ChunkID, ref.Score)
		}
	}
}

func printTurnResult(w io.Writer, result *chat.TurnResult, showSources bool) {
	fmt.Fprintln(w, result.Reply.Content)
	if result.RetrievalDegraded {
		fmt.Fprintln(w, "\n※ 検索に失敗したため、ドキュメントを参照せずに回答しました")
	}
	if showSources && len(result.Retrieved) > 0 {
		fmt.Fprintln(w, "\n--- 参照チャンク ---")
		for i, r := range result.Retrieved {
			fmt.Fprintf(w, "[%d] chunk #%d スコア: %.4f\n    %s\n", i+1, r.ChunkIndex, r.Score, preview(r.Text, chunkPreviewLength))
		}
	}
}

// describeTurnError は失敗したターンの再試行方法を案内する
func describeTurnError(err error) string {
	var turnErr *chat.TurnError
	if !errors.As(err, &turnErr) {
		return ""
	}
	if turnErr.ConversationID == uuid.Nil {
		return ""
	}
	if domain.IsRetryable(err) {
		return fmt.Sprintf("会話 %s は保存されています。`rag-chat conversation retry --id %s` で再試行できます",
			turnErr.ConversationID, turnErr.ConversationID)
	}
	return fmt.Sprintf("会話 %s の %s で失敗しました", turnErr.ConversationID, turnErr.State)
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
