package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/domain"
)

// chatSession は対話ループが使う会話操作
type chatSession interface {
	StartConversation(ctx context.Context, params chat.StartParams) (*chat.TurnResult, error)
	SendMessage(ctx context.Context, params chat.SendParams) (*chat.TurnResult, error)
	RetryTurn(ctx context.Context, conversationID uuid.UUID) (*chat.TurnResult, error)
}

// ChatAction は対話モードのアクション
// --document を指定するとファイルを取り込んでから RAG モードで会話する
func ChatAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	w := cmd.Root().Writer
	var mode conversation.Mode = conversation.OpenChat{}
	if path := cmd.String("document"); path != "" {
		result, err := uploadDocument(ctx, appCtx, path)
		if err != nil {
			return err
		}
		mode = conversation.RAG{DocumentID: result.Document.ID}
		fmt.Fprintf(w, "%s を取り込みました（%d チャンク）\n", result.Document.Filename, result.Document.TotalChunks())
	}

	return runChatLoop(ctx, appCtx.Container.ChatService, mode, cmd.Root().Reader, w, cmd.Bool("show-sources"))
}

// runChatLoop は1行ずつ読み込んでターンを実行する
// 最初の入力で会話を作成し、以降は同じ会話に追記する
func runChatLoop(ctx context.Context, session chatSession, mode conversation.Mode, r io.Reader, w io.Writer, showSources bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	conversationID := uuid.Nil
	fmt.Fprintln(w, "メッセージを入力してください（/retry で再試行、/quit で終了）")

	for {
		fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		var (
			result *chat.TurnResult
			err    error
		)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/retry":
			if conversationID == uuid.Nil {
				fmt.Fprintln(w, "再試行できる会話がありません")
				continue
			}
			result, err = session.RetryTurn(ctx, conversationID)
		case conversationID == uuid.Nil:
			result, err = session.StartConversation(ctx, chat.StartParams{Mode: mode, FirstMessage: line})
		default:
			result, err = session.SendMessage(ctx, chat.SendParams{ConversationID: conversationID, Content: line})
		}

		if id := turnConversationID(result, err); id != uuid.Nil {
			conversationID = id
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(w, "エラー: %v\n", err)
			if conversationID != uuid.Nil && domain.IsRetryable(err) {
				fmt.Fprintln(w, "/retry で再試行できます")
			}
			continue
		}
		printTurnResult(w, result, showSources)
	}

	return scanner.Err()
}

// turnConversationID は成功・失敗どちらの場合も会話IDを取り出す
func turnConversationID(result *chat.TurnResult, err error) uuid.UUID {
	if result != nil {
		return result.ConversationID
	}
	var turnErr *chat.TurnError
	if errors.As(err, &turnErr) {
		return turnErr.ConversationID
	}
	return uuid.Nil
}
