package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/conversation"
)

// ConversationStartAction は会話を開始するコマンドのアクション
func ConversationStartAction(ctx context.Context, cmd *cli.Command) error {
	message := strings.Join(cmd.Args().Slice(), " ")
	if message == "" {
		return fmt.Errorf("最初のメッセージを指定してください")
	}

	var mode conversation.Mode = conversation.OpenChat{}
	if raw := cmd.String("document"); raw != "" {
		documentID, err := parseID("ドキュメント", raw)
		if err != nil {
			return err
		}
		mode = conversation.RAG{DocumentID: documentID}
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	slog.Info("会話を開始", "mode", mode.Kind())

	result, err := appCtx.Container.ChatService.StartConversation(ctx, chat.StartParams{
		Mode:         mode,
		FirstMessage: message,
	})
	if err != nil {
		return turnFailure("会話の開始に失敗", err)
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "会話ID: %s\n\n", result.ConversationID)
	printTurnResult(w, result, cmd.Bool("show-sources"))
	return nil
}

// ConversationSendAction は既存の会話にメッセージを送るコマンドのアクション
func ConversationSendAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("会話", cmd.String("id"))
	if err != nil {
		return err
	}
	message := strings.Join(cmd.Args().Slice(), " ")
	if message == "" {
		return fmt.Errorf("メッセージを指定してください")
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.ChatService.SendMessage(ctx, chat.SendParams{
		ConversationID: id,
		Content:        message,
	})
	if err != nil {
		return turnFailure("メッセージ送信に失敗", err)
	}

	printTurnResult(cmd.Root().Writer, result, cmd.Bool("show-sources"))
	return nil
}

// ConversationRetryAction は応答が保存されなかったターンを再実行するコマンドのアクション
func ConversationRetryAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("会話", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.ChatService.RetryTurn(ctx, id)
	if err != nil {
		return turnFailure("再試行に失敗", err)
	}

	printTurnResult(cmd.Root().Writer, result, cmd.Bool("show-sources"))
	return nil
}

// ConversationListAction は会話一覧を表示するコマンドのアクション
func ConversationListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	overviews, err := appCtx.Container.ChatService.ListConversations(ctx, chat.ListParams{
		Limit: int(cmd.Int("limit")),
	})
	if err != nil {
		return fmt.Errorf("会話一覧の取得に失敗: %w", err)
	}

	printConversationList(cmd.Root().Writer, overviews)
	return nil
}

// ConversationShowAction は会話の全メッセージを表示するコマンドのアクション
func ConversationShowAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("会話", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	conv, err := appCtx.Container.ChatService.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("会話の取得に失敗: %w", err)
	}

	printConversation(cmd.Root().Writer, conv)
	return nil
}

// ConversationDeleteAction は会話を削除するコマンドのアクション
func ConversationDeleteAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("会話", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.ChatService.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("会話の削除に失敗: %w", err)
	}

	slog.Info("会話を削除しました", "conversationID", id)
	fmt.Fprintf(cmd.Root().Writer, "会話 %s を削除しました\n", id)
	return nil
}

// turnFailure はターン失敗を再試行方法の案内付きのエラーにする
func turnFailure(message string, err error) error {
	if hint := describeTurnError(err); hint != "" {
		return fmt.Errorf("%s: %w\n%s", message, err, hint)
	}
	return fmt.Errorf("%s: %w", message, err)
}
