package cli

import (
	"github.com/urfave/cli/v3"

	"github.com/jinford/rag-chat/internal/core/conversation"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func idFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    usage,
		Required: true,
	}
}

func showSourcesFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "show-sources",
		Usage: "参照したチャンクを表示",
	}
}

// NewCommand は rag-chat のコマンドツリーを作成する
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:  "rag-chat",
		Usage: "ドキュメントに根拠づけた対話と通常チャットを提供する会話システム",
		Commands: []*cli.Command{
			{
				Name:  "document",
				Usage: "ドキュメント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:      "upload",
						Usage:     "ファイル（PDF / テキスト）を取り込む",
						ArgsUsage: "FILE",
						Flags:     []cli.Flag{envFlag()},
						Action:    DocumentUploadAction,
					},
					{
						Name:   "list",
						Usage:  "ドキュメント一覧を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: DocumentListAction,
					},
					{
						Name:   "show",
						Usage:  "ドキュメント詳細を表示",
						Flags:  []cli.Flag{envFlag(), idFlag("ドキュメントID")},
						Action: DocumentShowAction,
					},
					{
						Name:      "search",
						Usage:     "ドキュメント内のチャンクを質問との類似度順に表示",
						ArgsUsage: "QUERY",
						Flags: []cli.Flag{
							envFlag(),
							idFlag("ドキュメントID"),
							&cli.IntFlag{
								Name:  "k",
								Usage: "表示件数（0 は TOP_K の値）",
							},
						},
						Action: DocumentSearchAction,
					},
					{
						Name:   "delete",
						Usage:  "ドキュメントとチャンクを削除",
						Flags:  []cli.Flag{envFlag(), idFlag("ドキュメントID")},
						Action: DocumentDeleteAction,
					},
				},
			},
			{
				Name:  "conversation",
				Usage: "会話管理コマンド",
				Commands: []*cli.Command{
					{
						Name:      "start",
						Usage:     "最初のメッセージで会話を開始",
						ArgsUsage: "MESSAGE",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "document",
								Usage: "RAGモードで参照するドキュメントID（省略時は通常チャット）",
							},
							showSourcesFlag(),
						},
						Action: ConversationStartAction,
					},
					{
						Name:      "send",
						Usage:     "会話にメッセージを送信",
						ArgsUsage: "MESSAGE",
						Flags:     []cli.Flag{envFlag(), idFlag("会話ID"), showSourcesFlag()},
						Action:    ConversationSendAction,
					},
					{
						Name:   "retry",
						Usage:  "応答が保存されなかったターンを再実行",
						Flags:  []cli.Flag{envFlag(), idFlag("会話ID"), showSourcesFlag()},
						Action: ConversationRetryAction,
					},
					{
						Name:  "list",
						Usage: "会話一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: conversation.DefaultListLimit,
							},
						},
						Action: ConversationListAction,
					},
					{
						Name:   "show",
						Usage:  "会話の全メッセージを表示",
						Flags:  []cli.Flag{envFlag(), idFlag("会話ID")},
						Action: ConversationShowAction,
					},
					{
						Name:   "delete",
						Usage:  "会話を削除",
						Flags:  []cli.Flag{envFlag(), idFlag("会話ID")},
						Action: ConversationDeleteAction,
					},
				},
			},
			{
				Name:  "chat",
				Usage: "対話モードで会話する",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "document",
						Usage: "取り込んでRAGモードで参照するファイル",
					},
					showSourcesFlag(),
				},
				Action: ChatAction,
			},
		},
	}
}
