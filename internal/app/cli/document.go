package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/rag-chat/internal/core/ingestion"
)

// DocumentUploadAction はドキュメントを取り込むコマンドのアクション
func DocumentUploadAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("取り込むファイルを指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := uploadDocument(ctx, appCtx, path)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "ドキュメントを取り込みました\n")
	fmt.Fprintf(w, "ID:         %s\n", result.Document.ID)
	fmt.Fprintf(w, "ファイル名: %s\n", result.Document.Filename)
	fmt.Fprintf(w, "チャンク数: %d\n", result.Document.TotalChunks())
	fmt.Fprintf(w, "処理時間:   %s\n", formatDuration(result.Duration))
	return nil
}

// uploadDocument はファイルを読み込んで取り込みサービスへ渡す
func uploadDocument(ctx context.Context, appCtx *AppContext, path string) (*ingestion.IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	slog.Info("ドキュメント取り込みを開始", "path", path, "bytes", len(data))

	result, err := appCtx.Container.IngestService.Ingest(ctx, ingestion.IngestParams{
		Filename: filepath.Base(path),
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("ドキュメント取り込みに失敗: %w", err)
	}

	slog.Info("ドキュメント取り込みが完了しました",
		"documentID", result.Document.ID,
		"chunks", result.Document.TotalChunks(),
		"duration", result.Duration,
	)
	return result, nil
}

// DocumentListAction はドキュメント一覧を表示するコマンドのアクション
func DocumentListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	summaries, err := appCtx.Container.IngestService.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("ドキュメント一覧の取得に失敗: %w", err)
	}

	printDocumentList(cmd.Root().Writer, summaries)
	return nil
}

// DocumentShowAction はドキュメント詳細を表示するコマンドのアクション
func DocumentShowAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("ドキュメント", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	doc, err := appCtx.Container.IngestService.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("ドキュメントの取得に失敗: %w", err)
	}

	printDocument(cmd.Root().Writer, doc)
	return nil
}

// DocumentSearchAction はドキュメント内のチャンクを検索するコマンドのアクション
func DocumentSearchAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("ドキュメント", cmd.String("id"))
	if err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if query == "" {
		return fmt.Errorf("検索する質問を指定してください")
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	searchService := appCtx.Container.SearchService
	k := int(cmd.Int("k"))
	if k <= 0 {
		k = searchService.TopK()
	}

	results, err := searchService.Retrieve(ctx, id, query, k)
	if err != nil {
		return fmt.Errorf("チャンク検索に失敗: %w", err)
	}

	printSearchResults(cmd.Root().Writer, k, results)
	return nil
}

// DocumentDeleteAction はドキュメントを削除するコマンドのアクション
func DocumentDeleteAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("ドキュメント", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.IngestService.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("ドキュメントの削除に失敗: %w", err)
	}

	slog.Info("ドキュメントを削除しました", "documentID", id)
	fmt.Fprintf(cmd.Root().Writer, "ドキュメント %s を削除しました\n", id)
	return nil
}
