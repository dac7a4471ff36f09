package domain

import "errors"

var (
	// ErrNotFound はドキュメントまたは会話が存在しない場合のエラー
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput は入力値が不正な場合のエラー
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedFormat は抽出できないファイル形式の場合のエラー
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrEmptyDocument はテキストを1文字も抽出できなかった場合のエラー
	ErrEmptyDocument = errors.New("document contains no extractable text")

	// ErrIngestionFailure はチャンク化・Embedding・保存のいずれかが失敗した場合のエラー
	// ドキュメントは一切永続化されない
	ErrIngestionFailure = errors.New("ingestion failed")

	// ErrRetrievalUnavailable はクエリのEmbeddingやインデックス検索が失敗した場合のエラー
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrDocumentUnavailable はRAG会話の参照先ドキュメントが削除済みの場合のエラー
	ErrDocumentUnavailable = errors.New("document unavailable")

	// ErrUpstreamUnavailable は補完サービスが利用できない場合のエラー
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRateLimited は補完サービスのレート制限に達した場合のエラー
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout は補完サービスの呼び出しがタイムアウトした場合のエラー
	ErrTimeout = errors.New("timeout")

	// ErrConcurrencyConflict は会話ロックを取得できなかった場合のエラー
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

var retryable = []error{
	ErrIngestionFailure,
	ErrUpstreamUnavailable,
	ErrRateLimited,
	ErrTimeout,
	ErrConcurrencyConflict,
}

// IsRetryable は同じ操作を再試行して成功する見込みがあるかを返す
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range retryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
