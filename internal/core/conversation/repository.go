package conversation

import (
	"context"

	"github.com/google/uuid"
)

// DefaultListLimit は一覧取得の既定件数
const DefaultListLimit = 100

// Repository は会話集約の永続化を抽象化する
// 参照先ドキュメントの存在確認は行わない（オーケストレータの責務）
type Repository interface {
	// Create は最初のメッセージを含む会話を作成する
	Create(ctx context.Context, mode Mode, first Message) (*Conversation, error)
	// AppendMessage はメッセージを末尾に追記し、TotalTokens と UpdatedAt を更新する
	AppendMessage(ctx context.Context, id uuid.UUID, msg Message) (*Totals, error)
	// Get は会話を取得する。存在しない場合は domain.ErrNotFound
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// List は更新日時の降順で要約を返す
	List(ctx context.Context, limit int) ([]*Summary, error)
	// Delete は会話を削除する。存在しない場合は domain.ErrNotFound
	Delete(ctx context.Context, id uuid.UUID) error
}

// Locker は会話単位の相互排他を提供する
// 待機が ctx の期限を超えた場合は domain.ErrConcurrencyConflict を返す
type Locker interface {
	Lock(ctx context.Context, id uuid.UUID) (func(), error)
}
