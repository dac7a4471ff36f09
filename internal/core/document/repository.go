package document

import (
	"context"

	"github.com/google/uuid"
)

// Repository はドキュメント集約の永続化を抽象化する
// 読み書きは常に集約全体を単位とし、部分的に取り込まれたドキュメントは読み手から見えない
type Repository interface {
	// Create はチャンクとベクトルを含むドキュメント全体をアトミックに保存する
	// ID・ChunkID・UploadedAt はリポジトリが採番する
	Create(ctx context.Context, params CreateParams) (*Document, error)
	// Get はドキュメントを取得する。存在しない場合は domain.ErrNotFound
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
	// Exists はドキュメントの存在を確認する
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// List はアップロード日時の降順で要約を返す
	List(ctx context.Context) ([]*Summary, error)
	// Delete はドキュメントとそのチャンクを削除する。存在しない場合は domain.ErrNotFound
	Delete(ctx context.Context, id uuid.UUID) error
}
