package database

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// AcquireXactLock はトランザクションスコープのアドバイザリロックを取得します
// トランザクション終了時に自動的に解放されます
func AcquireXactLock(ctx context.Context, tx pgx.Tx, lockID int64) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}

// AcquireSessionLock はプールから接続を1本確保し、セッションスコープのアドバイザリロックを取得します
// 返却された関数でロックを解放し接続をプールへ戻します
// ロック保持中は接続を占有するため、同じプールでターン内の読み書きを行うとプールが枯渇し得る
// ロック専用のプールを渡すこと
// ctx の期限を超えて待機した場合はエラーになります
func AcquireSessionLock(ctx context.Context, db *Database, lockID int64) (func(), error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		// 待機中にキャンセルされた接続は状態が不定なので破棄する
		conn.Conn().Close(context.Background())
		conn.Release()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			var released bool
			err := conn.QueryRow(context.Background(), "SELECT pg_advisory_unlock($1)", lockID).Scan(&released)
			if err != nil || !released {
				// ロックを保持したままの可能性がある接続はプールへ戻さず破棄する
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}
