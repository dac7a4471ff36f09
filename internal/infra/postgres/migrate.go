package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jinford/rag-chat/internal/platform/database"
)

//go:embed schema.sql
var schemaSQL string

// Migrate はスキーマを冪等に適用します
// 複数プロセスが同時に起動しても1つずつ適用されるようアドバイザリロックを取ります
func Migrate(ctx context.Context, db *database.Database) error {
	_, err := database.Transact(ctx, db, func(tx pgx.Tx) (struct{}, error) {
		if err := database.AcquireXactLock(ctx, tx, database.GenerateLockID("rag-chat", "schema")); err != nil {
			return struct{}{}, err
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return struct{}{}, fmt.Errorf("failed to apply schema: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
