package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Transact はトランザクションを開始して fn を実行します
// fn がエラーを返した場合はロールバック、それ以外はコミットします
func Transact[T any](ctx context.Context, db *Database, fn func(pgx.Tx) (T, error)) (T, error) {
	return TransactWithOptions(ctx, db, pgx.TxOptions{}, fn)
}

// TransactWithOptions は分離レベル等を指定してトランザクションを実行します
func TransactWithOptions[T any](ctx context.Context, db *Database, opts pgx.TxOptions, fn func(pgx.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}
