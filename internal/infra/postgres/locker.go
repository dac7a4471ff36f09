package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/platform/database"
)

// ConversationLocker はセッションスコープのアドバイザリロックで会話単位の排他を行います
// 複数プロセスが同じデータベースを共有しても同一会話のターンは直列化されます
type ConversationLocker struct {
	db      *database.Database
	timeout time.Duration
}

// NewConversationLocker は新しい ConversationLocker を返します
// db にはリポジトリとは別のロック専用プールを渡します
func NewConversationLocker(db *database.Database, timeout time.Duration) *ConversationLocker {
	return &ConversationLocker{db: db, timeout: timeout}
}

var _ conversation.Locker = (*ConversationLocker)(nil)

// Lock は会話のロックを取得します。timeout を超えると ErrConcurrencyConflict を返します
func (l *ConversationLocker) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	lockCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	unlock, err := database.AcquireSessionLock(lockCtx, l.db, database.GenerateLockID("conversation", id.String()))
	if err != nil {
		if ctx.Err() == nil && errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: conversation %s is busy: %w", domain.ErrConcurrencyConflict, id, err)
		}
		return nil, err
	}
	return unlock, nil
}
