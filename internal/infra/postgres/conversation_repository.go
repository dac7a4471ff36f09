package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/platform/database"
)

// ConversationRepository は conversation.Repository を実装する PostgreSQL リポジトリです
type ConversationRepository struct {
	db  *database.Database
	now func() time.Time
}

// NewConversationRepository は新しい ConversationRepository を作成します
func NewConversationRepository(db *database.Database) *ConversationRepository {
	return &ConversationRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// コンパイル時の型チェック
var _ conversation.Repository = (*ConversationRepository)(nil)

// Create は最初のメッセージを含む会話を作成します
func (r *ConversationRepository) Create(ctx context.Context, mode conversation.Mode, first conversation.Message) (*conversation.Conversation, error) {
	if mode == nil {
		return nil, fmt.Errorf("%w: mode is required", domain.ErrInvalidInput)
	}
	if first.Tokens < 0 {
		return nil, fmt.Errorf("%w: negative token count", domain.ErrInvalidInput)
	}

	ts := r.now()
	if first.Timestamp.IsZero() {
		first.Timestamp = ts
	}
	conv := &conversation.Conversation{
		ID:          uuid.New(),
		Mode:        mode,
		Messages:    []conversation.Message{first},
		TotalTokens: first.Tokens,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	_, err := database.Transact(ctx, r.db, func(tx pgx.Tx) (struct{}, error) {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, mode, document_id, message_count, total_tokens, created_at, updated_at)
			 VALUES ($1, $2, $3, 1, $4, $5, $5)`,
			UUIDToPgtype(conv.ID), string(mode.Kind()), UUIDOptionToPgtype(conversation.DocumentIDOf(mode)),
			int64(first.Tokens), TimeToPgtype(ts),
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to insert conversation: %w", err)
		}
		if err := insertMessage(ctx, tx, conv.ID, 0, first); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	return conv, nil
}

// AppendMessage はメッセージを末尾に追記し、集計値を更新します
func (r *ConversationRepository) AppendMessage(ctx context.Context, id uuid.UUID, msg conversation.Message) (*conversation.Totals, error) {
	if msg.Tokens < 0 {
		return nil, fmt.Errorf("%w: negative token count", domain.ErrInvalidInput)
	}

	return database.Transact(ctx, r.db, func(tx pgx.Tx) (*conversation.Totals, error) {
		// 行ロックで seq の採番を直列化する
		var count int32
		err := tx.QueryRow(ctx,
			`SELECT message_count FROM conversations WHERE id = $1 FOR UPDATE`,
			UUIDToPgtype(id),
		).Scan(&count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to lock conversation: %w", err)
		}

		ts := r.now()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = ts
		}
		if err := insertMessage(ctx, tx, id, int(count), msg); err != nil {
			return nil, err
		}

		var (
			totalTokens int64
			updatedAt   pgtype.Timestamptz
		)
		err = tx.QueryRow(ctx,
			`UPDATE conversations
			 SET message_count = message_count + 1,
			     total_tokens = total_tokens + $2,
			     updated_at = GREATEST(updated_at, $3)
			 WHERE id = $1
			 RETURNING message_count, total_tokens, updated_at`,
			UUIDToPgtype(id), int64(msg.Tokens), TimeToPgtype(ts),
		).Scan(&count, &totalTokens, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to update conversation totals: %w", err)
		}

		return &conversation.Totals{
			MessageCount: int(count),
			TotalTokens:  int(totalTokens),
			UpdatedAt:    PgtypeToTime(updatedAt),
		}, nil
	})
}

func insertMessage(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, seq int, msg conversation.Message) error {
	refs, err := ChunkRefsToJSON(msg.RetrievedChunks)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_messages (conversation_id, seq, role, content, tokens, model, retrieved_chunks, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		UUIDToPgtype(conversationID), seq, string(msg.Role), msg.Content, msg.Tokens, msg.Model, refs,
		TimeToPgtype(msg.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Get はメッセージを含む会話を取得します
func (r *ConversationRepository) Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	return database.TransactWithOptions(ctx, r.db, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) (*conversation.Conversation, error) {
		var (
			convID      pgtype.UUID
			mode        string
			documentID  pgtype.UUID
			totalTokens int64
			createdAt   pgtype.Timestamptz
			updatedAt   pgtype.Timestamptz
		)
		err := tx.QueryRow(ctx,
			`SELECT id, mode, document_id, total_tokens, created_at, updated_at
			 FROM conversations WHERE id = $1`,
			UUIDToPgtype(id),
		).Scan(&convID, &mode, &documentID, &totalTokens, &createdAt, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to get conversation: %w", err)
		}

		parsed, err := conversation.ParseMode(mode, PgtypeToUUIDOption(documentID))
		if err != nil {
			return nil, err
		}

		conv := &conversation.Conversation{
			ID:          PgtypeToUUID(convID),
			Mode:        parsed,
			TotalTokens: int(totalTokens),
			CreatedAt:   PgtypeToTime(createdAt),
			UpdatedAt:   PgtypeToTime(updatedAt),
		}

		rows, err := tx.Query(ctx,
			`SELECT role, content, tokens, model, retrieved_chunks, created_at
			 FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq`,
			UUIDToPgtype(id),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				role      string
				msg       conversation.Message
				tokens    int32
				refs      []byte
				createdAt pgtype.Timestamptz
			)
			if err := rows.Scan(&role, &msg.Content, &tokens, &msg.Model, &refs, &createdAt); err != nil {
				return nil, fmt.Errorf("failed to scan message: %w", err)
			}
			msg.Role = conversation.Role(role)
			msg.Tokens = int(tokens)
			msg.Timestamp = PgtypeToTime(createdAt)
			if msg.RetrievedChunks, err = JSONToChunkRefs(refs); err != nil {
				return nil, err
			}
			conv.Messages = append(conv.Messages, msg)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate messages: %w", err)
		}

		return conv, nil
	})
}

// List は更新日時の降順で会話の要約を返します。limit が 0 以下なら全件
func (r *ConversationRepository) List(ctx context.Context, limit int) ([]*conversation.Summary, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT c.id, c.mode, c.document_id, c.message_count, c.total_tokens, c.created_at, c.updated_at,
		        COALESCE(m.content, '')
		 FROM conversations c
		 LEFT JOIN conversation_messages m ON m.conversation_id = c.id AND m.seq = 0
		 ORDER BY c.updated_at DESC, c.id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]*conversation.Summary, 0)
	for rows.Next() {
		var (
			id           pgtype.UUID
			mode         string
			documentID   pgtype.UUID
			messageCount int32
			totalTokens  int64
			createdAt    pgtype.Timestamptz
			updatedAt    pgtype.Timestamptz
			first        string
		)
		if err := rows.Scan(&id, &mode, &documentID, &messageCount, &totalTokens, &createdAt, &updatedAt, &first); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		parsed, err := conversation.ParseMode(mode, PgtypeToUUIDOption(documentID))
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, &conversation.Summary{
			ID:           PgtypeToUUID(id),
			Mode:         parsed,
			MessageCount: int(messageCount),
			TotalTokens:  int(totalTokens),
			Preview:      conversation.MakePreview(first),
			CreatedAt:    PgtypeToTime(createdAt),
			UpdatedAt:    PgtypeToTime(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return summaries, nil
}

// Delete は会話とメッセージを削除します
func (r *ConversationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, UUIDToPgtype(id))
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
