package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/platform/database"
)

// DocumentRepository は document.Repository を実装する PostgreSQL リポジトリです
type DocumentRepository struct {
	db  *database.Database
	now func() time.Time
}

// NewDocumentRepository は新しい DocumentRepository を作成します
func NewDocumentRepository(db *database.Database) *DocumentRepository {
	return &DocumentRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// コンパイル時の型チェック
var _ document.Repository = (*DocumentRepository)(nil)

// Create はドキュメントと全チャンクを1トランザクションで登録します
func (r *DocumentRepository) Create(ctx context.Context, params document.CreateParams) (*document.Document, error) {
	if len(params.Chunks) == 0 {
		return nil, fmt.Errorf("%w: document must have at least one chunk", domain.ErrInvalidInput)
	}

	doc := &document.Document{
		ID:          uuid.New(),
		Filename:    params.Filename,
		ContentType: params.ContentType,
		Chunks:      make([]document.Chunk, len(params.Chunks)),
		// timestamptz はマイクロ秒精度
		UploadedAt: r.now().Truncate(time.Microsecond),
	}
	for i, c := range params.Chunks {
		if c.Text == "" || len(c.Embedding) == 0 {
			return nil, fmt.Errorf("%w: chunk %d is incomplete", domain.ErrInvalidInput, i)
		}
		doc.Chunks[i] = document.Chunk{
			ID:        uuid.New(),
			Index:     i,
			Text:      c.Text,
			Embedding: c.Embedding,
		}
	}

	_, err := database.Transact(ctx, r.db, func(tx pgx.Tx) (struct{}, error) {
		_, err := tx.Exec(ctx,
			`INSERT INTO documents (id, filename, content_type, total_chunks, uploaded_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			UUIDToPgtype(doc.ID), doc.Filename, doc.ContentType, len(doc.Chunks), TimeToPgtype(doc.UploadedAt),
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to insert document: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range doc.Chunks {
			batch.Queue(
				`INSERT INTO document_chunks (id, document_id, chunk_index, text, embedding)
				 VALUES ($1, $2, $3, $4, $5)`,
				UUIDToPgtype(c.ID), UUIDToPgtype(doc.ID), c.Index, c.Text, pgvector.NewVector(c.Embedding),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return struct{}{}, fmt.Errorf("failed to insert chunks: %w", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// Get はチャンクを含むドキュメントを取得します
func (r *DocumentRepository) Get(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	return database.TransactWithOptions(ctx, r.db, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) (*document.Document, error) {
		var (
			docID      pgtype.UUID
			uploadedAt pgtype.Timestamptz
		)
		doc := &document.Document{}
		err := tx.QueryRow(ctx,
			`SELECT id, filename, content_type, uploaded_at FROM documents WHERE id = $1`,
			UUIDToPgtype(id),
		).Scan(&docID, &doc.Filename, &doc.ContentType, &uploadedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to get document: %w", err)
		}
		doc.ID = PgtypeToUUID(docID)
		doc.UploadedAt = PgtypeToTime(uploadedAt)

		rows, err := tx.Query(ctx,
			`SELECT id, chunk_index, text, embedding FROM document_chunks
			 WHERE document_id = $1 ORDER BY chunk_index`,
			UUIDToPgtype(id),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				chunkID   pgtype.UUID
				index     int32
				text      string
				embedding pgvector.Vector
			)
			if err := rows.Scan(&chunkID, &index, &text, &embedding); err != nil {
				return nil, fmt.Errorf("failed to scan chunk: %w", err)
			}
			doc.Chunks = append(doc.Chunks, document.Chunk{
				ID:        PgtypeToUUID(chunkID),
				Index:     int(index),
				Text:      text,
				Embedding: embedding.Slice(),
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate chunks: %w", err)
		}

		return doc, nil
	})
}

// Exists はドキュメントが存在するかを返します
func (r *DocumentRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return documentExists(ctx, r.db.Pool, id)
}

// rowQuerier はプールとトランザクションの両方で使える単一行クエリ
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func documentExists(ctx context.Context, q rowQuerier, id uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`,
		UUIDToPgtype(id),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return exists, nil
}

// List はアップロード日時の降順でドキュメント要約を返します
func (r *DocumentRepository) List(ctx context.Context) ([]*document.Summary, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, filename, content_type, total_chunks, uploaded_at FROM documents
		 ORDER BY uploaded_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	summaries := make([]*document.Summary, 0)
	for rows.Next() {
		var (
			id          pgtype.UUID
			totalChunks int32
			uploadedAt  pgtype.Timestamptz
		)
		summary := &document.Summary{}
		if err := rows.Scan(&id, &summary.Filename, &summary.ContentType, &totalChunks, &uploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		summary.ID = PgtypeToUUID(id)
		summary.TotalChunks = int(totalChunks)
		summary.UploadedAt = PgtypeToTime(uploadedAt)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return summaries, nil
}

// Delete はドキュメントを削除します。チャンクは外部キーの ON DELETE CASCADE で削除されます
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, UUIDToPgtype(id))
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
