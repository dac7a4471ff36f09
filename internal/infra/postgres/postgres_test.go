package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/platform/database"
)

var (
	testDB     *database.Database
	testParams database.ConnectionParams
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	cleanup, err := startPostgres()
	if err != nil {
		// Docker が使えない環境では DB テストをスキップする
		log.Printf("postgres integration tests disabled: %v", err)
		os.Exit(m.Run())
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func startPostgres() (func(), error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("failed to create docker pool: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "pgvector/pgvector",
		Tag:        "pg16",
		Env: []string{
			"POSTGRES_USER=ragchat",
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=ragchat",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres: %w", err)
	}
	_ = resource.Expire(300)

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	if err != nil {
		_ = pool.Purge(resource)
		return nil, fmt.Errorf("failed to resolve postgres port: %w", err)
	}
	params := database.ConnectionParams{
		Host:     "localhost",
		Port:     port,
		User:     "ragchat",
		Password: "secret",
		DBName:   "ragchat",
		SSLMode:  "disable",
	}
	testParams = params

	ctx := context.Background()
	pool.MaxWait = 2 * time.Minute
	if err := pool.Retry(func() error {
		db, err := database.New(ctx, params)
		if err != nil {
			return err
		}
		testDB = db
		return nil
	}); err != nil {
		_ = pool.Purge(resource)
		return nil, fmt.Errorf("postgres did not become ready: %w", err)
	}

	if err := Migrate(ctx, testDB); err != nil {
		testDB.Close()
		_ = pool.Purge(resource)
		return nil, err
	}

	return func() {
		testDB.Close()
		_ = pool.Purge(resource)
	}, nil
}

// requireDB はテーブルを空にした DB を返します。DB が無ければスキップします
func requireDB(t *testing.T) *database.Database {
	t.Helper()
	if testDB == nil {
		t.Skip("PostgreSQL is not available")
	}
	_, err := testDB.Pool.Exec(context.Background(),
		`TRUNCATE documents, document_chunks, conversations, conversation_messages CASCADE`)
	require.NoError(t, err)
	return testDB
}

func TestMigrate_Idempotent(t *testing.T) {
	db := requireDB(t)

	require.NoError(t, Migrate(context.Background(), db))
}

func TestDocumentRepository_Lifecycle(t *testing.T) {
	// Setup
	db := requireDB(t)
	ctx := context.Background()
	repo := NewDocumentRepository(db)

	// Execute
	doc, err := repo.Create(ctx, document.CreateParams{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Chunks: []document.NewChunk{
			{Text: "first", Embedding: []float32{1, 0, 0}},
			{Text: "second", Embedding: []float32{0, 1, 0}},
			{Text: "third", Embedding: []float32{0, 0, 1}},
		},
	})
	require.NoError(t, err)

	// Assert
	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", got.Filename)
	require.Len(t, got.Chunks, 3)
	for i, c := range got.Chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, doc.Chunks[i].ID, c.ID)
	}
	assert.Equal(t, "second", got.Chunks[1].Text)
	assert.Equal(t, []float32{0, 1, 0}, got.Chunks[1].Embedding)
	assert.True(t, got.UploadedAt.Equal(doc.UploadedAt))

	exists, err := repo.Exists(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	summaries, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].TotalChunks)

	// 削除後はチャンクも残らない
	require.NoError(t, repo.Delete(ctx, doc.ID))

	var orphans int
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM document_chunks WHERE document_id = $1`, UUIDToPgtype(doc.ID),
	).Scan(&orphans))
	assert.Zero(t, orphans)

	_, err = repo.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, doc.ID), domain.ErrNotFound)
}

func TestDocumentRepository_ListNewestFirst(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	repo := NewDocumentRepository(db)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	older, err := repo.Create(ctx, document.CreateParams{
		Filename: "older.txt", ContentType: "text/plain",
		Chunks: []document.NewChunk{{Text: "a", Embedding: []float32{1}}},
	})
	require.NoError(t, err)
	newer, err := repo.Create(ctx, document.CreateParams{
		Filename: "newer.txt", ContentType: "text/plain",
		Chunks: []document.NewChunk{{Text: "b", Embedding: []float32{1}}},
	})
	require.NoError(t, err)

	summaries, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, newer.ID, summaries[0].ID)
	assert.Equal(t, older.ID, summaries[1].ID)
}

func TestChunkIndex_Search(t *testing.T) {
	// Setup
	db := requireDB(t)
	ctx := context.Background()
	repo := NewDocumentRepository(db)
	index := NewChunkIndex(repo)

	doc, err := repo.Create(ctx, document.CreateParams{
		Filename:    "tie.txt",
		ContentType: "text/plain",
		Chunks: []document.NewChunk{
			{Text: "zero", Embedding: []float32{1, 0}},
			{Text: "one", Embedding: []float32{0, 1}},
			{Text: "two", Embedding: []float32{1, 0}},
			{Text: "three", Embedding: []float32{0, 0}},
		},
	})
	require.NoError(t, err)

	// Execute
	results, err := index.Search(ctx, doc.ID, []float32{1, 0}, 3)
	require.NoError(t, err)

	// Assert
	require.Len(t, results, 3)
	// 同点はチャンク位置の昇順、ゼロベクトルは類似度 0
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.Equal(t, 2, results[1].ChunkIndex)
	assert.Equal(t, 1, results[2].ChunkIndex)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.InDelta(t, 0.0, results[2].Score, 1e-6)
	for _, r := range results {
		assert.Equal(t, doc.ID, r.DocumentID)
	}

	_, err = index.Search(ctx, uuid.New(), []float32{1, 0}, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChunkIndex_SearchDuringDeleteNeverReturnsEmpty(t *testing.T) {
	// Setup
	db := requireDB(t)
	ctx := context.Background()
	repo := NewDocumentRepository(db)
	index := NewChunkIndex(repo)

	const docs = 20
	ids := make([]uuid.UUID, docs)
	for i := range ids {
		doc, err := repo.Create(ctx, document.CreateParams{
			Filename:    fmt.Sprintf("doc-%d.txt", i),
			ContentType: "text/plain",
			Chunks: []document.NewChunk{
				{Text: "alpha", Embedding: []float32{1, 0}},
				{Text: "beta", Embedding: []float32{0, 1}},
			},
		})
		require.NoError(t, err)
		ids[i] = doc.ID
	}

	// Execute
	var eg errgroup.Group
	for _, id := range ids {
		eg.Go(func() error {
			return repo.Delete(ctx, id)
		})
		eg.Go(func() error {
			results, err := index.Search(ctx, id, []float32{1, 0}, 2)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil
				}
				return err
			}
			// ドキュメントが見えたならチャンクも同じスナップショットで見える
			if len(results) != 2 {
				return fmt.Errorf("document %s: got %d results", id, len(results))
			}
			return nil
		})
	}

	// Assert
	require.NoError(t, eg.Wait())
	for _, id := range ids {
		_, err := index.Search(ctx, id, []float32{1, 0}, 2)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
}

func TestConversationRepository_AppendAndGet(t *testing.T) {
	// Setup
	db := requireDB(t)
	ctx := context.Background()
	repo := NewConversationRepository(db)
	documentID := uuid.New()
	chunkID := uuid.New()

	conv, err := repo.Create(ctx, conversation.RAG{DocumentID: documentID}, conversation.Message{
		Role: conversation.RoleUser, Content: "What is in the report?", Tokens: 6,
	})
	require.NoError(t, err)

	// Execute
	totals, err := repo.AppendMessage(ctx, conv.ID, conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: "Quarterly numbers.",
		Tokens:  4,
		Model:   "gpt-4o-mini",
		RetrievedChunks: []conversation.ChunkRef{
			{DocumentID: documentID, ChunkID: chunkID, Score: 0.87},
		},
	})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 2, totals.MessageCount)
	assert.Equal(t, 10, totals.TotalTokens)

	got, err := repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RAG{DocumentID: documentID}, got.Mode)
	assert.Equal(t, 10, got.TotalTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, conversation.RoleUser, got.Messages[0].Role)
	assert.Empty(t, got.Messages[0].RetrievedChunks)
	assert.Equal(t, "gpt-4o-mini", got.Messages[1].Model)
	require.Len(t, got.Messages[1].RetrievedChunks, 1)
	assert.Equal(t, chunkID, got.Messages[1].RetrievedChunks[0].ChunkID)

	_, err = repo.AppendMessage(ctx, uuid.New(), conversation.Message{Role: conversation.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationRepository_ListAndDelete(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	repo := NewConversationRepository(db)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := repo.Create(ctx, conversation.OpenChat{}, conversation.Message{Role: conversation.RoleUser, Content: "hello", Tokens: 1})
	require.NoError(t, err)
	second, err := repo.Create(ctx, conversation.OpenChat{}, conversation.Message{Role: conversation.RoleUser, Content: "hi", Tokens: 1})
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, first.ID, conversation.Message{Role: conversation.RoleAssistant, Content: "hey", Tokens: 1})
	require.NoError(t, err)

	summaries, err := repo.List(ctx, conversation.DefaultListLimit)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, first.ID, summaries[0].ID)
	assert.Equal(t, 2, summaries[0].MessageCount)
	assert.Equal(t, "hello", summaries[0].Preview)
	assert.Equal(t, second.ID, summaries[1].ID)

	limited, err := repo.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, repo.Delete(ctx, first.ID))
	_, err = repo.Get(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationLocker(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	locker := NewConversationLocker(db, 200*time.Millisecond)
	id := uuid.New()

	unlock, err := locker.Lock(ctx, id)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, id)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.True(t, domain.IsRetryable(err))

	unlock()
	unlock()

	unlockAgain, err := locker.Lock(ctx, id)
	require.NoError(t, err)
	unlockAgain()
}

// newTestPool はテスト用に最大接続数を絞ったプールを作成します
func newTestPool(t *testing.T, maxConns int32) *database.Database {
	t.Helper()
	db, err := database.New(context.Background(), testParams, database.WithMaxConns(maxConns))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestConversationLocker_ConcurrentTurnsDoNotStarveDataPool(t *testing.T) {
	// Setup
	requireDB(t)
	const turns = 6
	dataDB := newTestPool(t, 2)
	lockDB := newTestPool(t, turns)
	repo := NewConversationRepository(dataDB)
	locker := NewConversationLocker(lockDB, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ids := make([]uuid.UUID, turns)
	for i := range ids {
		conv, err := repo.Create(ctx, conversation.OpenChat{}, conversation.Message{
			Role: conversation.RoleUser, Content: fmt.Sprintf("question %d", i), Tokens: 2,
		})
		require.NoError(t, err)
		ids[i] = conv.ID
	}

	// Execute
	ready := make(chan struct{})
	var eg errgroup.Group
	for _, id := range ids {
		eg.Go(func() error {
			unlock, err := locker.Lock(ctx, id)
			if err != nil {
				return err
			}
			defer unlock()
			<-ready

			if _, err := repo.Get(ctx, id); err != nil {
				return err
			}
			_, err = repo.AppendMessage(ctx, id, conversation.Message{
				Role: conversation.RoleAssistant, Content: "answer", Tokens: 1,
			})
			return err
		})
	}
	// 全ターンがロックを保持した状態でデータ用プールへアクセスさせる
	require.Eventually(t, func() bool {
		return lockDB.Pool.Stat().AcquiredConns() == turns
	}, 5*time.Second, 10*time.Millisecond)
	close(ready)

	// Assert
	require.NoError(t, eg.Wait())
	for _, id := range ids {
		conv, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, conv.Messages, 2)
	}
}

func TestConversationLocker_FailedUnlockDiscardsConnection(t *testing.T) {
	// Setup
	db := requireDB(t)
	ctx := context.Background()
	lockDB := newTestPool(t, 1)
	locker := NewConversationLocker(lockDB, 2*time.Second)
	id := uuid.New()

	unlock, err := locker.Lock(ctx, id)
	require.NoError(t, err)

	// ロックを保持しているバックエンドを切断し、解放クエリを失敗させる
	var terminated bool
	err = db.Pool.QueryRow(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_locks
		WHERE locktype = 'advisory' AND granted AND pid <> pg_backend_pid()
		LIMIT 1`).Scan(&terminated)
	require.NoError(t, err)
	require.True(t, terminated)

	// Execute
	unlock()

	// Assert
	assert.Zero(t, lockDB.Pool.Stat().IdleConns())

	unlockAgain, err := locker.Lock(ctx, id)
	require.NoError(t, err)
	unlockAgain()
}

func TestChunkRefsJSON(t *testing.T) {
	data, err := ChunkRefsToJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	refs := []conversation.ChunkRef{{DocumentID: uuid.New(), ChunkID: uuid.New(), Score: 0.5}}
	data, err = ChunkRefsToJSON(refs)
	require.NoError(t, err)

	decoded, err := JSONToChunkRefs(data)
	require.NoError(t, err)
	assert.Equal(t, refs, decoded)
}
