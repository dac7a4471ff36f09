package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/conversation"
	"github.com/jinford/rag-chat/internal/core/document"
	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/core/ingestion"
	"github.com/jinford/rag-chat/internal/core/search"
	"github.com/jinford/rag-chat/internal/infra/embedding"
	"github.com/jinford/rag-chat/internal/infra/extract"
	"github.com/jinford/rag-chat/internal/infra/memory"
	"github.com/jinford/rag-chat/internal/infra/openai"
	"github.com/jinford/rag-chat/internal/infra/postgres"
	"github.com/jinford/rag-chat/internal/infra/tokenizer"
	"github.com/jinford/rag-chat/internal/platform/config"
	"github.com/jinford/rag-chat/internal/platform/database"
)

// ServiceContainer はアプリケーションのサービスと依存関係を保持する
type ServiceContainer struct {
	IngestService *ingestion.Service
	SearchService *search.Service
	ChatService   *chat.Service

	logger       *slog.Logger
	database     *database.Database
	lockDatabase *database.Database
}

type containerOptions struct {
	logger        *slog.Logger
	embedder      ingestion.Embedder
	completer     chat.Completer
	extractor     ingestion.Extractor
	documents     document.Repository
	conversations conversation.Repository
	index         search.Index
	locker        conversation.Locker
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder ingestion.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerCompleter は補完クライアントを差し替える
func WithContainerCompleter(completer chat.Completer) ContainerOption {
	return func(opts *containerOptions) {
		opts.completer = completer
	}
}

// WithContainerExtractor はテキスト抽出器を差し替える
func WithContainerExtractor(extractor ingestion.Extractor) ContainerOption {
	return func(opts *containerOptions) {
		opts.extractor = extractor
	}
}

// WithContainerDocumentRepository はドキュメントストアを差し替える
// 差し替えた場合の検索インデックスは LinearIndex になる
func WithContainerDocumentRepository(repo document.Repository) ContainerOption {
	return func(opts *containerOptions) {
		opts.documents = repo
	}
}

// WithContainerConversationRepository は会話ストアを差し替える
func WithContainerConversationRepository(repo conversation.Repository) ContainerOption {
	return func(opts *containerOptions) {
		opts.conversations = repo
	}
}

// NewContainer は設定からコンテナを生成する
// STORE_BACKEND=postgres の場合は接続してスキーマを適用する
func NewContainer(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: logger}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	var db, lockDB *database.Database
	closeDatabases := func() {
		if lockDB != nil {
			lockDB.Close()
		}
		if db != nil {
			db.Close()
		}
	}
	if cfg.Store.Backend == config.StoreBackendPostgres && (options.documents == nil || options.conversations == nil) {
		params := database.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		var err error
		db, err = database.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			closeDatabases()
			return nil, fmt.Errorf("スキーマ適用に失敗しました: %w", err)
		}
		if options.conversations == nil {
			// 会話ロックはターン中ずっと接続を占有するため、データ用プールとは分ける
			lockDB, err = database.New(ctx, params, database.WithMaxConns(int32(cfg.Chat.LockPoolSize)))
			if err != nil {
				closeDatabases()
				return nil, fmt.Errorf("ロック用データベース初期化に失敗しました: %w", err)
			}
		}
		wirePostgres(&options, db, lockDB, cfg)
	}
	wireMemory(&options, cfg)

	c, err := newContainer(cfg, options)
	if err != nil {
		closeDatabases()
		return nil, err
	}
	c.database = db
	c.lockDatabase = lockDB
	return c, nil
}

func wirePostgres(options *containerOptions, db, lockDB *database.Database, cfg *config.Config) {
	if options.documents == nil {
		documents := postgres.NewDocumentRepository(db)
		options.documents = documents
		options.index = postgres.NewChunkIndex(documents)
	}
	if options.conversations == nil {
		options.conversations = postgres.NewConversationRepository(db)
		options.locker = postgres.NewConversationLocker(lockDB, cfg.Chat.LockTimeout)
	}
}

func wireMemory(options *containerOptions, cfg *config.Config) {
	if options.documents == nil {
		options.documents = memory.NewDocumentStore()
	}
	if options.index == nil {
		options.index = search.NewLinearIndex(options.documents)
	}
	if options.conversations == nil {
		options.conversations = memory.NewConversationStore()
	}
	if options.locker == nil {
		options.locker = conversation.NewKeyedMutex(cfg.Chat.LockTimeout)
	}
}

func newContainer(cfg *config.Config, options containerOptions) (*ServiceContainer, error) {
	logger := options.logger

	// Embedder
	embedder := options.embedder
	if embedder == nil {
		var err error
		embedder, err = newEmbedder(cfg)
		if err != nil {
			return nil, err
		}
	}
	if e, ok := embedder.(*openai.Embedder); ok {
		meta := e.Metadata()
		logger.Info("embedder configured", "provider", config.EmbedderProviderOpenAI, "model", meta.ModelName, "dimension", meta.Dimension)
	}

	// Completer (OpenAI)
	completer := options.completer
	if completer == nil {
		client, err := openai.NewClient(
			cfg.OpenAI.APIKey,
			openai.WithModel(cfg.OpenAI.ChatModel),
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithTimeout(cfg.Chat.CompletionTimeout),
			openai.WithTemperature(cfg.OpenAI.Temperature),
			openai.WithMaxTokens(cfg.OpenAI.MaxTokens),
			openai.WithMaxRetries(cfg.OpenAI.MaxRetries),
			openai.WithRequestsPerSecond(cfg.OpenAI.RequestsPerSecond),
		)
		if err != nil {
			logger.Warn("completion client is not configured; chat turns will fail", "error", err)
			completer = unconfiguredCompleter{err: err}
		} else {
			logger.Info("completion client configured", "model", client.ModelName())
			completer = client
		}
	}

	extractor := options.extractor
	if extractor == nil {
		extractor = extract.NewExtractor()
	}

	chunker, err := ingestion.NewChunker(ingestion.ChunkStrategy(cfg.RAG.ChunkStrategy))
	if err != nil {
		return nil, err
	}

	ingestService := ingestion.NewService(
		options.documents,
		extractor,
		embedder,
		ingestion.WithIngestLogger(logger),
		ingestion.WithChunker(chunker),
		ingestion.WithChunkSize(cfg.RAG.ChunkSize),
		ingestion.WithPipelineConfig(&ingestion.PipelineConfig{
			EmbeddingWorkerCount: cfg.RAG.EmbedWorkers,
			EmbeddingBatchSize:   ingestion.DefaultEmbeddingBatchSize,
		}),
	)

	searchService := search.NewService(
		options.index,
		embedder,
		search.WithSearchLogger(logger),
		search.WithTopK(cfg.RAG.TopK),
	)
	logger.Debug("retrieval configured", "topK", searchService.TopK())

	// TokenCounter (tiktoken)
	var tokens chat.TokenCounter
	counter, err := tokenizer.NewTokenCounter()
	if err != nil {
		logger.Warn("tiktoken encoding unavailable; falling back to estimate", "error", err)
		tokens = tokenizer.EstimateCounter{}
	} else {
		tokens = counter
	}

	prompts := chat.NewPromptBuilder(
		promptTemplates(cfg.Prompts),
		cfg.RAG.HistoryWindow,
		chat.TruncateOldestFirst(cfg.RAG.MaxPromptChars),
	)

	chatService := chat.NewService(
		options.conversations,
		options.documents,
		searchService,
		completer,
		chat.WithChatLogger(logger),
		chat.WithLocker(options.locker),
		chat.WithTokenCounter(tokens),
		chat.WithPromptBuilder(prompts),
		chat.WithTopK(cfg.RAG.TopK),
		chat.WithCompletionTimeout(cfg.Chat.CompletionTimeout),
	)

	return &ServiceContainer{
		IngestService: ingestService,
		SearchService: searchService,
		ChatService:   chatService,
		logger:        logger,
	}, nil
}

func newEmbedder(cfg *config.Config) (ingestion.Embedder, error) {
	switch cfg.Embedder.Provider {
	case config.EmbedderProviderOpenAI:
		return openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
			openai.WithEmbeddingBaseURL(cfg.OpenAI.BaseURL),
		), nil
	default:
		hashingOpts := []embedding.HashingOption{embedding.WithDimension(cfg.Embedder.Dimension)}
		if cfg.Embedder.WeightsFile != "" {
			weights, err := embedding.LoadWeights(cfg.Embedder.WeightsFile)
			if err != nil {
				return nil, err
			}
			hashingOpts = append(hashingOpts, embedding.WithWeights(weights))
		}
		embedder, err := embedding.NewHashingEmbedder(hashingOpts...)
		if err != nil {
			return nil, err
		}
		return embedder, nil
	}
}

// promptTemplates は設定の上書きをデフォルトテンプレートへ重ねる
func promptTemplates(overrides config.PromptsConfig) chat.PromptTemplates {
	templates := chat.DefaultPromptTemplates()
	if overrides.OpenChat != "" {
		templates.OpenChat = overrides.OpenChat
	}
	if overrides.RAG != "" {
		templates.RAG = overrides.RAG
	}
	if overrides.ContextHeader != "" {
		templates.ContextHeader = overrides.ContextHeader
	}
	if overrides.NoContext != "" {
		templates.NoContext = overrides.NoContext
	}
	return templates
}

// unconfiguredCompleter は API キー未設定時の補完クライアント
type unconfiguredCompleter struct {
	err error
}

func (u unconfiguredCompleter) Complete(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
	return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, u.err)
}

// Close は内部リソースを解放する
func (c *ServiceContainer) Close() {
	if c.lockDatabase != nil {
		c.lockDatabase.Close()
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はコンテナのロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	return c.logger
}
