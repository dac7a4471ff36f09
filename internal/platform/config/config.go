package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ストアのバックエンド種別
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// 埋め込みプロバイダ種別
const (
	EmbedderProviderOpenAI  = "openai"
	EmbedderProviderHashing = "hashing"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// ストア設定
	Store StoreConfig

	// OpenAI設定（Chat Completion + Embeddings）
	OpenAI OpenAIConfig

	// 埋め込み設定
	Embedder EmbedderConfig

	// チャンク分割・検索・プロンプト設定
	RAG RAGConfig

	// 会話ターン設定
	Chat ChatConfig

	// ログ設定
	Log LogConfig

	// プロンプト上書き（PROMPTS_FILE）
	Prompts PromptsConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StoreConfig はドキュメント・会話ストアの設定
type StoreConfig struct {
	Backend string // "postgres" or "memory"
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	ChatModel          string
	EmbeddingModel     string
	EmbeddingDimension int
	MaxRetries         int
	RequestsPerSecond  float64 // 0は無制限
	Temperature        float64
	MaxTokens          int
}

// EmbedderConfig は埋め込みプロバイダ設定
type EmbedderConfig struct {
	Provider    string // "openai" or "hashing"
	Dimension   int    // hashing 用
	WeightsFile string // hashing 用トークン重み（YAML）
}

// RAGConfig はチャンク分割と検索の設定
type RAGConfig struct {
	ChunkSize      int
	ChunkStrategy  string // "chars" or "words"
	TopK           int
	HistoryWindow  int
	MaxPromptChars int // 0は無制限
	EmbedWorkers   int
}

// ChatConfig は会話ターンのタイムアウト設定
type ChatConfig struct {
	CompletionTimeout time.Duration
	LockTimeout       time.Duration
	// LockPoolSize は会話ロック専用プールの最大接続数で、同時に実行できるターン数の上限になる
	LockPoolSize int
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// PromptsConfig はシステムプロンプトの上書き設定
// 空のフィールドはデフォルトのまま使われます
type PromptsConfig struct {
	OpenChat      string `yaml:"open_chat"`
	RAG           string `yaml:"rag"`
	ContextHeader string `yaml:"context_header"`
	NoContext     string `yaml:"no_context"`
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	apiKey := getEnv("OPENAI_API_KEY", "")
	defaultProvider := EmbedderProviderHashing
	if apiKey != "" {
		defaultProvider = EmbedderProviderOpenAI
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "ragchat"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ragchat"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", StoreBackendPostgres),
		},
		OpenAI: OpenAIConfig{
			APIKey:             apiKey,
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			ChatModel:          getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			MaxRetries:         getEnvAsInt("OPENAI_MAX_RETRIES", 0),
			RequestsPerSecond:  getEnvAsFloat("OPENAI_REQUESTS_PER_SECOND", 0),
			Temperature:        getEnvAsFloat("OPENAI_TEMPERATURE", 0.7),
			MaxTokens:          getEnvAsInt("OPENAI_MAX_TOKENS", 1024),
		},
		Embedder: EmbedderConfig{
			Provider:    getEnv("EMBEDDER_PROVIDER", defaultProvider),
			Dimension:   getEnvAsInt("EMBEDDER_DIMENSION", 384),
			WeightsFile: getEnv("EMBEDDER_WEIGHTS_FILE", ""),
		},
		RAG: RAGConfig{
			ChunkSize:      getEnvAsInt("CHUNK_SIZE", 500),
			ChunkStrategy:  getEnv("CHUNK_STRATEGY", "chars"),
			TopK:           getEnvAsInt("TOP_K", 3),
			HistoryWindow:  getEnvAsInt("HISTORY_WINDOW", 10),
			MaxPromptChars: getEnvAsInt("MAX_PROMPT_CHARS", 0),
			EmbedWorkers:   getEnvAsInt("EMBED_WORKERS", 4),
		},
		Chat: ChatConfig{
			CompletionTimeout: getEnvAsDuration("COMPLETION_TIMEOUT", 60*time.Second),
			LockTimeout:       getEnvAsDuration("LOCK_TIMEOUT", 30*time.Second),
			LockPoolSize:      getEnvAsInt("LOCK_POOL_SIZE", 16),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if path := getEnv("PROMPTS_FILE", ""); path != "" {
		prompts, err := LoadPrompts(path)
		if err != nil {
			return nil, err
		}
		cfg.Prompts = prompts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPrompts はYAMLファイルからプロンプト上書き設定を読み込みます
func LoadPrompts(path string) (PromptsConfig, error) {
	var prompts PromptsConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return prompts, fmt.Errorf("failed to read prompts file: %w", err)
	}
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return prompts, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	return prompts, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND: %q", c.Store.Backend)
	}

	switch c.Embedder.Provider {
	case EmbedderProviderHashing:
		if c.Embedder.Dimension <= 0 {
			return fmt.Errorf("EMBEDDER_DIMENSION must be positive: %d", c.Embedder.Dimension)
		}
	case EmbedderProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("EMBEDDER_PROVIDER=openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown EMBEDDER_PROVIDER: %q", c.Embedder.Provider)
	}

	switch c.RAG.ChunkStrategy {
	case "chars", "words":
	default:
		return fmt.Errorf("unknown CHUNK_STRATEGY: %q", c.RAG.ChunkStrategy)
	}

	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive: %d", c.RAG.ChunkSize)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("TOP_K must be positive: %d", c.RAG.TopK)
	}
	if c.RAG.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW must not be negative: %d", c.RAG.HistoryWindow)
	}
	if c.RAG.MaxPromptChars < 0 {
		return fmt.Errorf("MAX_PROMPT_CHARS must not be negative: %d", c.RAG.MaxPromptChars)
	}
	if c.Chat.LockPoolSize <= 0 {
		return fmt.Errorf("LOCK_POOL_SIZE must be positive: %d", c.Chat.LockPoolSize)
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "30s"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
