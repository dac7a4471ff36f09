package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"

	"github.com/jinford/rag-chat/internal/core/chat"
	"github.com/jinford/rag-chat/internal/core/domain"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// DefaultTemperature はデフォルトの温度
	DefaultTemperature = 0.7
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

// Client は OpenAI Chat Completions API を使用した補完クライアント
type Client struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
}

type clientOptions struct {
	model             string
	baseURL           string
	timeout           time.Duration
	temperature       float64
	maxTokens         int
	maxRetries        int
	requestsPerSecond float64
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		o.model = model
	}
}

// WithBaseURL はAPIのベースURLを上書きする
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithTimeout はAPI呼び出しのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithTemperature は温度を設定する
func WithTemperature(temperature float64) ClientOption {
	return func(o *clientOptions) {
		o.temperature = temperature
	}
}

// WithMaxTokens は最大生成トークン数を設定する（0 は無制限）
func WithMaxTokens(maxTokens int) ClientOption {
	return func(o *clientOptions) {
		o.maxTokens = maxTokens
	}
}

// WithMaxRetries はSDKの自動リトライ回数を設定する
func WithMaxRetries(retries int) ClientOption {
	return func(o *clientOptions) {
		o.maxRetries = retries
	}
}

// WithRequestsPerSecond はクライアント側の送信レートを制限する（0 は無制限）
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(o *clientOptions) {
		o.requestsPerSecond = rps
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:       DefaultModel,
		timeout:     DefaultTimeout,
		temperature: DefaultTemperature,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.timeout <= 0 {
		options.timeout = DefaultTimeout
	}

	requestOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(options.maxRetries),
	}
	if options.baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(options.baseURL))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if options.requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.requestsPerSecond), 1)
	}

	return &Client{
		client:      openai.NewClient(requestOpts...),
		model:       options.model,
		timeout:     options.timeout,
		temperature: options.temperature,
		maxTokens:   options.maxTokens,
		limiter:     limiter,
	}, nil
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// Complete はメッセージ列から応答を生成する
// 429 は domain.ErrRateLimited、期限切れは domain.ErrTimeout、それ以外は domain.ErrUpstreamUnavailable
func (c *Client) Complete(ctx context.Context, messages []chat.PromptMessage) (*chat.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return nil, err
		}
		return nil, fmt.Errorf("%w: rate limiter wait failed: %w", domain.ErrTimeout, err)
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    toMessageParams(messages),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(ctx, fmt.Errorf("OpenAI API call failed: %w", err))
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices returned", domain.ErrUpstreamUnavailable)
	}

	return &chat.Completion{
		Content: completion.Choices[0].Message.Content,
		Tokens:  int(completion.Usage.TotalTokens),
		Model:   string(completion.Model),
	}, nil
}

func toMessageParams(messages []chat.PromptMessage) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case chat.PromptRoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case chat.PromptRoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

// classifyError は OpenAI のエラーをドメインのエラーに対応付ける
func classifyError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
	}

	return fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
}

// インターフェース実装の確認
var _ chat.Completer = (*Client)(nil)
