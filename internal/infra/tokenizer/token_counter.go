package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/rag-chat/internal/core/chat"
)

// DefaultEncoding はトークン数の計算に使うエンコーディング
const DefaultEncoding = "cl100k_base"

// TokenCounter は tiktoken でトークン数を数える
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しいTokenCounterを作成する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &TokenCounter{encoding: encoding}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// EstimateCounter は文字数から見積もる TokenCounter
// エンコーディングを読み込めない環境で使う
type EstimateCounter struct{}

// CountTokens は4バイトを1トークンとして見積もる
func (EstimateCounter) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens はバイト数/4 で見積もる。空でなければ最低1
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if n := len(text) / 4; n > 0 {
		return n
	}
	return 1
}

var (
	_ chat.TokenCounter = (*TokenCounter)(nil)
	_ chat.TokenCounter = EstimateCounter{}
)
