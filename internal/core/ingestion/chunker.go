package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ChunkStrategy はチャンク分割方式
type ChunkStrategy string

const (
	// ChunkStrategyChars は文字数境界で分割する（既定）
	ChunkStrategyChars ChunkStrategy = "chars"
	// ChunkStrategyWords は単語境界に寄せて分割する
	ChunkStrategyWords ChunkStrategy = "words"
)

// DefaultChunkSize は1チャンクの既定最大文字数
const DefaultChunkSize = 500

// Chunker はテキストを size 文字以下の断片に分割する純粋関数
type Chunker interface {
	Split(text string, size int) []string
}

// NewChunker は方式名から Chunker を返す
func NewChunker(strategy ChunkStrategy) (Chunker, error) {
	switch strategy {
	case "", ChunkStrategyChars:
		return CharChunker{}, nil
	case ChunkStrategyWords:
		return WordChunker{}, nil
	default:
		return nil, fmt.Errorf("unknown chunk strategy: %s", strategy)
	}
}

// CharChunker は文字（rune）数で区切る
// 連結すると元のテキストと完全に一致する
type CharChunker struct{}

// Split はテキストを size 文字ごとに分割する
func (CharChunker) Split(text string, size int) []string {
	if text == "" || size <= 0 {
		return nil
	}

	chunks := make([]string, 0, utf8.RuneCountInString(text)/size+1)
	start, count := 0, 0
	for i := range text {
		if count == size {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	chunks = append(chunks, text[start:])

	return chunks
}

// WordChunker は空白区切りの単語を貪欲に詰める
// 単語間の空白は1つのスペースに正規化される。size を超える単語は文字境界で分割する
type WordChunker struct{}

// Split はテキストを単語境界で分割する
func (WordChunker) Split(text string, size int) []string {
	if size <= 0 {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
		length  int
	)
	flush := func() {
		if length > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			length = 0
		}
	}

	for _, word := range strings.Fields(text) {
		wordLen := utf8.RuneCountInString(word)

		if wordLen > size {
			flush()
			pieces := CharChunker{}.Split(word, size)
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			last := pieces[len(pieces)-1]
			current.WriteString(last)
			length = utf8.RuneCountInString(last)
			continue
		}

		if length > 0 && length+1+wordLen > size {
			flush()
		}
		if length > 0 {
			current.WriteByte(' ')
			length++
		}
		current.WriteString(word)
		length += wordLen
	}
	flush()

	return chunks
}
