package ingestion

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharChunker_Split(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{name: "empty", text: "", size: 10, want: nil},
		{name: "shorter than size", text: "hello", size: 10, want: []string{"hello"}},
		{name: "exact size", text: "abcde", size: 5, want: []string{"abcde"}},
		{name: "remainder", text: "abcdefg", size: 3, want: []string{"abc", "def", "g"}},
		{name: "multibyte", text: "あいうえお", size: 2, want: []string{"あい", "うえ", "お"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CharChunker{}.Split(tt.text, tt.size))
		})
	}
}

func TestCharChunker_ThousandCharsIntoTwo(t *testing.T) {
	text := strings.Repeat("a", 500) + strings.Repeat("b", 500)

	chunks := CharChunker{}.Split(text, 500)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 500), chunks[0])
	assert.Equal(t, strings.Repeat("b", 500), chunks[1])
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestCharChunker_ReconstructsAndIsDeterministic(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 37) + "終わり"

	first := CharChunker{}.Split(text, 64)
	second := CharChunker{}.Split(text, 64)

	assert.Equal(t, first, second)
	assert.Equal(t, text, strings.Join(first, ""))
	for _, c := range first {
		assert.NotEmpty(t, c)
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 64)
	}
}

func TestWordChunker_Split(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{name: "empty", text: "", size: 10, want: nil},
		{name: "whitespace only", text: " \n\t ", size: 10, want: nil},
		{name: "single segment", text: "hello world", size: 20, want: []string{"hello world"}},
		{name: "greedy packing", text: "aa bb cc dd", size: 5, want: []string{"aa bb", "cc dd"}},
		{name: "long word split", text: "abcdefgh ij", size: 3, want: []string{"abc", "def", "gh", "ij"}},
		{name: "long word tail packs", text: "abcd e", size: 3, want: []string{"abc", "d e"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WordChunker{}.Split(tt.text, tt.size))
		})
	}
}

func TestWordChunker_NeverDropsCharacters(t *testing.T) {
	text := "Lorem ipsum   dolor sit amet,\nconsectetur adipiscing elit. Supercalifragilisticexpialidocious words too."

	chunks := WordChunker{}.Split(text, 12)

	var joined strings.Builder
	for _, c := range chunks {
		require.NotEmpty(t, c)
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 12)
		joined.WriteString(strings.ReplaceAll(c, " ", ""))
	}
	assert.Equal(t, strings.Join(strings.Fields(text), ""), joined.String())
}

func TestNewChunker(t *testing.T) {
	c, err := NewChunker("")
	require.NoError(t, err)
	assert.IsType(t, CharChunker{}, c)

	c, err = NewChunker(ChunkStrategyWords)
	require.NoError(t, err)
	assert.IsType(t, WordChunker{}, c)

	_, err = NewChunker("sentences")
	assert.Error(t, err)
}
