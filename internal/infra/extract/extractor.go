package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-enry/go-enry/v2"
	"github.com/ledongthuc/pdf"

	"github.com/jinford/rag-chat/internal/core/domain"
	"github.com/jinford/rag-chat/internal/core/ingestion"
)

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeText = "text/plain"
)

var textExtensions = map[string]struct{}{
	".txt":      {},
	".text":     {},
	".md":       {},
	".markdown": {},
}

// Extractor はPDFとプレーンテキストからテキストを抽出する
type Extractor struct{}

// NewExtractor は新しい Extractor を作成する
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract はファイル形式を判定してテキストを抽出する
// 拡張子で判定できない場合は内容から推定する
func (e *Extractor) Extract(ctx context.Context, filename string, data []byte) (*ingestion.Extracted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch DetectContentType(filename, data) {
	case ContentTypePDF:
		text, err := extractPDF(data)
		if err != nil {
			return nil, err
		}
		return &ingestion.Extracted{Text: text, ContentType: ContentTypePDF}, nil
	case ContentTypeText:
		text, err := extractText(filename, data)
		if err != nil {
			return nil, err
		}
		return &ingestion.Extracted{Text: text, ContentType: ContentTypeText}, nil
	default:
		return nil, fmt.Errorf("%w: %s (only PDF and TXT are supported)", domain.ErrUnsupportedFormat, filename)
	}
}

// DetectContentType は拡張子、次にファイル内容から形式を判定する
// 判定できない場合は空文字を返す
func DetectContentType(filename string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".pdf" {
		return ContentTypePDF
	}
	if _, ok := textExtensions[ext]; ok {
		return ContentTypeText
	}
	if ext != "" {
		return ""
	}

	sniffed := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(sniffed, ContentTypePDF):
		return ContentTypePDF
	case strings.HasPrefix(sniffed, "text/plain"):
		return ContentTypeText
	default:
		return ""
	}
}

func extractText(filename string, data []byte) (string, error) {
	if enry.IsBinary(data) || !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not a text file", domain.ErrUnsupportedFormat, filename)
	}
	return string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), nil
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: failed to open PDF: %v", domain.ErrUnsupportedFormat, err)
	}

	return extractPages(reader.NumPage(), func(i int) (textPage, bool) {
		page := reader.Page(i)
		if page.V.IsNull() {
			return nil, false
		}
		return page, true
	})
}

// textPage はテキストを取り出せる PDF ページ
type textPage interface {
	GetPlainText(fonts map[string]*pdf.Font) (string, error)
}

// extractPages は 1 始まりのページ番号順にテキストを連結する
// ページの解析に失敗した PDF は形式不正として扱う
func extractPages(count int, pageAt func(i int) (textPage, bool)) (string, error) {
	var sb strings.Builder
	for i := 1; i <= count; i++ {
		page, ok := pageAt(i)
		if !ok {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: failed to extract text from page %d: %v", domain.ErrUnsupportedFormat, i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

var _ ingestion.Extractor = (*Extractor)(nil)
