package chat_test

import "github.com/jinford/rag-chat/internal/core/document"

func documentParams() document.CreateParams {
	return document.CreateParams{
		Filename:    "doc.txt",
		ContentType: "text/plain",
		Chunks: []document.NewChunk{
			{Text: "alpha", Embedding: []float32{1, 0}},
			{Text: "omega", Embedding: []float32{0, 1}},
		},
	}
}
