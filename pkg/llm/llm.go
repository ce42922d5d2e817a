// Package llm defines the generation and embedding capabilities the
// pipeline depends on, plus an OpenAI-compatible HTTP provider and a
// deterministic stub for tests.
package llm

import "context"

// Message is one chat message in a generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral generation request.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is the provider's answer with token accounting.
type Response struct {
	Content    string
	TokensUsed int
}

// StreamChunk is one streamed token delta. Err terminates the stream.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	// GenerateStream yields chunks on the returned channel. The channel is
	// closed after a Done or Err chunk.
	GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
