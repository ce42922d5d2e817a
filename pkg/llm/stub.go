package llm

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

// StubGenerator returns scripted responses for tests. Responses are
// consumed in order; when the script is exhausted the last entry repeats.
type StubGenerator struct {
	mu        sync.Mutex
	Responses []string
	Requests  []Request
	next      int
}

var _ Generator = (*StubGenerator)(nil)

func (s *StubGenerator) Generate(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	content := "OK"
	if len(s.Responses) > 0 {
		i := s.next
		if i >= len(s.Responses) {
			i = len(s.Responses) - 1
		}
		content = s.Responses[i]
		s.next++
	}
	return &Response{Content: content, TokensUsed: len(strings.Fields(content))}, nil
}

func (s *StubGenerator) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, len(resp.Content)+1)
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		ch <- StreamChunk{Content: word}
	}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// StubEmbedder produces deterministic embeddings derived from the input
// text, so equal texts embed identically and distinct texts differ.
type StubEmbedder struct {
	Dims int
}

var _ Embedder = (*StubEmbedder)(nil)

func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := s.Dims
	if dims == 0 {
		dims = 8
	}
	vec := make([]float32, dims)
	for i, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[(int(h.Sum32())+i)%dims] += 1
	}
	return vec, nil
}

func (s *StubEmbedder) Dimensions() int {
	if s.Dims == 0 {
		return 8
	}
	return s.Dims
}
