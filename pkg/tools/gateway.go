// Package tools defines the tool gateway contract and the binding
// executor that runs BEFORE/DURING/AFTER tool bindings during a turn.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// Spec describes one callable tool.
type Spec struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Result is a tool's structured output.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
	Raw    string         `json:"raw,omitempty"`
}

// Gateway executes tools on behalf of the pipeline. The idempotency key
// deduplicates externally visible side effects; providers may use it as a
// request token.
type Gateway interface {
	Execute(ctx context.Context, t repo.Tenant, toolID string, args map[string]any, idempotencyKey string) (*Result, error)
	ListTools(ctx context.Context, t repo.Tenant) ([]Spec, error)
}

// Func is a locally registered tool implementation.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// LocalGateway is the in-process reference gateway: a function registry
// plus optional HTTP tool endpoints.
type LocalGateway struct {
	mu    sync.RWMutex
	specs map[string]Spec
	funcs map[string]Func
	urls  map[string]string
	http  *http.Client
}

// NewLocalGateway creates an empty gateway.
func NewLocalGateway() *LocalGateway {
	return &LocalGateway{
		specs: map[string]Spec{},
		funcs: map[string]Func{},
		urls:  map[string]string{},
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

var _ Gateway = (*LocalGateway)(nil)

// Register adds a local function tool.
func (g *LocalGateway) Register(spec Spec, fn Func) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specs[spec.ID] = spec
	g.funcs[spec.ID] = fn
}

// RegisterHTTP adds a tool backed by an HTTP endpoint. Arguments are
// posted as JSON; the response body must be a JSON object.
func (g *LocalGateway) RegisterHTTP(spec Spec, url string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specs[spec.ID] = spec
	g.urls[spec.ID] = url
}

func (g *LocalGateway) Execute(ctx context.Context, _ repo.Tenant, toolID string, args map[string]any, idempotencyKey string) (*Result, error) {
	g.mu.RLock()
	fn, isFunc := g.funcs[toolID]
	url, isHTTP := g.urls[toolID]
	g.mu.RUnlock()

	switch {
	case isFunc:
		out, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return &Result{Output: out}, nil
	case isHTTP:
		return g.executeHTTP(ctx, url, args, idempotencyKey)
	default:
		return nil, fmt.Errorf("tool %s: %w", toolID, serviceerr.ErrNotFound)
	}
}

func (g *LocalGateway) executeHTTP(ctx context.Context, url string, args map[string]any, idempotencyKey string) (*Result, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding tool args: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", serviceerr.ErrConnection)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("reading tool response: %w", serviceerr.ErrConnection)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("tool returned status %d: %w", resp.StatusCode, serviceerr.ErrConnection)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool returned status %d: %w", resp.StatusCode, serviceerr.ErrInvalidInput)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return &Result{Raw: buf.String()}, nil
	}
	return &Result{Output: out, Raw: buf.String()}, nil
}

func (g *LocalGateway) ListTools(_ context.Context, _ repo.Tenant) ([]Spec, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Spec, 0, len(g.specs))
	for _, s := range g.specs {
		out = append(out, s)
	}
	return out, nil
}
