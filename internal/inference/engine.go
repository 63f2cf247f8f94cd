// Package inference defines the contract with the external LLM runtime and
// runs requests against it.
package inference

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrModelNotLoaded is returned by Generate before LoadModel succeeds.
var ErrModelNotLoaded = errors.New("model not loaded")

// Params tune a single generation.
type Params struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
}

// Token is one streamed piece of output. Err is set on the final token when
// the stream failed.
type Token struct {
	Text string
	Err  error
}

// Engine is the external inference runtime.
type Engine interface {
	LoadModel(ctx context.Context, path string, contextSize int) error
	UnloadModel() error
	IsModelLoaded() bool
	IsGenerating() bool
	MemoryUsage() uint64
	Generate(ctx context.Context, prompt string, params Params) (<-chan Token, error)
}

// ThreadController is implemented by engines whose worker count can be tuned.
type ThreadController interface {
	SetThreads(n int)
}

// GPUController is implemented by engines that can toggle GPU offload.
type GPUController interface {
	SetGPUEnabled(enabled bool)
}

// KVCacheClearer is implemented by engines that can drop their KV cache.
type KVCacheClearer interface {
	ClearKVCache() error
}

// Request is an inference request, queued while inference is not allowed.
type Request struct {
	ID        uuid.UUID `json:"id"`
	Prompt    string    `json:"prompt"`
	Params    Params    `json:"params"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRequest stamps a request with a fresh ID.
func NewRequest(prompt string, params Params) Request {
	return Request{
		ID:        uuid.New(),
		Prompt:    prompt,
		Params:    params,
		Timestamp: time.Now().UTC(),
	}
}
