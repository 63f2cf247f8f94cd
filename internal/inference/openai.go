package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig locates an OpenAI-compatible runtime such as a local
// llama.cpp server.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
}

// OpenAIEngine adapts an OpenAI-compatible chat completion endpoint to
// Engine. The runtime owns the weights; load and unload track whether the
// governor allows it to be used.
type OpenAIEngine struct {
	client       *openai.Client
	systemPrompt string
	logger       *slog.Logger

	mu          sync.Mutex
	model       string
	loaded      bool
	contextSize int
	memory      uint64
	threads     int
	gpu         bool

	generating atomic.Int32
}

// NewOpenAIEngine builds an engine for cfg.
func NewOpenAIEngine(cfg OpenAIConfig, logger *slog.Logger) *OpenAIEngine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIEngine{
		client:       openai.NewClientWithConfig(clientCfg),
		systemPrompt: cfg.SystemPrompt,
		logger:       logger.With("component", "openai_engine"),
		model:        cfg.Model,
		gpu:          true,
	}
}

// LoadModel checks that the runtime serves a model. A path naming a local
// file is used to estimate the resident size.
func (e *OpenAIEngine) LoadModel(ctx context.Context, path string, contextSize int) error {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == "" {
		if len(models.Models) == 0 {
			return errors.New("runtime serves no models")
		}
		e.model = models.Models[0].ID
	}

	var size uint64
	if path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			size = uint64(info.Size())
		}
	}
	e.loaded = true
	e.contextSize = contextSize
	e.memory = size
	e.logger.Info("model loaded", "model", e.model, "context_size", contextSize)
	return nil
}

// UnloadModel implements Engine.
func (e *OpenAIEngine) UnloadModel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil
	}
	e.loaded = false
	e.memory = 0
	e.logger.Info("model unloaded", "model", e.model)
	return nil
}

// IsModelLoaded implements Engine.
func (e *OpenAIEngine) IsModelLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// IsGenerating implements Engine.
func (e *OpenAIEngine) IsGenerating() bool { return e.generating.Load() > 0 }

// MemoryUsage implements Engine.
func (e *OpenAIEngine) MemoryUsage() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memory
}

// SetThreads implements ThreadController. The value is recorded for the
// runtime's next restart.
func (e *OpenAIEngine) SetThreads(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.threads != n {
		e.threads = n
		e.logger.Info("thread hint changed", "threads", n)
	}
}

// SetGPUEnabled implements GPUController.
func (e *OpenAIEngine) SetGPUEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gpu != enabled {
		e.gpu = enabled
		e.logger.Info("gpu offload hint changed", "enabled", enabled)
	}
}

// Hints returns the recorded thread and GPU hints.
func (e *OpenAIEngine) Hints() (threads int, gpu bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threads, e.gpu
}

// Generate streams a chat completion for prompt.
func (e *OpenAIEngine) Generate(ctx context.Context, prompt string, params Params) (<-chan Token, error) {
	e.mu.Lock()
	loaded, model := e.loaded, e.model
	e.mu.Unlock()
	if !loaded {
		return nil, ErrModelNotLoaded
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Stream:      true,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	}
	if e.systemPrompt != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: e.systemPrompt})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	e.generating.Add(1)
	stream, err := e.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		e.generating.Add(-1)
		return nil, fmt.Errorf("start completion stream: %w", err)
	}

	out := make(chan Token, 16)
	go func() {
		defer close(out)
		defer e.generating.Add(-1)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- Token{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- Token{Text: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
