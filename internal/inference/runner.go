package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/resgov/internal/cache"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/events"
)

// Completion is the outcome of a request.
type Completion struct {
	RequestID uuid.UUID     `json:"request_id"`
	Text      string        `json:"text"`
	Latency   time.Duration `json:"latency"`
	Cached    bool          `json:"cached"`
	Error     string        `json:"error,omitempty"`
	Finished  time.Time     `json:"finished"`
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Engine Engine
	Pool   *compute.Pool
	Memory *cache.Memory
	Disk   *cache.Disk
	Logger *slog.Logger
}

// Runner executes requests on the inference lane and caches responses.
type Runner struct {
	engine Engine
	pool   *compute.Pool
	memory *cache.Memory
	disk   *cache.Disk
	logger *slog.Logger

	lastLatency atomic.Int64
	completions *events.Topic[Completion]
}

// NewRunner builds a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		engine:      opts.Engine,
		pool:        opts.Pool,
		memory:      opts.Memory,
		disk:        opts.Disk,
		logger:      opts.Logger.With("component", "inference"),
		completions: events.NewTopic[Completion](0),
	}
}

// Completions returns the topic carrying finished requests.
func (r *Runner) Completions() *events.Topic[Completion] { return r.completions }

// LastLatency returns the latency of the most recent uncached generation.
func (r *Runner) LastLatency() (time.Duration, bool) {
	v := r.lastLatency.Load()
	return time.Duration(v), v > 0
}

// Execute runs req and waits for the full response.
func (r *Runner) Execute(ctx context.Context, req Request) (Completion, error) {
	key := cacheKey(req)
	if text, ok := r.lookup(key); ok {
		c := Completion{RequestID: req.ID, Text: text, Cached: true, Finished: time.Now().UTC()}
		r.completions.Publish(c)
		return c, nil
	}

	start := time.Now()
	text, err := compute.Submit(ctx, r.pool, compute.PriorityInference, func(ctx context.Context) (string, error) {
		return r.generate(ctx, req)
	})
	c := Completion{RequestID: req.ID, Text: text, Latency: time.Since(start), Finished: time.Now().UTC()}
	if err != nil {
		c.Error = err.Error()
		r.logger.Warn("inference failed", "request_id", req.ID, "err", err)
		r.completions.Publish(c)
		return c, err
	}

	r.lastLatency.Store(int64(c.Latency))
	r.store(key, text)
	r.logger.Debug("inference finished", "request_id", req.ID, "latency", c.Latency)
	r.completions.Publish(c)
	return c, nil
}

func (r *Runner) generate(ctx context.Context, req Request) (string, error) {
	tokens, err := r.engine.Generate(ctx, req.Prompt, req.Params)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for tok := range tokens {
		if tok.Err != nil {
			return b.String(), fmt.Errorf("generation stream: %w", tok.Err)
		}
		b.WriteString(tok.Text)
	}
	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

func (r *Runner) lookup(key string) (string, bool) {
	if r.memory != nil {
		if v, ok := r.memory.Get(key); ok {
			return string(v), true
		}
	}
	if r.disk != nil {
		if v, ok := r.disk.Get(key); ok {
			if r.memory != nil {
				r.memory.Set(key, v)
			}
			return string(v), true
		}
	}
	return "", false
}

func (r *Runner) store(key, text string) {
	if r.memory != nil {
		r.memory.Set(key, []byte(text))
	}
	if r.disk != nil {
		if err := r.disk.Set(key, []byte(text)); err != nil {
			r.logger.Debug("disk cache write failed", "err", err)
		}
	}
}

func cacheKey(req Request) string {
	return fmt.Sprintf("%d|%g|%g|%s", req.Params.MaxTokens, req.Params.Temperature, req.Params.TopP, req.Prompt)
}
