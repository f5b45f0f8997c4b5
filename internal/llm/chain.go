package llm

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

// Chain tries its backends strictly in order. Every Invoke starts at the
// first backend; a throttled backend advances to the next one, any other
// failure aborts the call.
type Chain struct {
	backends []Backend
	logger   *log.Logger
}

// ChainOpts holds parameters for creating a Chain.
type ChainOpts struct {
	Backends []Backend   // most preferred first
	Logger   *log.Logger // defaults to log.Default()
}

// NewChain creates a Chain.
func NewChain(opts ChainOpts) (*Chain, error) {
	if len(opts.Backends) == 0 {
		return nil, fmt.Errorf("llm: chain: at least one backend is required")
	}
	for i, b := range opts.Backends {
		if b == nil {
			return nil, fmt.Errorf("llm: chain: backend %d is nil", i)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	backends := make([]Backend, len(opts.Backends))
	copy(backends, opts.Backends)
	return &Chain{
		backends: backends,
		logger:   logger.With("component", "llm"),
	}, nil
}

// Models returns the backend names in fallback order.
func (c *Chain) Models() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// Invoke sends messages to the first backend that is not throttled. It
// returns *ExhaustedFallbackError when all of them were.
func (c *Chain) Invoke(ctx context.Context, messages []Message) (Message, error) {
	var attempts []string
	var last error

	for _, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return Message{}, fmt.Errorf("llm: invoke: %w", err)
		}

		attempts = append(attempts, b.Name())
		reply, err := b.Generate(ctx, messages)
		if err == nil {
			if len(attempts) > 1 {
				c.logger.Info("fallback model answered", "model", b.Name(), "attempts", len(attempts))
			}
			return reply, nil
		}

		if !IsThrottled(err) {
			return Message{}, fmt.Errorf("llm: %s: %w", b.Name(), err)
		}

		c.logger.Warn("model rate limited, trying next", "model", b.Name(), "err", err)
		last = err
	}

	return Message{}, &ExhaustedFallbackError{Attempts: attempts, Last: last}
}
