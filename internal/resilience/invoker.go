package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	playbook "github.com/parchmint/playbook-engine"
)

// InvokerConfig configures retry and timeout behavior around each
// completion call.
type InvokerConfig struct {
	// MaxRetries is the number of additional attempts after the first
	// failed call (default: 2).
	MaxRetries int

	// RetryDelay is the pause between attempts (default: 500ms).
	RetryDelay time.Duration

	// CallTimeout bounds each individual downstream call. A timed-out call
	// counts as an ordinary breaker failure (default: 60s).
	CallTimeout time.Duration
}

// DefaultInvokerConfig returns sensible defaults.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		MaxRetries:  2,
		RetryDelay:  500 * time.Millisecond,
		CallTimeout: 60 * time.Second,
	}
}

// Invoker wraps a CompletionService with a circuit breaker, bounded retries
// and an optional response cache. It implements playbook.CompletionService,
// so pipelines use it transparently in place of the raw client.
//
// Call outcomes are classified three ways: an open breaker fails fast with a
// CIRCUIT_OPEN engine error and no downstream call; per-call timeouts and
// transport errors count against the breaker and are retried; cooperative
// cancellation from the caller propagates immediately without either.
type Invoker struct {
	service playbook.CompletionService
	breaker *Breaker
	cache   playbook.CompletionCache
	config  InvokerConfig
	logger  *slog.Logger
	flight  singleflight.Group
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithCache enables response caching for deterministic prompts.
func WithCache(cache playbook.CompletionCache) InvokerOption {
	return func(inv *Invoker) {
		inv.cache = cache
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) InvokerOption {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// NewInvoker wraps service with the given breaker and retry policy.
func NewInvoker(service playbook.CompletionService, breaker *Breaker, config InvokerConfig, opts ...InvokerOption) *Invoker {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultInvokerConfig().RetryDelay
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultInvokerConfig().CallTimeout
	}
	inv := &Invoker{
		service: service,
		breaker: breaker,
		config:  config,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Breaker exposes the underlying circuit breaker for status reporting.
func (inv *Invoker) Breaker() *Breaker {
	return inv.breaker
}

// Complete executes a completion request through the breaker and retry
// policy. Identical requests are served from the cache when one is set, and
// concurrent identical requests collapse into a single downstream call.
func (inv *Invoker) Complete(ctx context.Context, req playbook.CompletionRequest) (*playbook.CompletionResponse, error) {
	if inv.cache == nil {
		return inv.completeWithRetry(ctx, req, "")
	}

	cacheKey := requestKey(req)
	if resp, ok := inv.cache.Get(ctx, cacheKey); ok {
		inv.logger.Debug("completion cache hit", "endpoint", inv.breaker.Name(), "model", req.Model)
		return resp, nil
	}

	// DoChan rather than Do so each waiter still honors its own context.
	// The shared call runs detached from any single caller's context: the
	// leader cancelling must not fail the waiters whose contexts are live.
	// CallTimeout and the retry budget still bound the detached call.
	callCtx := context.WithoutCancel(ctx)
	ch := inv.flight.DoChan(cacheKey, func() (interface{}, error) {
		return inv.completeWithRetry(callCtx, req, cacheKey)
	})
	select {
	case <-ctx.Done():
		return nil, cancellationError(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			inv.logger.Debug("completion call shared", "endpoint", inv.breaker.Name(), "model", req.Model)
		}
		return res.Val.(*playbook.CompletionResponse), nil
	}
}

func (inv *Invoker) completeWithRetry(ctx context.Context, req playbook.CompletionRequest, cacheKey string) (*playbook.CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= inv.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancellationError(err)
		}

		trial, allowErr := inv.breaker.AcquirePermit()
		if allowErr != nil {
			return nil, playbook.NewCircuitOpenError("execution", inv.breaker.Name())
		}

		resp, err := inv.callOnce(ctx, req)
		if err == nil {
			inv.breaker.RecordSuccess()
			if inv.cache != nil {
				inv.cache.Set(ctx, cacheKey, resp)
			}
			return resp, nil
		}

		// Caller cancellation is not a dependency failure: it does not
		// count against the breaker and is never retried. An abandoned
		// trial permit goes back so a later call can run the trial.
		if ctx.Err() != nil {
			if trial {
				inv.breaker.ReturnTrial()
			}
			return nil, cancellationError(ctx.Err())
		}

		inv.breaker.RecordFailure()
		lastErr = err
		inv.logger.Warn("completion call failed",
			"endpoint", inv.breaker.Name(),
			"attempt", attempt+1,
			"max_attempts", inv.config.MaxRetries+1,
			"error", err)

		if attempt < inv.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, cancellationError(ctx.Err())
			case <-time.After(inv.config.RetryDelay):
			}
		}
	}

	return nil, playbook.NewInternalError("execution",
		fmt.Sprintf("completion failed after %d attempts against %s", inv.config.MaxRetries+1, inv.breaker.Name()), lastErr)
}

// CompleteStream executes a streaming completion through the breaker. Streams
// are not retried: a partially delivered stream cannot be replayed safely.
func (inv *Invoker) CompleteStream(ctx context.Context, req playbook.CompletionRequest, fn func(chunk string) error) error {
	if err := ctx.Err(); err != nil {
		return cancellationError(err)
	}

	trial, allowErr := inv.breaker.AcquirePermit()
	if allowErr != nil {
		return playbook.NewCircuitOpenError("execution", inv.breaker.Name())
	}

	err := inv.service.CompleteStream(ctx, req, fn)
	if err == nil {
		inv.breaker.RecordSuccess()
		return nil
	}
	if ctx.Err() != nil {
		if trial {
			inv.breaker.ReturnTrial()
		}
		return cancellationError(ctx.Err())
	}
	inv.breaker.RecordFailure()
	return err
}

// callOnce performs one downstream call under the per-call timeout.
func (inv *Invoker) callOnce(ctx context.Context, req playbook.CompletionRequest) (*playbook.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, inv.config.CallTimeout)
	defer cancel()

	resp, err := inv.service.Complete(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, playbook.NewTimeoutError("execution", err)
		}
		return nil, err
	}
	return resp, nil
}

func cancellationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return playbook.NewTimeoutError("execution", err)
	}
	return playbook.NewCancelledError("execution", err)
}

// requestKey derives a stable cache key from the request parameters.
func requestKey(req playbook.CompletionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%.4f", req.Model, req.Prompt, req.MaxTokens, req.Temperature)
	return hex.EncodeToString(h.Sum(nil))
}
