// SPDX-License-Identifier: Apache-2.0

package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// RetryConfig bounds every embedding service call.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// Timeout bounds a single attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultRetryConfig returns the retry defaults for embedding requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
		Timeout:           30 * time.Second,
	}
}

// RetryOption configures a Retrying embedder.
type RetryOption func(*Retrying)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrying) {
		r.logger = logger
	}
}

// WithRetryHook registers a function called before every retry.
func WithRetryHook(fn func(attempt int, err error)) RetryOption {
	return func(r *Retrying) {
		r.onRetry = fn
	}
}

// Retrying wraps an Embedder with a per-attempt timeout and bounded
// exponential backoff. Exhausted or non-retryable failures are returned as
// *evidence.ServiceError.
type Retrying struct {
	inner   Embedder
	cfg     RetryConfig
	logger  *slog.Logger
	onRetry func(attempt int, err error)
}

func NewRetrying(inner Embedder, cfg RetryConfig, opts ...RetryOption) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	r := &Retrying{inner: inner, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var (
		vecs     [][]float32
		attempts int
	)
	op := func() error {
		attempts++
		callCtx, cancel := r.attemptContext(ctx)
		defer cancel()

		out, err := r.inner.EmbedBatch(callCtx, texts)
		if err != nil {
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vecs = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffBase
	b.Multiplier = r.cfg.BackoffMultiplier
	b.MaxInterval = max(r.cfg.MaxBackoff, r.cfg.BackoffBase)
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("embedding call failed, retrying",
			"attempt", attempts, "max_attempts", r.cfg.MaxAttempts, "wait", wait, "error", err)
		if r.onRetry != nil {
			r.onRetry(attempts, err)
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, &evidence.ServiceError{
			Op:       fmt.Sprintf("embed %d text(s) with %s", len(texts), r.inner.Model()),
			Attempts: attempts,
			Err:      err,
		}
	}
	return vecs, nil
}

func (r *Retrying) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.Timeout)
}

func (r *Retrying) Dimension() int { return r.inner.Dimension() }
func (r *Retrying) Model() string  { return r.inner.Model() }

// StatusError is an HTTP-level failure from an embedding backend other than
// the OpenAI SDK.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is worth another attempt: rate limits,
// server errors, timeouts and transport failures are; other 4xx responses
// and caller cancellation are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
