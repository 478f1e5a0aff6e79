package backup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryConfig defines retry behavior for object store operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for object storage.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryableStore wraps an ObjectStore with exponential backoff.
type RetryableStore struct {
	store  ObjectStore
	config RetryConfig
}

// NewRetryableStore wraps store.
func NewRetryableStore(store ObjectStore, config RetryConfig) *RetryableStore {
	return &RetryableStore{store: store, config: config}
}

func (r *RetryableStore) do(ctx context.Context, name string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.calculateDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, r.config.MaxAttempts, lastErr)
}

func (r *RetryableStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.do(ctx, "list", func() error {
		var err error
		out, err = r.store.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *RetryableStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", func() error {
		var err error
		out, err = r.store.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *RetryableStore) Put(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, "put", func() error {
		return r.store.Put(ctx, key, data)
	})
}

func (r *RetryableStore) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func() error {
		return r.store.Delete(ctx, key)
	})
}

func (r *RetryableStore) calculateDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	return delay
}

// A missing object stays missing; everything else (timeouts,
// throttling, 5xx) is worth another attempt.
func isRetryable(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}
