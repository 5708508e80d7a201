// Package config defines transient-I/O retry tuning.
package config

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transient retry defaults for the store and object-store gateways. Only
// transient failures retry; cancellation and attempt timeouts never do.
const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsed      = 15 * time.Second
)

// TransientBackoff builds the capped exponential backoff used around
// idempotent gateway calls. The context bounds the whole retry loop.
func TransientBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = retryMaxElapsed
	return backoff.WithContext(bo, ctx)
}
