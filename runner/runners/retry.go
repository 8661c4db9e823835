package runners

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// RetryConfig bounds upload and download attempts. The run stage is never retried.
type RetryConfig struct {
	// Retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	// Attempts are bounded by count, not time.
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxRetries)), ctx)
}

// transfer runs f until it succeeds or the retry budget is spent.
// Exhaustion yields a *domain.TransientTransportError; cancellation yields ctx.Err().
func transfer(ctx context.Context, op domain.ErrorKind, batchID string, cfg RetryConfig, retries stats.Counter, f func() error) error {
	try := 0
	err := backoff.RetryNotify(func() error {
		try++
		return f()
	}, cfg.backOff(ctx), func(err error, wait time.Duration) {
		retries.Inc(1)
		log.WithFields(log.Fields{
			"batchID": batchID,
			"op":      op,
			"try":     try,
			"wait":    wait,
			"error":   err,
		}).Info("Transfer failed, retrying")
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &domain.TransientTransportError{Op: string(op), Attempts: try, Err: err}
}
