package integration

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"contecbridge/internal/config"
)

const (
	initialRetryDelay = 5 * time.Second
	maxRetryDelay     = 5 * time.Minute
)

func nextRetryDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return initialRetryDelay
	}
	d *= 2
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// RunEntry sets up an entry, retrying with backoff for as long as it is not
// ready. It returns nil once the entry is set up, ctx's error when canceled,
// and any other setup error unchanged.
func (i *Integration) RunEntry(ctx context.Context, entry config.EntryConfig) error {
	var delay time.Duration
	for {
		err := i.SetupEntry(ctx, entry)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotReady) {
			return err
		}

		delay = nextRetryDelay(delay)
		i.logger.Info("Contec entry not ready, retrying",
			zap.String("entry", entry.ID),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.clock.After(delay):
		}
	}
}
