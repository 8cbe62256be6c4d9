package flush

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Flusher represents the persistence behavior needed by the worker.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Start launches a periodic persistence worker. It complements the
// every-N-adds flush inside the store so idle periods still leave the
// on-disk artifacts current.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, flusher Flusher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := flusher.Flush(ctx); err != nil {
				logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}
