package engine

import (
	"context"
	"log/slog"
	"time"
)

// RunFlusher flushes all open sessions every interval until ctx is done, so
// files served while recording lag by at most one interval.
func (d *Dispatcher) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := d.deps.Registry.FlushAll(); n > 0 {
				slog.Debug("Flushed sessions", slog.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
