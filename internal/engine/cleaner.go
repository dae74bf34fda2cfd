package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/coffersTech/crashcat/internal/storage"
)

// RunCleaner periodically enforces the retention settings on the log
// directory until ctx is done.
func (d *Dispatcher) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Cleaner started", slog.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			d.purgeExpired()
		case <-ctx.Done():
			return
		}
	}
}

// purgeExpired deletes the logs outside the configured age and size bounds.
func (d *Dispatcher) purgeExpired() int {
	cfg := d.deps.Settings.Current()
	deleted, err := storage.Purge(d.deps.Storage.Dir, cfg.MaxAge(), cfg.PurgeFilesize, d.now())
	if err != nil {
		slog.Warn("Cleaner failed to list logs", slog.Any("error", err))
		return 0
	}
	return len(deleted)
}
