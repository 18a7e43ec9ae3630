package idempotency

import (
	"context"
	"time"
)

// Janitor periodically purges expired keys from a Store.
type Janitor struct {
	store    Store
	interval time.Duration
	batch    int
	logger   Logger
	now      func() time.Time
}

func NewJanitor(store Store, interval time.Duration, batch int, logger Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, interval: interval, batch: batch, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single purge pass and returns how many keys were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	removed, err := j.store.PurgeExpired(ctx, j.now().UTC(), j.batch)
	if err != nil && j.logger != nil {
		j.logger.Printf("idempotency: purge failed: %v", err)
	}
	if removed > 0 && j.logger != nil {
		j.logger.Printf("idempotency: purged %d expired keys", removed)
	}
	return removed
}
