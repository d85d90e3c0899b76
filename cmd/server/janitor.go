package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/flashbots/fedround/protocol"
)

// evictIdleDevices removes devices idle for longer than ttl, checking every ttl/4
// but at most once a minute.
func evictIdleDevices(ctx context.Context, registry protocol.IdleEvicter, ttl time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(max(ttl/4, time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted, err := registry.EvictIdleSince(ctx, now.Add(-ttl))
			if err != nil {
				log.Error("Evicting idle devices failed", "err", err)
				continue
			}
			if len(evicted) > 0 {
				log.Info("Evicted idle devices", "count", len(evicted), "ttl", ttl)
			}
		}
	}
}
