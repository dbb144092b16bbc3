package syncengine

import (
	"context"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/recovery"
)

// RunEviction ticks every cleanupInterval and evicts peers whose last
// heartbeat is older than staleThreshold, until ctx is cancelled.
func (e *Engine) RunEviction(ctx context.Context, cleanupInterval, staleThreshold time.Duration) {
	defer recovery.RecoverWithLog(e.logger, "syncengine.Engine.RunEviction")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := e.registry.EvictStale(staleThreshold)
			for _, name := range evicted {
				e.logger.Info("evicted stale peer", "source_node", name)
			}
		}
	}
}
