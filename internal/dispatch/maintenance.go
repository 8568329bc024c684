package dispatch

import (
	"context"
	"time"

	"vidatlas/internal/logging"
)

// runMaintenance owns the periodic cache sweep and registry eviction.
func (d *Dispatcher) runMaintenance(ctx context.Context) {
	defer d.wg.Done()

	sweep := time.NewTicker(d.cfg.CacheSweepInterval())
	defer sweep.Stop()
	evict := time.NewTicker(d.cfg.EvictInterval())
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sweep.C:
			removed, err := d.cache.Sweep()
			if err != nil {
				d.logger.Warn("cache sweep failed",
					logging.String(logging.FieldEventType, "cache_sweep_failed"),
					logging.Error(err))
				continue
			}
			if removed > 0 {
				d.logger.Info("swept expired cache entries",
					logging.String(logging.FieldEventType, "cache_sweep"),
					logging.Int("removed", removed))
			}

		case <-evict.C:
			cutoff := time.Now().UTC().Add(-d.cfg.EvictionGrace())
			evicted, err := d.store.EvictSettledBefore(ctx, cutoff)
			if err != nil {
				d.logger.Warn("registry eviction failed",
					logging.String(logging.FieldEventType, "registry_evict_failed"),
					logging.Error(err))
				continue
			}
			if evicted > 0 {
				d.logger.Info("evicted settled jobs past retention",
					logging.String(logging.FieldEventType, "registry_evict"),
					logging.Int64("evicted", evicted))
			}
		}
	}
}
