package schedule

import (
	"context"
	"time"

	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/config"
)

var confExecutedRetention = config.RegisterOption("gamesched.executed_retention_hours", "Executed schedule entries are deleted after this many hours", 24)

// Cleaner periodically deletes executed entries so the schedule tables don't grow forever
type Cleaner struct {
	Stores    []*Store
	Retention time.Duration
	Interval  time.Duration
}

func NewCleaner(stores ...*Store) *Cleaner {
	return &Cleaner{
		Stores:    stores,
		Retention: time.Hour * time.Duration(confExecutedRetention.GetInt()),
		Interval:  time.Hour,
	}
}

func (c *Cleaner) PluginInfo() *common.PluginInfo {
	return &common.PluginInfo{
		Name:     "Schedule cleanup",
		SysName:  "schedule_cleanup",
		Category: common.PluginCategoryCore,
	}
}

func (c *Cleaner) RunBackgroundWorker(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		c.RunCleanup(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCleanup runs a single cleanup over all stores
func (c *Cleaner) RunCleanup(ctx context.Context) {
	before := time.Now().Add(-c.Retention)
	for _, s := range c.Stores {
		n, err := s.CleanupExecuted(ctx, before)
		if err != nil {
			logger.WithError(err).WithField("kind", s.kind.Name).Error("failed cleaning up executed entries")
			continue
		}

		if n > 0 {
			logger.WithField("kind", s.kind.Name).Infof("cleaned up %d executed entries", n)
		}
	}
}
