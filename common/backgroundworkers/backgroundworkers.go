package backgroundworkers

import (
	"context"
	"sync"

	"github.com/botlabs-gg/gamesched/common"
)

var logger = common.GetFixedPrefixLogger("bgworkers")

// BackgroundWorkerPlugin is a plugin with a long running worker, RunBackgroundWorker returns once ctx is cancelled
// and whatever it was in the middle of is finished
type BackgroundWorkerPlugin interface {
	RunBackgroundWorker(ctx context.Context)
}

// RunWorkers starts the workers of all registered plugins, wg is done once all of them returned
func RunWorkers(ctx context.Context, wg *sync.WaitGroup) int {
	n := 0
	for _, p := range common.Plugins {
		bwc, ok := p.(BackgroundWorkerPlugin)
		if !ok {
			continue
		}

		logger.Info("Running background worker: ", p.PluginInfo().Name)
		n++
		wg.Add(1)
		go func(p common.Plugin) {
			defer wg.Done()
			bwc.RunBackgroundWorker(ctx)
			logger.Info("Stopped background worker: ", p.PluginInfo().Name)
		}(p)
	}

	return n
}
