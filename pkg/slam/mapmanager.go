package slam

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// MapManager is the background pruning/merging worker of spec.md
// section 4.9: it periodically tombstones under-observed landmarks and
// folds near-duplicate ones together, keeping the covisibility index
// consistent with every structural change it makes.
type MapManager struct {
	m   *Map
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel func()
	done   chan struct{}
}

// NewMapManager builds a map-manager worker bound to m.
func NewMapManager(m *Map, cfg Config, log zerolog.Logger) *MapManager {
	return &MapManager{m: m, cfg: cfg, log: log.With().Str("worker", "map_manager").Logger()}
}

// Start launches the background sweep loop if map_manager_mode is on.
func (mm *MapManager) Start(ctx context.Context) {
	if mm.cfg.MapManagerMode != WorkerOn {
		return
	}
	mm.ctx, mm.cancel = context.WithCancel(ctx)
	mm.done = make(chan struct{})
	go mm.loop()
}

func (mm *MapManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-mm.ctx.Done():
			return
		case <-ticker.C:
			mm.sweepOnce()
		}
	}
}

// Stop cancels the background loop and waits for it to exit.
func (mm *MapManager) Stop() {
	if mm.cancel == nil {
		return
	}
	mm.cancel()
	<-mm.done
}

// sweepOnce prunes under-observed landmarks, then merges near-duplicate
// survivors. Pruning runs first so merge candidates are drawn only from
// the landmarks that actually survive, matching PUTSLAM's removal pass
// preceding its map-feature fusion pass in original_source.
func (mm *MapManager) sweepOnce() {
	pruned := mm.m.Prune(mm.cfg.MapManagerMinViewCount)
	if pruned > 0 {
		mm.log.Debug().Int("pruned", pruned).Msg("map manager pruned landmarks")
	}
	merged := mm.mergeNearDuplicates()
	if merged > 0 {
		mm.log.Debug().Int("merged", merged).Msg("map manager merged landmarks")
	}
}

// mergeNearDuplicates scans every surviving landmark pair once per sweep
// for Euclidean proximity below MapManagerMergeDistance, folding the
// higher id into the lower one. Quadratic in the live landmark count,
// acceptable for the map sizes this pipeline targets; a spatial index
// would only pay off at a scale beyond this system's scope.
func (mm *MapManager) mergeNearDuplicates() int {
	ids := mm.m.AllLandmarkIDs()
	merged := 0
	for i := 0; i < len(ids); i++ {
		a, ok := mm.m.Landmark(ids[i])
		if !ok {
			continue
		}
		for j := i + 1; j < len(ids); j++ {
			b, ok := mm.m.Landmark(ids[j])
			if !ok {
				continue
			}
			if a.PositionW.Distance(b.PositionW) >= mm.cfg.MapManagerMergeDistance {
				continue
			}
			if mm.m.Merge(ids[i], ids[j]) {
				merged++
			}
		}
	}
	return merged
}
