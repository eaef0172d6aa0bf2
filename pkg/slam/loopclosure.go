package slam

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/sensor"
)

// LoopClosure is the background keyframe-pair sweep worker of spec.md
// section 4.8: for the newest keyframe against every sufficiently older,
// non-covisible one, a cheap descriptor-bag similarity gates a full
// matcher run; a high-confidence match is logged and emitted as a
// pose-pose edge. Requires retained imagery (Config.KeepFrames); without
// it the worker idles, since there is nothing to re-detect against.
type LoopClosure struct {
	m          *Map
	engine     feature.Engine
	intr       sensor.Intrinsics
	depthScale sensor.DepthScale
	cfg        Config
	log        zerolog.Logger
	failures   *FailureCounters

	bags        map[uint32][]float64
	lastScanned uint32
	anyScanned  bool

	ctx    context.Context
	cancel func()
	done   chan struct{}
}

// NewLoopClosure builds a loop-closure worker bound to m, running engine
// detection against retained imagery at the given calibration.
func NewLoopClosure(m *Map, engine feature.Engine, intr sensor.Intrinsics, depthScale sensor.DepthScale, cfg Config, failures *FailureCounters, log zerolog.Logger) *LoopClosure {
	return &LoopClosure{
		m:          m,
		engine:     engine,
		intr:       intr,
		depthScale: depthScale,
		cfg:        cfg,
		failures:   failures,
		log:        log.With().Str("worker", "loop_closure").Logger(),
		bags:       map[uint32][]float64{},
	}
}

// Start launches the background sweep loop if loop_closure_mode is on.
func (lc *LoopClosure) Start(ctx context.Context) {
	if lc.cfg.LoopClosureMode != WorkerOn {
		return
	}
	lc.ctx, lc.cancel = context.WithCancel(ctx)
	lc.done = make(chan struct{})
	go lc.loop()
}

func (lc *LoopClosure) loop() {
	defer close(lc.done)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-lc.ctx.Done():
			return
		case <-ticker.C:
			lc.sweepOnce()
		}
	}
}

// Stop cancels the background loop and waits for it to exit.
func (lc *LoopClosure) Stop() {
	if lc.cancel == nil {
		return
	}
	lc.cancel()
	<-lc.done
}

// sweepOnce compares the newest unscanned keyframe against every older
// keyframe at least LoopClosureMinKeyframeGap behind it that is not
// already a covisibility neighbor.
func (lc *LoopClosure) sweepOnce() {
	ids := lc.m.AllKeyframeIDs()
	if len(ids) == 0 {
		return
	}
	newest := ids[len(ids)-1]
	if lc.anyScanned && newest <= lc.lastScanned {
		return
	}

	kfNew, ok := lc.m.Keyframe(newest)
	if !ok || !kfNew.HasImagery() {
		lc.lastScanned = newest
		lc.anyScanned = true
		return
	}

	neighbors := map[uint32]struct{}{}
	for _, nb := range lc.m.CovisibilityNeighbors(newest) {
		neighbors[nb] = struct{}{}
	}

	for _, other := range ids {
		if other >= newest {
			continue
		}
		if int(newest-other) < lc.cfg.LoopClosureMinKeyframeGap {
			continue
		}
		if _, covisible := neighbors[other]; covisible {
			continue
		}
		lc.tryClose(kfNew, other)
	}

	lc.lastScanned = newest
	lc.anyScanned = true
}

func (lc *LoopClosure) tryClose(kfNew Keyframe, otherID uint32) {
	kfOld, ok := lc.m.Keyframe(otherID)
	if !ok || !kfOld.HasImagery() {
		return
	}

	bagNew := lc.bagFor(kfNew.ID, kfNew)
	bagOld := lc.bagFor(kfOld.ID, kfOld)
	probability := cosineSimilarity(bagNew, bagOld)

	if probability < lc.cfg.LoopClosureProbabilityThreshold {
		lc.log.Debug().Uint32("i", otherID).Uint32("j", kfNew.ID).Float64("probability", probability).Msg("loop closure candidate rejected by bag gate")
		return
	}

	oldFrame := frame.Frame{Timestamp: kfOld.Timestamp, RGB: kfOld.RGB, Depth: kfOld.Depth, Intrinsics: lc.intr, DepthScale: lc.depthScale}
	newFrame := frame.Frame{Timestamp: kfNew.Timestamp, RGB: kfNew.RGB, Depth: kfNew.Depth, Intrinsics: lc.intr, DepthScale: lc.depthScale}

	result, err := lc.engine.RunVO(oldFrame, newFrame)
	matchingRatio := 0.0
	if err == nil {
		matchingRatio = result.InlierRatio
	}

	lc.log.Info().
		Uint32("i", otherID).
		Uint32("j", kfNew.ID).
		Float64("probability", probability).
		Float64("matching_ratio", matchingRatio).
		Msg("loop closure sweep")

	if err != nil || matchingRatio < lc.cfg.MapMatchMinInlierRatio {
		lc.failures.LoopClosureRejections++
		return
	}

	lc.m.AddMeasurement(otherID, kfNew.ID, result.DeltaT)
}

// bagFor returns a cached cheap descriptor-bag histogram for a keyframe,
// built once from its observed landmarks' descriptors: a coarse
// bucket-by-leading-byte count, the cheap gate spec.md section 4.8 calls
// for ahead of running the full matcher.
func (lc *LoopClosure) bagFor(id uint32, kf Keyframe) []float64 {
	if bag, ok := lc.bags[id]; ok {
		return bag
	}

	bag := make([]float64, 256)
	for _, lm := range lc.m.LandmarksObservedBy(id) {
		view, ok := lm.ExtendedDescriptors[id]
		if !ok || len(view.Descriptor) == 0 {
			continue
		}
		bag[view.Descriptor[0]]++
	}
	lc.bags[id] = bag
	return bag
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
