package slam

import (
	"testing"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
)

func TestLoopClosureEmitsEdgeOnHighConfidenceMatch(t *testing.T) {
	m := NewMap(100, true) // high covisibility threshold so AddFeatures alone never links these keyframes
	rgb := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	depth := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV16U)
	defer rgb.Close()
	defer depth.Close()

	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, rgb, depth)
	kf1, _ := m.AddPose(geometry.IdentitySE3, 1, rgb, depth)

	m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{Z: 2}, Observation: ViewDescriptor{KeyframeID: kf0, Descriptor: []byte{7}}},
	}, kf0)
	m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{Z: 2}, Observation: ViewDescriptor{KeyframeID: kf1, Descriptor: []byte{7}}},
	}, kf1)

	cfg := DefaultConfig()
	cfg.LoopClosureMinKeyframeGap = 1
	cfg.LoopClosureProbabilityThreshold = 0.5
	cfg.MapMatchMinInlierRatio = 0.1

	engine := &stubEngine{voResult: feature.VOResult{DeltaT: geometry.IdentitySE3, InlierRatio: 0.8}}
	failures := &FailureCounters{}
	lc := NewLoopClosure(m, engine, sensor.Intrinsics{Fx: 1, Fy: 1}, sensor.DepthScale(1), cfg, failures, zerolog.Nop())

	lc.sweepOnce()

	assert.Len(t, m.PoseEdges(), 1)
}

func TestLoopClosureRejectsBelowProbabilityGate(t *testing.T) {
	m := NewMap(100, true)
	rgb := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	depth := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV16U)
	defer rgb.Close()
	defer depth.Close()

	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, rgb, depth)
	kf1, _ := m.AddPose(geometry.IdentitySE3, 1, rgb, depth)

	m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{Z: 2}, Observation: ViewDescriptor{KeyframeID: kf0, Descriptor: []byte{7}}},
	}, kf0)
	m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{Z: 2}, Observation: ViewDescriptor{KeyframeID: kf1, Descriptor: []byte{200}}},
	}, kf1)

	cfg := DefaultConfig()
	cfg.LoopClosureMinKeyframeGap = 1
	cfg.LoopClosureProbabilityThreshold = 0.9

	engine := &stubEngine{voResult: feature.VOResult{DeltaT: geometry.IdentitySE3, InlierRatio: 0.8}}
	failures := &FailureCounters{}
	lc := NewLoopClosure(m, engine, sensor.Intrinsics{Fx: 1, Fy: 1}, sensor.DepthScale(1), cfg, failures, zerolog.Nop())

	lc.sweepOnce()

	assert.Empty(t, m.PoseEdges())
}
