package slam

import (
	"context"
	"testing"

	"gocv.io/x/gocv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
)

// queueSource replays a fixed frame count from in-memory mats, exercising
// the Pipeline's fetch loop without touching disk.
type queueSource struct {
	remaining int
	intr      sensor.Intrinsics
	scale     sensor.DepthScale
	start     geometry.SE3
}

func (q *queueSource) Grab() (frame.Frame, error) {
	if q.remaining <= 0 {
		return frame.Frame{}, frame.ErrEndOfStream
	}
	q.remaining--
	return frame.Frame{
		Timestamp:  1000.0,
		RGB:        gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3),
		Depth:      gocv.NewMatWithSize(4, 4, gocv.MatTypeCV16U),
		Intrinsics: q.intr,
		DepthScale: q.scale,
	}, nil
}

func (q *queueSource) Intrinsics() sensor.Intrinsics { return q.intr }
func (q *queueSource) DepthScale() sensor.DepthScale { return q.scale }
func (q *queueSource) StartingPose() geometry.SE3    { return q.start }
func (q *queueSource) Close() error                  { return nil }

func testPipelineConfig() Config {
	cfg := DefaultConfig()
	cfg.OnlyVO = true // background workers stay off; these are per-frame state-machine tests
	return cfg
}

func flatKeypoints(n int) []feature.Keypoint {
	kps := make([]feature.Keypoint, n)
	for i := range kps {
		kps[i] = feature.Keypoint{U: float32(i * 20), V: 0, Local: geometry.Vec3{X: float64(i), Z: 2}}
	}
	return kps
}

func TestPipelineSingleFrameBootstrapAdmitsAllDetected(t *testing.T) {
	src := &queueSource{remaining: 1, intr: sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, scale: 5000, start: geometry.IdentitySE3}
	engine := &stubEngine{detectResult: flatKeypoints(12)}

	p := NewPipeline(testPipelineConfig(), src, engine)
	require.NoError(t, p.Configure())
	require.NoError(t, p.Run(context.Background()))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Keyframes)
	assert.Equal(t, 12, stats.Landmarks)
}

func TestPipelineStaticSceneAdmitsNoNewLandmarks(t *testing.T) {
	src := &queueSource{remaining: 2, intr: sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, scale: 5000, start: geometry.IdentitySE3}
	kps := flatKeypoints(12)
	engine := &stubEngine{
		detectResult: kps,
		voResult:     feature.VOResult{DeltaT: geometry.IdentitySE3, InlierRatio: 1.0},
		matchResult: feature.MatchResult{
			Measurements: measurementsFor(kps),
			InlierRatio:  1.0,
		},
	}

	cfg := testPipelineConfig()
	cfg.MinVisible = 1
	cfg.MinMeasurements = 1

	p := NewPipeline(cfg, src, engine)
	require.NoError(t, p.Run(context.Background()))

	stats := p.Stats()
	assert.Equal(t, 2, stats.Keyframes)
	assert.Equal(t, 12, stats.Landmarks, "a fully re-matched static scene should admit no new landmarks")

	kf0, _ := p.Map().SensorPoseOf(0)
	kf1, _ := p.Map().SensorPoseOf(1)
	assert.Less(t, kf0.T.Distance(kf1.T), 1e-9)
}

func TestPipelinePureTranslationAppliesDelta(t *testing.T) {
	src := &queueSource{remaining: 2, intr: sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, scale: 5000, start: geometry.IdentitySE3}
	kps := flatKeypoints(12)
	delta := geometry.SE3{R: geometry.IdentityMat3, T: geometry.Vec3{Z: 0.05}}
	engine := &stubEngine{
		detectResult: kps,
		voResult:     feature.VOResult{DeltaT: delta, InlierRatio: 0.9},
		matchResult:  feature.MatchResult{Measurements: measurementsFor(kps), InlierRatio: 0.9},
	}

	p := NewPipeline(testPipelineConfig(), src, engine)
	require.NoError(t, p.Run(context.Background()))

	pose, ok := p.Map().SensorPoseOf(1)
	require.True(t, ok)
	assert.InDelta(t, 0.05, pose.T.Z, 1e-9)
	assert.NotEmpty(t, p.Map().FeatureEdges())
}

func TestPipelineErraticJumpGatesToIdentity(t *testing.T) {
	src := &queueSource{remaining: 2, intr: sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, scale: 5000, start: geometry.IdentitySE3}
	kps := flatKeypoints(12)
	jump := geometry.SE3{R: geometry.IdentityMat3, T: geometry.Vec3{X: 0.5}}
	engine := &stubEngine{
		detectResult: kps,
		voResult:     feature.VOResult{DeltaT: jump, InlierRatio: 0.9},
		matchResult:  feature.MatchResult{Measurements: measurementsFor(kps), InlierRatio: 0.9},
	}

	p := NewPipeline(testPipelineConfig(), src, engine)
	require.NoError(t, p.Run(context.Background()))

	pose, ok := p.Map().SensorPoseOf(1)
	require.True(t, ok)
	assert.Less(t, pose.T.Distance(geometry.Vec3{}), 1e-9)
	assert.Equal(t, uint64(1), p.Stats().Failures.ErraticMotionGated)
}

func TestPipelineLowMatchFrameAddsPosePoseEdgeAndTriggersAdmission(t *testing.T) {
	src := &queueSource{remaining: 2, intr: sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, scale: 5000, start: geometry.IdentitySE3}
	bootstrapKPs := flatKeypoints(12)
	// Only 2 of the 12 landmarks re-match; the remainder of the candidate
	// pool is detected fresh on the admission re-scan.
	engine := &stubEngine{
		detectResult: bootstrapKPs,
		voResult:     feature.VOResult{DeltaT: geometry.IdentitySE3, InlierRatio: 0.5},
		matchResult:  feature.MatchResult{Measurements: measurementsFor(bootstrapKPs[:2]), InlierRatio: 0.2},
	}

	cfg := testPipelineConfig()
	cfg.MinPoseFeatureMeasurements = 5
	cfg.MaxPosePoseMeasurements = 5
	cfg.MinMeasurements = 20
	cfg.NoAddCeiling = 100
	cfg.MinVisible = 50

	p := NewPipeline(cfg, src, engine)
	require.NoError(t, p.Run(context.Background()))

	assert.NotEmpty(t, p.Map().PoseEdges(), "expected a pose-pose fallback edge when too few measurements matched")
	assert.Equal(t, uint64(1), p.Stats().Failures.MapMatchFailures)
}

func measurementsFor(kps []feature.Keypoint) []feature.Measurement {
	ms := make([]feature.Measurement, len(kps))
	for i, kp := range kps {
		ms[i] = feature.Measurement{LandmarkID: uint32(i), Local: kp.Local}
	}
	return ms
}
