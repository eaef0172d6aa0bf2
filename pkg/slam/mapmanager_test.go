package slam

import (
	"testing"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

func TestMapManagerSweepPrunesAndMerges(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()
	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)

	m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{X: 1}, Observation: ViewDescriptor{KeyframeID: kf0}},     // distinct, survives
		{PositionW: geometry.Vec3{X: 5}, Observation: ViewDescriptor{KeyframeID: kf0}},     // near-duplicate target
		{PositionW: geometry.Vec3{X: 5.001}, Observation: ViewDescriptor{KeyframeID: kf0}}, // near-duplicate of the above
	}, kf0)

	cfg := DefaultConfig()
	cfg.MapManagerMinViewCount = 1 // every landmark here has view count 1; pruning should be a no-op
	cfg.MapManagerMergeDistance = 0.01

	mm := NewMapManager(m, cfg, zerolog.Nop())
	mm.sweepOnce()

	assert.Equal(t, 2, m.NumLandmarks(), "expected merging to fold the near-duplicate pair down to 2 landmarks")
}

func TestMapManagerSweepNoOpOnEmptyMap(t *testing.T) {
	m := NewMap(15, false)
	cfg := DefaultConfig()
	mm := NewMapManager(m, cfg, zerolog.Nop())
	mm.sweepOnce() // must not panic
}
