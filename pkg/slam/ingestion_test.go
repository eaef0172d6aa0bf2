package slam

import (
	"math"
	"testing"

	"gocv.io/x/gocv"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
)

func TestIngestionPrepareDropsBeyondDepthCeiling(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()

	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)
	ids := m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{X: 0, Y: 0, Z: 100}, Observation: ViewDescriptor{KeyframeID: kf0, LocalPosition: geometry.Vec3{Z: 100}}},
	}, kf0)
	lm, _ := m.Landmark(ids[0])

	in := NewIngestion(m, math.Pi, 5.0)
	intr := sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}

	out := in.Prepare(geometry.IdentitySE3, intr, []*Landmark{&lm})
	assert.Empty(t, out)
}

func TestIngestionPrepareDropsBeyondAngleBudget(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()

	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)
	ids := m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{X: 0, Y: 0, Z: 2}, Observation: ViewDescriptor{KeyframeID: kf0, LocalPosition: geometry.Vec3{Z: 2}}},
	}, kf0)
	lm, _ := m.Landmark(ids[0])

	// A second keyframe placed to the side (at x=2, z=-2) makes the current
	// ray vs. the only observing keyframe's ray diverge by about 27 degrees
	// (0.46 rad), far beyond the 0.01 rad budget.
	delta := geometry.SE3{R: geometry.RotationY(math.Pi / 2), T: geometry.Vec3{X: 2, Z: -2}}
	m.AddPose(delta, 1, empty, empty)

	in := NewIngestion(m, 0.01, 5.0)
	intr := sensor.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}

	out := in.Prepare(m.SensorPose(), intr, []*Landmark{&lm})
	assert.Empty(t, out)
}

func TestFilterByAngleKeepsWithinBudget(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()

	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)
	ids := m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{X: 0, Y: 0, Z: 2}, Observation: ViewDescriptor{KeyframeID: kf0, LocalPosition: geometry.Vec3{Z: 2}}},
	}, kf0)
	lm, _ := m.Landmark(ids[0])

	in := NewIngestion(m, math.Pi, 5.0)
	out := in.FilterByAngle([]*Landmark{&lm})
	assert.Len(t, out, 1)
}
