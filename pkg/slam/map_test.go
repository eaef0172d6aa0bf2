package slam

import (
	"math"
	"testing"

	"gocv.io/x/gocv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

func TestAddPoseComposesRightToLeft(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()

	id0, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)
	require.Equal(t, uint32(0), id0)

	delta := geometry.SE3{R: geometry.RotationZ(0.1), T: geometry.Vec3{X: 0.05}}
	id1, _ := m.AddPose(delta, 1, empty, empty)
	require.Equal(t, uint32(1), id1)

	prevPose, _ := m.SensorPoseOf(id0)
	want := prevPose.Compose(delta)
	got := m.SensorPose()

	assert.Less(t, got.T.Distance(want.T), 1e-9)
}

func TestFindNearestFrameSentinel(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()

	_, _ = m.AddPose(geometry.IdentitySE3, 0, empty, empty)

	lm := &Landmark{
		ID:        0,
		PositionW: geometry.Vec3{X: 10, Y: 10, Z: 10},
		ExtendedDescriptors: map[uint32]ViewDescriptor{
			0: {KeyframeID: 0},
		},
	}

	// Move the current pose away from keyframe 0 so its ray to the landmark
	// deviates from keyframe 0's ray by about 0.62 rad.
	_, _ = m.AddPose(geometry.SE3{R: geometry.IdentityMat3, T: geometry.Vec3{X: 10}}, 1, empty, empty)

	_, angles := m.FindNearestFrame([]*Landmark{lm}, 1e-6)
	assert.True(t, math.IsInf(angles[0], 1))

	ids, _ := m.FindNearestFrame([]*Landmark{lm}, math.Pi)
	assert.Equal(t, uint32(0), ids[0])
}

func TestAddFeaturesAndPrune(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()
	kfID, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)

	ids := m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{X: 1}, Observation: ViewDescriptor{KeyframeID: kfID}},
	}, kfID)
	require.Len(t, ids, 1)
	assert.Equal(t, 1, m.NumLandmarks())

	pruned := m.Prune(2)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 0, m.NumLandmarks())
}

func TestMergeLandmarks(t *testing.T) {
	m := NewMap(15, false)
	empty := gocv.NewMat()
	defer empty.Close()
	kf0, _ := m.AddPose(geometry.IdentitySE3, 0, empty, empty)
	kf1, _ := m.AddPose(geometry.IdentitySE3, 1, empty, empty)

	ids := m.AddFeatures([]NewLandmarkRequest{
		{PositionW: geometry.Vec3{X: 1}, Observation: ViewDescriptor{KeyframeID: kf0}},
		{PositionW: geometry.Vec3{X: 1.001}, Observation: ViewDescriptor{KeyframeID: kf1}},
	}, kf0)

	require.True(t, m.Merge(ids[0], ids[1]))
	assert.Equal(t, 1, m.NumLandmarks())
}
