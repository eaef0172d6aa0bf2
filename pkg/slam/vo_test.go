package slam

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
)

// voTestFrame builds a Frame backed by real (if empty) Mats, since
// VODriver.RunVO clones and closes the retained imagery — a zero-value
// gocv.Mat{} is not a valid Mat to clone.
func voTestFrame() frame.Frame {
	return frame.Frame{RGB: gocv.NewMat(), Depth: gocv.NewMat()}
}

func TestRunVOFirstFrameReturnsIdentity(t *testing.T) {
	engine := &stubEngine{}
	failures := &FailureCounters{}
	v := NewVODriver(engine, 0.10, failures)
	defer v.Close()

	require.True(t, v.IsFirstFrame())

	f := voTestFrame()
	defer f.Close()
	delta, _, ratio := v.RunVO(f)
	assert.Equal(t, geometry.IdentitySE3, delta)
	assert.Equal(t, 1.0, ratio)
	assert.False(t, v.IsFirstFrame())
}

func TestRunVOGatesErraticTranslation(t *testing.T) {
	engine := &stubEngine{
		voResult: feature.VOResult{
			DeltaT:      geometry.SE3{R: geometry.IdentityMat3, T: geometry.Vec3{X: 5}},
			InlierRatio: 0.9,
		},
	}
	failures := &FailureCounters{}
	v := NewVODriver(engine, 0.10, failures)
	defer v.Close()

	f1 := voTestFrame()
	defer f1.Close()
	v.RunVO(f1) // consume the first-frame special case

	f2 := voTestFrame()
	defer f2.Close()
	delta, _, _ := v.RunVO(f2)
	assert.Equal(t, geometry.IdentitySE3, delta)
	assert.Equal(t, uint64(1), failures.ErraticMotionGated)
}

func TestRunVOCountsEngineFailures(t *testing.T) {
	engine := &stubEngine{voErr: errExpectedEngineFailure}
	failures := &FailureCounters{}
	v := NewVODriver(engine, 0.10, failures)
	defer v.Close()

	f1 := voTestFrame()
	defer f1.Close()
	v.RunVO(f1)

	f2 := voTestFrame()
	defer f2.Close()
	delta, _, ratio := v.RunVO(f2)
	assert.Equal(t, geometry.IdentitySE3, delta)
	assert.Equal(t, 0.0, ratio)
	assert.Equal(t, uint64(1), failures.VOFailures)
}

var errExpectedEngineFailure = errors.New("engine failure")
