package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitRigidRecoversKnownTransform(t *testing.T) {
	truth := SE3{R: RotationZ(0.2).Mul(RotationX(0.05)), T: Vec3{X: 0.3, Y: -0.1, Z: 0.05}}

	src := []Vec3{
		{X: 0, Y: 0, Z: 1},
		{X: 1, Y: 0, Z: 1},
		{X: 0, Y: 1, Z: 1},
		{X: 1, Y: 1, Z: 2},
		{X: -1, Y: 0.5, Z: 1.5},
	}
	dst := make([]Vec3, len(src))
	for i, p := range src {
		dst[i] = truth.TransformPoint(p)
	}

	got, err := FitRigid(src, dst)
	require.NoError(t, err)

	for i, p := range src {
		d := got.TransformPoint(p).Distance(dst[i])
		assert.Lessf(t, d, 1e-6, "point %d residual too large", i)
	}
}

func TestFitRigidRejectsTooFewPoints(t *testing.T) {
	_, err := FitRigid([]Vec3{{}, {}}, []Vec3{{}, {}})
	assert.Error(t, err)
}
