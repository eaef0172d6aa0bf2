package slam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
)

// widenRecordingEngine records the searchRadius/descriptorCeiling MatchXYZ
// is called with on each retry, returning a low inlier ratio until the
// radius has widened past a threshold.
type widenRecordingEngine struct {
	stubEngine
	calls       []float32
	succeedFrom float32
}

func (w *widenRecordingEngine) MatchXYZ(current frame.Frame, landmarks []feature.LandmarkProjection, searchRadius, descriptorCeiling float32) (feature.MatchResult, error) {
	w.calls = append(w.calls, searchRadius)
	ratio := 0.0
	if searchRadius >= w.succeedFrom {
		ratio = 1.0
	}
	return feature.MatchResult{InlierRatio: ratio}, nil
}

func TestMatchRetriesWidenSearchRadius(t *testing.T) {
	engine := &widenRecordingEngine{succeedFrom: 15}
	m := NewMatcher(engine, 10, 0.5, 5.0, 64)

	projections := []feature.LandmarkProjection{{LandmarkID: 1}}
	result := m.Match(frame.Frame{}, projections)

	assert.Equal(t, 1.0, result.InlierRatio)
	require.GreaterOrEqual(t, len(engine.calls), 3)
	for i := 1; i < len(engine.calls); i++ {
		assert.Greater(t, engine.calls[i], engine.calls[i-1])
	}
}

func TestMatchReturnsEmptyWithoutProjections(t *testing.T) {
	engine := &stubEngine{}
	m := NewMatcher(engine, 10, 0.5, 5.0, 64)
	result := m.Match(frame.Frame{}, nil)
	assert.Empty(t, result.Measurements)
}

func TestShouldAddPosePoseAndFeatureEdges(t *testing.T) {
	assert.True(t, ShouldAddPosePoseEdge(2, 5))
	assert.False(t, ShouldAddPosePoseEdge(10, 5))
	assert.True(t, ShouldAddPoseFeatureEdges(10, 5))
	assert.False(t, ShouldAddPoseFeatureEdges(2, 5))
}
