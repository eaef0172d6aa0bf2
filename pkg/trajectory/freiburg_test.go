package trajectory

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	pose := geometry.FromRT(geometry.RotationZ(0.3), geometry.Vec3{X: 1, Y: 2, Z: 3})
	require.NoError(t, w.Write(1305031102.175304, pose))
	require.NoError(t, w.Flush())

	entries, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Less(t, got.Pose.T.Distance(pose.T), 1e-6)

	wantQ := pose.Quaternion()
	gotQ := got.Pose.Quaternion()
	assert.Less(t, gotQ.X-wantQ.X, 1e-6)
	assert.Less(t, gotQ.W-wantQ.W, 1e-6)
}

func TestReadAllRejectsMalformedLine(t *testing.T) {
	_, err := ReadAll(bytes.NewBufferString("0.0 1 2 3\n"))
	assert.Error(t, err)
}

func TestReadAllSkipsCommentsAndBlankLines(t *testing.T) {
	entries, err := ReadAll(bytes.NewBufferString("# comment\n\n0.0 0 0 0 0 0 0 1\n"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
