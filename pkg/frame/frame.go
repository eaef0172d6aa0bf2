// Package frame defines the image-acquisition contract the tracking pipeline
// consumes, per spec.md section 1 ("Image acquisition (FrameSource)") and
// section 4.9's input stream protocol.
package frame

import (
	"errors"

	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
	"gocv.io/x/gocv"
)

// ErrEndOfStream is the sentinel Grab returns once the source is exhausted,
// matching spec.md section 4.9 ("The source reports end-of-stream by
// returning a sentinel from grab()").
var ErrEndOfStream = errors.New("frame: end of stream")

// Frame is one time-stamped RGB-D pair with its calibration, as yielded by
// a FrameSource.
type Frame struct {
	Timestamp  float64
	RGB        gocv.Mat
	Depth      gocv.Mat
	Intrinsics sensor.Intrinsics
	DepthScale sensor.DepthScale
}

// Close releases the underlying image buffers. Callers must call this once
// a frame is no longer needed; gocv.Mat wraps a C-allocated buffer.
func (f Frame) Close() {
	f.RGB.Close()
	f.Depth.Close()
}

// Source is the capability interface spec.md section 9 names:
// "FrameSource { grab(): Option<Frame>; intrinsics(); depth_scale();
// starting_pose() }". The tracking pipeline is parameterized over this
// interface and never depends on a concrete acquisition mechanism.
type Source interface {
	// Grab returns the next frame, or ErrEndOfStream once exhausted.
	Grab() (Frame, error)
	// Intrinsics returns the calibrated camera matrix for every frame this
	// source yields.
	Intrinsics() sensor.Intrinsics
	// DepthScale returns the depth-to-metric conversion factor.
	DepthScale() sensor.DepthScale
	// StartingPose returns the pose the trajectory should be anchored at,
	// typically geometry.IdentitySE3.
	StartingPose() geometry.SE3
	// Close releases any resources (file handles, device contexts) held by
	// the source.
	Close() error
}
