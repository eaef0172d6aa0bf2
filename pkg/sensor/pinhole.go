// Package sensor provides the pin-hole camera model used to project
// landmarks into pixel space and back, per spec.md section 4.1.
package sensor

import "github.com/chewxy/math32"

// Intrinsics is a calibrated 3x3 pin-hole camera matrix, stored as its four
// independent entries rather than a dense matrix.
type Intrinsics struct {
	Fx, Fy float32
	Cx, Cy float32
}

// DepthScale converts a raw depth pixel value into metric depth: z = pixel/s.
type DepthScale float32

// Metric converts a raw depth sample to meters.
func (s DepthScale) Metric(raw float32) float32 {
	return raw / float32(s)
}

// Raw converts a metric depth back to the sensor's native units.
func (s DepthScale) Raw(z float32) float32 {
	return z * float32(s)
}

// Project maps a 3D point in the camera's local frame to pixel coordinates:
// pi(x, y, z) -> (u, v). The z coordinate must be positive; callers are
// expected to have already gated on that (see pkg/slam ingestion).
func (k Intrinsics) Project(x, y, z float32) (u, v float32) {
	u = k.Fx*x/z + k.Cx
	v = k.Fy*y/z + k.Cy
	return
}

// Unproject maps a pixel coordinate plus metric depth back to a 3D point in
// the camera's local frame: pi^-1(u, v, d) -> (x, y, z).
func (k Intrinsics) Unproject(u, v, depth float32) (x, y, z float32) {
	z = depth
	x = (u - k.Cx) * z / k.Fx
	y = (v - k.Cy) * z / k.Fy
	return
}

// UnprojectRaw is Unproject composed with a DepthScale conversion, the form
// the ingestion pipeline actually calls with a raw depth-image sample.
func (k Intrinsics) UnprojectRaw(u, v float32, rawDepth float32, scale DepthScale) (x, y, z float32) {
	return k.Unproject(u, v, scale.Metric(rawDepth))
}

// Valid reports whether the intrinsics look like a usable calibration
// (positive focal lengths); used by FrameSource implementations to raise
// CalibrationError at startup rather than silently projecting garbage.
func (k Intrinsics) Valid() bool {
	return k.Fx > 0 && k.Fy > 0 && !math32.IsNaN(k.Fx) && !math32.IsNaN(k.Fy)
}
