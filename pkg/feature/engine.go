// Package feature defines the detector/descriptor/matcher contract the
// tracking pipeline consumes, per spec.md section 9 ("FeatureEngine {
// detect_init; run_vo; match_xyz; compute_normals; compute_gradients }"),
// plus a reference ORB/RANSAC implementation.
package feature

import (
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
)

// Keypoint is a single detected 2D feature with its 3D back-projection and
// descriptor, the unit both DetectInit and MatchXYZ exchange with the map.
type Keypoint struct {
	U, V        float32
	Local       geometry.Vec3
	Descriptor  []byte
	ResponseOrd int
	Response    float32
	Octave      int
}

// Candidate is a feature from the current frame not yet matched to any
// existing landmark, the unit the admission policy consumes.
type Candidate = Keypoint

// Measurement is one landmark observed in the current frame's local
// coordinate system, the unit match_xyz emits per spec.md section 4.5.
type Measurement struct {
	LandmarkID          uint32
	Local               geometry.Vec3
	ObservingKeyframeID uint32
}

// MatchResult is the output of a single MatchXYZ call.
type MatchResult struct {
	Measurements []Measurement
	InlierRatio  float64
}

// VOResult is the output of a single RunVO call.
type VOResult struct {
	DeltaT      geometry.SE3
	InlierIDs   []int
	InlierRatio float64
}

// Engine is the capability interface spec.md parameterizes the core over.
// Implementations are opaque to the tracking pipeline except for this
// surface.
type Engine interface {
	// DetectInit extracts keypoints/descriptors from a frame with no prior
	// map context, used to bootstrap the very first keyframe.
	DetectInit(f frame.Frame) ([]Keypoint, error)

	// RunVO estimates the rigid motion between the previous and current
	// frame via detection, description and RANSAC motion estimation.
	RunVO(prev, current frame.Frame) (VOResult, error)

	// MatchXYZ matches visible landmarks (projected into the current frame
	// at searchRadius, widened per retry) against the current frame's
	// detected features.
	MatchXYZ(current frame.Frame, landmarks []LandmarkProjection, searchRadius float32, descriptorCeiling float32) (MatchResult, error)

	// ComputeNormals estimates a surface normal at a pixel from the depth
	// image, used when the uncertainty model is enabled (spec.md section
	// 4.5's "optionally compute surface normals").
	ComputeNormals(f frame.Frame, u, v float32) (geometry.Vec3, error)

	// ComputeGradients estimates the RGB gradient magnitude at a pixel, the
	// companion uncertainty-model input to ComputeNormals.
	ComputeGradients(f frame.Frame, u, v float32) (float32, error)
}

// LandmarkProjection is what the map hands MatchXYZ for each visible
// landmark: its id, current projected pixel location and descriptor from
// its nearest observing view, per spec.md section 4.4's ingestion steps.
type LandmarkProjection struct {
	LandmarkID uint32
	U, V       float32
	Descriptor []byte
	Local      geometry.Vec3
}
