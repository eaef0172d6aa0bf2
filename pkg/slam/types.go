// Package slam implements the feature map, covisibility graph, VO driver,
// measurement ingestion, map-matching, feature admission, and the
// background optimizer / loop-closure / map-manager workers that together
// form the tracking-and-mapping pipeline.
package slam

import (
	"gocv.io/x/gocv"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

// InvalidID is the sentinel id returned where no keyframe/landmark
// satisfies a query, e.g. find_nearest_frame per spec.md section 4.3.
const InvalidID = ^uint32(0)

// ViewDescriptor is one observation of a landmark from a specific
// keyframe: its 2D pixel, 3D local position, and descriptor bytes.
type ViewDescriptor struct {
	KeyframeID       uint32
	Distorted2D      [2]float32
	Undistorted2D    [2]float32
	LocalPosition    geometry.Vec3
	Descriptor       []byte
	DetectorOctave   int
	DetectorResponse float32
}

// Keyframe is one admitted frame: its world pose, timestamp, optionally
// retained imagery, and the set of landmarks it observes.
type Keyframe struct {
	ID        uint32
	Twc       geometry.SE3
	Timestamp float64

	// RGB/Depth are retained only if the pipeline's KeepFrames option is set.
	RGB   gocv.Mat
	Depth gocv.Mat

	// Observations holds the ids of landmarks measured in this frame.
	Observations map[uint32]struct{}

	tombstone bool
}

// HasImagery reports whether this keyframe retains its source images.
func (k *Keyframe) HasImagery() bool {
	return !k.RGB.Empty() || !k.Depth.Empty()
}

// Close releases any retained imagery.
func (k *Keyframe) Close() {
	if !k.RGB.Empty() {
		k.RGB.Close()
	}
	if !k.Depth.Empty() {
		k.Depth.Close()
	}
}

// Landmark is a persistent 3D point with one ViewDescriptor per observing
// keyframe.
type Landmark struct {
	ID        uint32
	PositionW geometry.Vec3

	// ExtendedDescriptors maps keyframe id to the observation recorded from
	// that keyframe, per spec.md section 3 ("Landmark").
	ExtendedDescriptors map[uint32]ViewDescriptor

	// Normal and Gradient hold optional uncertainty-model inputs. No stage
	// of this pipeline fills them, so they stay nil.
	Normal   *geometry.Vec3
	Gradient *float32

	// ProjectedU, ProjectedV hold the transient projection filled by
	// visibility queries; not persisted across frames.
	ProjectedU, ProjectedV float32

	tombstone bool
}

// ViewCount returns the number of keyframes observing this landmark.
func (l *Landmark) ViewCount() int {
	return len(l.ExtendedDescriptors)
}

// PoseEdge is a pose-pose constraint between two keyframes, added as
// odometry or as a loop-closure correction.
type PoseEdge struct {
	From, To uint32
	DeltaT   geometry.SE3
}

// FeatureEdge is a pose-landmark constraint: keyframe KeyframeID observed
// landmark LandmarkID at Local in its own local frame.
type FeatureEdge struct {
	KeyframeID uint32
	LandmarkID uint32
	Local      geometry.Vec3
	Normal     *geometry.Vec3
	Gradient   *float32
}

// NewLandmarkRequest is what the admission policy submits to the map to
// create a landmark plus its initial ViewDescriptor, per spec.md section
// 4.3's add_features operation.
type NewLandmarkRequest struct {
	PositionW   geometry.Vec3
	Observation ViewDescriptor
}

// Observation pairs a matched landmark id with its local-frame position
// and observing keyframe, the unit add_measurements consumes (spec.md
// section 4.3).
type Observation struct {
	LandmarkID          uint32
	Local               geometry.Vec3
	ObservingKeyframeID uint32
}
