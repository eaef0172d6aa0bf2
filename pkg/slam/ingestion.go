package slam

import (
	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
)

// Ingestion projects visible landmarks to pixel space, selects their
// nearest observing keyframe, and converts them into the current camera's
// local frame, per spec.md section 4.4.
type Ingestion struct {
	m             *Map
	maxAngle      float64
	maxDepthMatch float64
}

// NewIngestion builds the ingestion stage against a map, gating on
// maxAngle (find_nearest_frame's angle budget) and maxDepthMatch (the
// matching distance ceiling).
func NewIngestion(m *Map, maxAngle, maxDepthMatch float64) *Ingestion {
	return &Ingestion{m: m, maxAngle: maxAngle, maxDepthMatch: maxDepthMatch}
}

// Prepare runs the four steps of spec.md section 4.4 against the current
// pose, returning projections ready to hand to the matcher.
func (in *Ingestion) Prepare(currentPose geometry.SE3, intrinsics sensor.Intrinsics, visible []*Landmark) []feature.LandmarkProjection {
	if len(visible) == 0 {
		return nil
	}

	frameIDs, angles := in.m.FindNearestFrame(visible, in.maxAngle)

	out := make([]feature.LandmarkProjection, 0, len(visible))
	for i, lm := range visible {
		if frameIDs[i] == InvalidID {
			continue // step 2: no keyframe within angle budget, drop landmark
		}
		_ = angles[i]

		local := projectAndLocalize(currentPose, lm.PositionW)
		if local.Z <= 0 || local.Z > in.maxDepthMatch {
			continue // step 4: depth exceeds the matching distance ceiling
		}

		u, v := intrinsics.Project(float32(local.X), float32(local.Y), float32(local.Z))
		lm.ProjectedU, lm.ProjectedV = u, v // transient projection, per spec.md section 3

		view, ok := lm.ExtendedDescriptors[frameIDs[i]]
		if !ok {
			continue
		}

		out = append(out, feature.LandmarkProjection{
			LandmarkID: lm.ID,
			U:          u,
			V:          v,
			Descriptor: view.Descriptor,
			Local:      local,
		})
	}
	return out
}

// projectAndLocalize transforms a world point into the given pose's local
// (camera) frame for the ingestion stage, grounded on
// PUTSLAM::moveMapFeaturesToLocalCordinateSystem in original_source. The
// feature-admission stage does not call it: it maps candidates from local
// to world with SE3.TransformPoint.
func projectAndLocalize(pose geometry.SE3, worldPoint geometry.Vec3) geometry.Vec3 {
	return pose.WorldToLocal(worldPoint)
}

// FilterByAngle drops landmarks from visible whose find_nearest_frame
// result exceeds maxAngle even when a nearest frame would otherwise be
// found for a different reason — the original's
// removeMapFeaturesWithoutGoodObservationAngle, made explicit as its own
// stage per SPEC_FULL.md's supplemented-features section (the Prepare path
// above already folds this in; this entry point returns the filtered
// landmark set itself). The pipeline does not call it: the admission
// policy's visible-count check uses the unfiltered visible set.
func (in *Ingestion) FilterByAngle(visible []*Landmark) []*Landmark {
	if len(visible) == 0 {
		return nil
	}
	frameIDs, _ := in.m.FindNearestFrame(visible, in.maxAngle)
	out := make([]*Landmark, 0, len(visible))
	for i, lm := range visible {
		if frameIDs[i] != InvalidID {
			out = append(out, lm)
		}
	}
	return out
}
