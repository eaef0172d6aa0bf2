package slam

import (
	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
)

// VODriver runs a FeatureEngine per frame and gates erratic increments,
// per spec.md section 4.2.
type VODriver struct {
	engine feature.Engine

	maxTranslation float64
	prev           *frame.Frame

	failures *FailureCounters
}

// NewVODriver builds a VO driver gating increments at maxTranslation
// meters (spec.md's 0.10 m default, configurable via
// Config.MaxTranslationPerFrame).
func NewVODriver(engine feature.Engine, maxTranslation float64, failures *FailureCounters) *VODriver {
	return &VODriver{engine: engine, maxTranslation: maxTranslation, failures: failures}
}

// RunVO implements run_vo(current_frame) -> (DeltaT, inlier_match_ids,
// inlier_ratio). Fails soft: low inliers or detector failure return
// DeltaT = I so the foreground pipeline never stalls. The very first call
// (no previous frame yet) also returns identity, per spec.md section 4.2's
// "First frame. No motion is estimated."
func (v *VODriver) RunVO(current frame.Frame) (geometry.SE3, []int, float64) {
	if v.prev == nil {
		v.prev = clonedFrame(current)
		return geometry.IdentitySE3, nil, 1.0
	}

	result, err := v.engine.RunVO(*v.prev, current)
	v.prev.Close()
	v.prev = clonedFrame(current)
	if err != nil {
		v.failures.VOFailures++
		return geometry.IdentitySE3, nil, 0
	}

	if result.DeltaT.Translation().Norm() > v.maxTranslation {
		v.failures.ErraticMotionGated++
		return geometry.IdentitySE3, result.InlierIDs, result.InlierRatio
	}

	return result.DeltaT, result.InlierIDs, result.InlierRatio
}

// clonedFrame deep-copies current's image buffers so VODriver can retain
// them as prev past the caller's own Close of current — current.RGB/Depth
// wrap the frame source's C-allocated buffers, which Pipeline.Run frees
// once the foreground loop moves on to the next frame.
func clonedFrame(current frame.Frame) *frame.Frame {
	return &frame.Frame{
		Timestamp:  current.Timestamp,
		RGB:        current.RGB.Clone(),
		Depth:      current.Depth.Clone(),
		Intrinsics: current.Intrinsics,
		DepthScale: current.DepthScale,
	}
}

// IsFirstFrame reports whether RunVO has not yet been called (equivalently,
// the next AddPose call is for the anchor keyframe).
func (v *VODriver) IsFirstFrame() bool {
	return v.prev == nil
}

// Close releases the last retained prev frame's image buffers. Callers
// should invoke this once the driver is no longer in use.
func (v *VODriver) Close() {
	if v.prev != nil {
		v.prev.Close()
		v.prev = nil
	}
}
