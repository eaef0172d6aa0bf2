package slam

import (
	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/geometry"
)

// AdmissionPolicy decides when and which new landmarks to spawn, per
// spec.md section 4.6.
type AdmissionPolicy struct {
	minVisible       int
	minMeasurements  int
	noAddCeiling     int
	maxOnceAdd       int
	minDepth         float64
	maxDepthAdmit    float64
	euclidSeparation float64
	imageSeparation  float64
}

// NewAdmissionPolicy builds an admission policy from Config's thresholds.
func NewAdmissionPolicy(cfg Config) *AdmissionPolicy {
	return &AdmissionPolicy{
		minVisible:       cfg.MinVisible,
		minMeasurements:  cfg.MinMeasurements,
		noAddCeiling:     cfg.NoAddCeiling,
		maxOnceAdd:       cfg.MaxOnceAdd,
		minDepth:         cfg.MinDepth,
		maxDepthAdmit:    cfg.MaxDepthAdmit,
		euclidSeparation: cfg.EuclideanSeparation,
		imageSeparation:  cfg.ImageSeparation,
	}
}

// ShouldAdmit implements the admission trigger: "total visible-landmark
// count < min_visible, or (measurements matched < min_measurements AND
// visible < no_add_ceiling)".
func (p *AdmissionPolicy) ShouldAdmit(numVisible, numMeasurements int) bool {
	if numVisible < p.minVisible {
		return true
	}
	return numMeasurements < p.minMeasurements && numVisible < p.noAddCeiling
}

// SelectCandidates runs the four-step gate of spec.md section 4.6 over
// candidate features (iterated in detector order, bounded by
// max_once_add), rejecting against both existing visible landmarks and
// already-accepted candidates from this same call. Returns the packaged
// NewLandmarkRequests ready for Map.AddFeatures. Rejection reasons are not
// propagated, matching "failure to create a landmark is silent".
func (p *AdmissionPolicy) SelectCandidates(
	candidates []feature.Candidate,
	currentPose geometry.SE3,
	existingVisible []*Landmark,
	existingProjections []feature.LandmarkProjection,
	keyframeID uint32,
) []NewLandmarkRequest {
	var accepted []NewLandmarkRequest
	acceptedPoints := make([]geometry.Vec3, 0, p.maxOnceAdd)
	acceptedPixels := make([][2]float32, 0, p.maxOnceAdd)

	for _, c := range candidates {
		if len(accepted) >= p.maxOnceAdd {
			break
		}

		if c.Local.Z < p.minDepth || c.Local.Z > p.maxDepthAdmit {
			continue
		}

		worldPoint := currentPose.TransformPoint(c.Local)

		if tooCloseEuclidean(worldPoint, existingVisible, acceptedPoints, p.euclidSeparation) {
			continue
		}
		if tooCloseImage(c.U, c.V, existingProjections, acceptedPixels, p.imageSeparation) {
			continue
		}

		accepted = append(accepted, NewLandmarkRequest{
			PositionW: worldPoint,
			Observation: ViewDescriptor{
				KeyframeID:       keyframeID,
				Distorted2D:      [2]float32{c.U, c.V},
				Undistorted2D:    [2]float32{c.U, c.V},
				LocalPosition:    c.Local,
				Descriptor:       c.Descriptor,
				DetectorResponse: c.Response,
				DetectorOctave:   c.Octave,
			},
		})
		acceptedPoints = append(acceptedPoints, worldPoint)
		acceptedPixels = append(acceptedPixels, [2]float32{c.U, c.V})
	}

	return accepted
}

func tooCloseEuclidean(p geometry.Vec3, existing []*Landmark, accepted []geometry.Vec3, threshold float64) bool {
	for _, q := range existing {
		if p.Distance(q.PositionW) < threshold {
			return true
		}
	}
	for _, q := range accepted {
		if p.Distance(q) < threshold {
			return true
		}
	}
	return false
}

func tooCloseImage(u, v float32, existing []feature.LandmarkProjection, accepted [][2]float32, threshold float64) bool {
	for _, q := range existing {
		du := float64(u - q.U)
		dv := float64(v - q.V)
		if du*du+dv*dv < threshold*threshold {
			return true
		}
	}
	for _, q := range accepted {
		du := float64(u - q[0])
		dv := float64(v - q[1])
		if du*du+dv*dv < threshold*threshold {
			return true
		}
	}
	return false
}
