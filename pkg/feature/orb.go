package feature

import (
	"fmt"
	"math/rand"

	"github.com/itohio/rgbdslam/pkg/core/logger"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"gocv.io/x/gocv"
)

var Log = logger.Log

// RANSACParams controls the reference engine's motion-estimation RANSAC
// loop; spec.md leaves the matcher's internals opaque to the core, so these
// are private tuning constants of this one implementation, not part of the
// FeatureEngine contract.
type RANSACParams struct {
	Iterations     int
	InlierDistance float64
	MinInliers     int
}

// DefaultRANSACParams mirrors the teacher's ORB/BFMatcher defaults with a
// conservative inlier distance for metric (meter-scale) point clouds.
var DefaultRANSACParams = RANSACParams{
	Iterations:     200,
	InlierDistance: 0.02,
	MinInliers:     8,
}

// ORBEngine is the reference FeatureEngine implementation: ORB keypoints and
// descriptors, a brute-force Hamming matcher, and a RANSAC rigid-motion
// estimator over 3D-3D correspondences (pkg/geometry.FitRigid). Grounded on
// the teacher's gocv usage in pkg/vision/extract/features/features.gocv.go
// (NewORB, DetectAndCompute) and pkg/vision/reader/reader.gocv.go (direct
// gocv.Mat handling, no indirection layer).
type ORBEngine struct {
	orb     gocv.ORB
	matcher gocv.BFMatcher
	ransac  RANSACParams
	rng     *rand.Rand
}

var _ Engine = (*ORBEngine)(nil)

// NewORBEngine constructs a reference ORB-based engine with the given RANSAC
// tuning. Pass DefaultRANSACParams for the teacher-equivalent defaults.
func NewORBEngine(params RANSACParams) *ORBEngine {
	return &ORBEngine{
		orb:     gocv.NewORB(),
		matcher: gocv.NewBFMatcher(),
		ransac:  params,
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (e *ORBEngine) Close() error {
	if err := e.orb.Close(); err != nil {
		return err
	}
	return e.matcher.Close()
}

func (e *ORBEngine) DetectInit(f frame.Frame) ([]Keypoint, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(f.RGB, &gray, gocv.ColorBGRToGray)

	kps, desc := e.orb.DetectAndCompute(gray, gocv.NewMat())
	defer desc.Close()

	return e.backProject(f, kps, desc), nil
}

func (e *ORBEngine) RunVO(prev, current frame.Frame) (VOResult, error) {
	prevGray, currGray := gocv.NewMat(), gocv.NewMat()
	defer prevGray.Close()
	defer currGray.Close()
	gocv.CvtColor(prev.RGB, &prevGray, gocv.ColorBGRToGray)
	gocv.CvtColor(current.RGB, &currGray, gocv.ColorBGRToGray)

	prevKP, prevDesc := e.orb.DetectAndCompute(prevGray, gocv.NewMat())
	defer prevDesc.Close()
	currKP, currDesc := e.orb.DetectAndCompute(currGray, gocv.NewMat())
	defer currDesc.Close()

	if prevDesc.Empty() || currDesc.Empty() {
		Log.Warn().Msg("feature: RunVO found no descriptors, returning identity")
		return VOResult{DeltaT: geometry.IdentitySE3}, nil
	}

	matches := e.matcher.Match(prevDesc, currDesc)

	prevPts := e.backProject(prev, prevKP, prevDesc)
	currPts := e.backProject(current, currKP, currDesc)

	var src, dst []geometry.Vec3
	var matchIdx []int
	for i, m := range matches {
		if m.QueryIdx >= len(prevPts) || m.TrainIdx >= len(currPts) {
			continue
		}
		src = append(src, prevPts[m.QueryIdx].Local)
		dst = append(dst, currPts[m.TrainIdx].Local)
		matchIdx = append(matchIdx, i)
	}

	if len(src) < 3 {
		Log.Warn().Int("matches", len(src)).Msg("feature: RunVO has too few correspondences, returning identity")
		return VOResult{DeltaT: geometry.IdentitySE3}, nil
	}

	pose, inliers, ratio := e.ransacRigid(src, dst)
	inlierIDs := make([]int, len(inliers))
	for i, idx := range inliers {
		inlierIDs[i] = matchIdx[idx]
	}

	return VOResult{DeltaT: pose, InlierIDs: inlierIDs, InlierRatio: ratio}, nil
}

func (e *ORBEngine) MatchXYZ(current frame.Frame, landmarks []LandmarkProjection, searchRadius float32, descriptorCeiling float32) (MatchResult, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(current.RGB, &gray, gocv.ColorBGRToGray)

	kps, desc := e.orb.DetectAndCompute(gray, gocv.NewMat())
	defer desc.Close()
	currPts := e.backProject(current, kps, desc)

	var measurements []Measurement
	matched := 0
	for _, lm := range landmarks {
		bestIdx := -1
		bestDist := float32(1 << 30)
		for i, cp := range currPts {
			du := cp.U - lm.U
			dv := cp.V - lm.V
			if du*du+dv*dv > searchRadius*searchRadius {
				continue
			}
			d := hammingDistance(lm.Descriptor, cp.Descriptor)
			if d < bestDist && d <= descriptorCeiling {
				bestDist = d
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			continue
		}
		matched++
		measurements = append(measurements, Measurement{
			LandmarkID: lm.LandmarkID,
			Local:      currPts[bestIdx].Local,
		})
	}

	ratio := 0.0
	if len(landmarks) > 0 {
		ratio = float64(matched) / float64(len(landmarks))
	}
	return MatchResult{Measurements: measurements, InlierRatio: ratio}, nil
}

func (e *ORBEngine) ComputeNormals(f frame.Frame, u, v float32) (geometry.Vec3, error) {
	x0, y0 := int(u), int(v)
	if x0 <= 0 || y0 <= 0 || x0 >= f.Depth.Cols()-1 || y0 >= f.Depth.Rows()-1 {
		return geometry.Vec3{}, fmt.Errorf("feature: pixel (%d,%d) too close to image border for normal estimate", x0, y0)
	}

	dzdx := depthAt(f.Depth, x0+1, y0) - depthAt(f.Depth, x0-1, y0)
	dzdy := depthAt(f.Depth, x0, y0+1) - depthAt(f.Depth, x0, y0-1)

	n := geometry.Vec3{X: -dzdx, Y: -dzdy, Z: 1}.Normalized()
	return n, nil
}

func (e *ORBEngine) ComputeGradients(f frame.Frame, u, v float32) (float32, error) {
	x0, y0 := int(u), int(v)
	if x0 <= 0 || y0 <= 0 || x0 >= f.RGB.Cols()-1 || y0 >= f.RGB.Rows()-1 {
		return 0, fmt.Errorf("feature: pixel (%d,%d) too close to image border for gradient estimate", x0, y0)
	}
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(f.RGB, &gray, gocv.ColorBGRToGray)

	gx := float32(gray.GetUCharAt(y0, x0+1)) - float32(gray.GetUCharAt(y0, x0-1))
	gy := float32(gray.GetUCharAt(y0+1, x0)) - float32(gray.GetUCharAt(y0-1, x0))
	return float32(geometry.Vec3{X: float64(gx), Y: float64(gy)}.Norm()), nil
}

func (e *ORBEngine) backProject(f frame.Frame, kps []gocv.KeyPoint, desc gocv.Mat) []Keypoint {
	out := make([]Keypoint, 0, len(kps))
	for i, kp := range kps {
		u, v := float32(kp.X), float32(kp.Y)
		raw := depthAt(f.Depth, int(u), int(v))
		if raw <= 0 {
			continue
		}
		x, y, z := f.Intrinsics.UnprojectRaw(u, v, raw, f.DepthScale)
		out = append(out, Keypoint{
			U:           u,
			V:           v,
			Local:       geometry.Vec3{X: float64(x), Y: float64(y), Z: float64(z)},
			Descriptor:  descriptorRow(desc, i),
			ResponseOrd: i,
			Response:    float32(kp.Response),
			Octave:      kp.Octave,
		})
	}
	return out
}

func (e *ORBEngine) ransacRigid(src, dst []geometry.Vec3) (geometry.SE3, []int, float64) {
	n := len(src)
	best := geometry.IdentitySE3
	var bestInliers []int

	for iter := 0; iter < e.ransac.Iterations && n >= 3; iter++ {
		i0, i1, i2 := e.rng.Intn(n), e.rng.Intn(n), e.rng.Intn(n)
		if i0 == i1 || i1 == i2 || i0 == i2 {
			continue
		}
		pose, err := geometry.FitRigid(
			[]geometry.Vec3{src[i0], src[i1], src[i2]},
			[]geometry.Vec3{dst[i0], dst[i1], dst[i2]},
		)
		if err != nil {
			continue
		}

		var inliers []int
		for i := range src {
			if geometry.RigidFitResidual(pose, src[i], dst[i]) <= e.ransac.InlierDistance {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			best = pose
		}
	}

	if len(bestInliers) >= 3 {
		srcIn := make([]geometry.Vec3, len(bestInliers))
		dstIn := make([]geometry.Vec3, len(bestInliers))
		for i, idx := range bestInliers {
			srcIn[i] = src[idx]
			dstIn[i] = dst[idx]
		}
		if refined, err := geometry.FitRigid(srcIn, dstIn); err == nil {
			best = refined
		}
	}

	ratio := 0.0
	if n > 0 {
		ratio = float64(len(bestInliers)) / float64(n)
	}
	if len(bestInliers) < e.ransac.MinInliers {
		Log.Warn().Int("inliers", len(bestInliers)).Msg("feature: RANSAC below minimum inlier count, returning identity")
		return geometry.IdentitySE3, bestInliers, ratio
	}

	return best, bestInliers, ratio
}

func depthAt(depth gocv.Mat, x, y int) float32 {
	if x < 0 || y < 0 || x >= depth.Cols() || y >= depth.Rows() {
		return 0
	}
	switch depth.Type() {
	case gocv.MatTypeCV16U:
		return float32(depth.GetUShortAt(y, x))
	case gocv.MatTypeCV32F:
		return depth.GetFloatAt(y, x)
	default:
		return float32(depth.GetUCharAt(y, x))
	}
}

func descriptorRow(desc gocv.Mat, row int) []byte {
	cols := desc.Cols()
	out := make([]byte, cols)
	for c := 0; c < cols; c++ {
		out[c] = desc.GetUCharAt(row, c)
	}
	return out
}

func hammingDistance(a, b []byte) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dist int
	for i := 0; i < n; i++ {
		x := a[i] ^ b[i]
		for x != 0 {
			dist++
			x &= x - 1
		}
	}
	return float32(dist)
}
