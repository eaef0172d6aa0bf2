package slam

import (
	"errors"

	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
)

// stubEngine is a scripted feature.Engine for exercising the VO driver,
// ingestion, matcher and admission policy without gocv.
type stubEngine struct {
	voResult feature.VOResult
	voErr    error

	matchResult feature.MatchResult
	matchErr    error

	detectResult []feature.Keypoint
	detectErr    error
}

var _ feature.Engine = (*stubEngine)(nil)

func (s *stubEngine) DetectInit(f frame.Frame) ([]feature.Keypoint, error) {
	return s.detectResult, s.detectErr
}

func (s *stubEngine) RunVO(prev, current frame.Frame) (feature.VOResult, error) {
	return s.voResult, s.voErr
}

func (s *stubEngine) MatchXYZ(current frame.Frame, landmarks []feature.LandmarkProjection, searchRadius, descriptorCeiling float32) (feature.MatchResult, error) {
	return s.matchResult, s.matchErr
}

func (s *stubEngine) ComputeNormals(f frame.Frame, u, v float32) (geometry.Vec3, error) {
	return geometry.Vec3{}, errors.New("not implemented")
}

func (s *stubEngine) ComputeGradients(f frame.Frame, u, v float32) (float32, error) {
	return 0, errors.New("not implemented")
}
