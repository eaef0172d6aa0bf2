package slam

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigErrorUnwrapsToSentinel(t *testing.T) {
	err := &ConfigError{Field: "min_visible", Reason: "must be positive"}
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestCalibrationErrorUnwrapsToSentinel(t *testing.T) {
	err := &CalibrationError{Reason: "negative focal length"}
	assert.True(t, errors.Is(err, ErrCalibration))
}

func TestFailureCountersString(t *testing.T) {
	f := &FailureCounters{FrameFaults: 1, VOFailures: 2, MapMatchFailures: 3, OptimizerDivergences: 4, LoopClosureRejections: 5, ErraticMotionGated: 6}
	assert.NotEmpty(t, f.String())
}
