package slam

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OptimizerMode selects the background optimizer's behavior, per spec.md
// section 4.7.
type OptimizerMode string

const (
	OptimizerOff      OptimizerMode = "off"
	OptimizerOn       OptimizerMode = "on"
	OptimizerOnRobust OptimizerMode = "on_robust"
	OptimizerAtEnd    OptimizerMode = "at_end"
)

// WorkerMode toggles an on/off background worker (map manager, loop
// closure), per spec.md section 6.
type WorkerMode string

const (
	WorkerOff WorkerMode = "off"
	WorkerOn  WorkerMode = "on"
)

// Config is the recognized-options set of spec.md section 6, loaded via
// gopkg.in/yaml.v3 directly onto this flat struct (the teacher's own
// x/marshaller/yaml is a generic tensor/graph (un)marshaller with no
// relevance here). Defaults mirror PUTSLAM::loadConfigs in original_source.
type Config struct {
	Verbose    int  `yaml:"verbose"`
	OnlyVO     bool `yaml:"only_vo"`
	KeepFrames bool `yaml:"keep_frames"`

	OptimizerMode   OptimizerMode `yaml:"optimizer_mode"`
	MapManagerMode  WorkerMode    `yaml:"map_manager_mode"`
	LoopClosureMode WorkerMode    `yaml:"loop_closure_mode"`

	MinVisible                 int     `yaml:"min_visible"`
	MinMeasurements            int     `yaml:"min_measurements"`
	NoAddCeiling               int     `yaml:"no_add_ceiling"`
	MaxOnceAdd                 int     `yaml:"max_once_add"`
	EuclideanSeparation        float64 `yaml:"d_euc"`
	ImageSeparation            float64 `yaml:"d_img"`
	MaxPosePoseMeasurements    int     `yaml:"max_pose_pose_measurements"`
	MinPoseFeatureMeasurements int     `yaml:"min_pose_feature_measurements"`

	MaxTranslationPerFrame float64 `yaml:"max_translation_per_frame"`
	MaxAngleBetweenFrames  float64 `yaml:"max_angle_between_frames"`

	MinDepth      float64 `yaml:"min_depth"`
	MaxDepthAdmit float64 `yaml:"max_depth_admit"`
	MaxDepthMatch float64 `yaml:"max_depth_match"`

	// CauchyConstant parameterizes the optimizer's robust kernel when
	// OptimizerMode is on_robust (spec.md section 4.7, "Cauchy(c)").
	CauchyConstant float64 `yaml:"cauchy_constant"`

	// CovisibilityMinSharedLandmarks is k in "two keyframes are covisible
	// if they share >= k landmarks" (spec.md section 3).
	CovisibilityMinSharedLandmarks int `yaml:"covisibility_min_shared_landmarks"`

	// MapMatchMaxRetries bounds the map-matching retry loop (spec.md
	// section 4.5: "retry up to 10 times").
	MapMatchMaxRetries int `yaml:"map_match_max_retries"`
	// MapMatchMinInlierRatio is the threshold below which a retry fires.
	MapMatchMinInlierRatio float64 `yaml:"map_match_min_inlier_ratio"`
	// MapMatchBaseSearchRadius is the starting projected search radius in
	// pixels before any retry widening.
	MapMatchBaseSearchRadius float64 `yaml:"map_match_base_search_radius"`
	// MapMatchBaseDescriptorCeiling is the starting descriptor-distance
	// ceiling before any retry relaxation.
	MapMatchBaseDescriptorCeiling float64 `yaml:"map_match_base_descriptor_ceiling"`

	// OptimizerFlushInterval is how many pose-graph ticks the optimizer
	// runs between publish epochs while Running.
	OptimizerFlushInterval int `yaml:"optimizer_flush_interval"`
	// OptimizerConvergenceEpsilon is the fixed-point residual-change
	// threshold spec.md section 4.7 defines convergence by.
	OptimizerConvergenceEpsilon float64 `yaml:"optimizer_convergence_epsilon"`
	// OptimizerMaxSweepIterations bounds a single Gauss-Newton/LM sweep.
	OptimizerMaxSweepIterations int `yaml:"optimizer_max_sweep_iterations"`

	// MapManagerMinViewCount is the view-count floor below which the map
	// manager prunes a landmark (spec.md section 3, "Lifecycles").
	MapManagerMinViewCount int `yaml:"map_manager_min_view_count"`
	// MapManagerMergeDistance is the Euclidean distance below which two
	// landmarks are considered near-duplicates eligible for merging.
	MapManagerMergeDistance float64 `yaml:"map_manager_merge_distance"`

	// LoopClosureProbabilityThreshold gates when the cheap descriptor-bag
	// similarity triggers a full matcher run (spec.md section 4.8).
	LoopClosureProbabilityThreshold float64 `yaml:"loop_closure_probability_threshold"`
	// LoopClosureMinKeyframeGap avoids proposing edges between adjacent
	// keyframes that are trivially covisible already.
	LoopClosureMinKeyframeGap int `yaml:"loop_closure_min_keyframe_gap"`
}

// DefaultConfig returns the recognized-options defaults, grounded on
// PUTSLAM::loadConfigs in original_source where a corresponding field
// exists, and on the spec's own stated defaults otherwise
// (max_translation_per_frame=0.10, min_depth=0.8, max_depth_admit=6.0,
// max_depth_match=5.0).
func DefaultConfig() Config {
	return Config{
		Verbose:    0,
		OnlyVO:     false,
		KeepFrames: false,

		OptimizerMode:   OptimizerOn,
		MapManagerMode:  WorkerOn,
		LoopClosureMode: WorkerOn,

		MinVisible:                 50,
		MinMeasurements:            20,
		NoAddCeiling:               100,
		MaxOnceAdd:                 50,
		EuclideanSeparation:        0.05,
		ImageSeparation:            10,
		MaxPosePoseMeasurements:    5,
		MinPoseFeatureMeasurements: 5,

		MaxTranslationPerFrame: 0.10,
		MaxAngleBetweenFrames:  0.5,

		MinDepth:      0.8,
		MaxDepthAdmit: 6.0,
		MaxDepthMatch: 5.0,

		CauchyConstant: 1.0,

		CovisibilityMinSharedLandmarks: 15,

		MapMatchMaxRetries:            10,
		MapMatchMinInlierRatio:        0.1,
		MapMatchBaseSearchRadius:      5.0,
		MapMatchBaseDescriptorCeiling: 64,

		OptimizerFlushInterval:      5,
		OptimizerConvergenceEpsilon: 1e-6,
		OptimizerMaxSweepIterations: 20,

		MapManagerMinViewCount:  2,
		MapManagerMergeDistance: 0.01,

		LoopClosureProbabilityThreshold: 0.6,
		LoopClosureMinKeyframeGap:       30,
	}
}

// LoadConfig reads a YAML configuration file, overlaying it onto
// DefaultConfig, then validates it. Any invalid field is a ConfigError,
// which aborts the process per spec.md section 7.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Field: path, Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &ConfigError{Field: path, Reason: fmt.Sprintf("yaml: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the recognized-options invariants: non-positive
// thresholds and unknown mode strings are ConfigError.
func (c Config) Validate() error {
	switch c.OptimizerMode {
	case OptimizerOff, OptimizerOn, OptimizerOnRobust, OptimizerAtEnd:
	default:
		return &ConfigError{Field: "optimizer_mode", Reason: fmt.Sprintf("unknown mode %q", c.OptimizerMode)}
	}
	switch c.MapManagerMode {
	case WorkerOff, WorkerOn:
	default:
		return &ConfigError{Field: "map_manager_mode", Reason: fmt.Sprintf("unknown mode %q", c.MapManagerMode)}
	}
	switch c.LoopClosureMode {
	case WorkerOff, WorkerOn:
	default:
		return &ConfigError{Field: "loop_closure_mode", Reason: fmt.Sprintf("unknown mode %q", c.LoopClosureMode)}
	}

	positive := map[string]float64{
		"min_visible":                    float64(c.MinVisible),
		"min_measurements":               float64(c.MinMeasurements),
		"no_add_ceiling":                 float64(c.NoAddCeiling),
		"max_once_add":                   float64(c.MaxOnceAdd),
		"d_euc":                          c.EuclideanSeparation,
		"d_img":                          c.ImageSeparation,
		"max_translation_per_frame":      c.MaxTranslationPerFrame,
		"max_angle_between_frames":       c.MaxAngleBetweenFrames,
		"min_depth":                      c.MinDepth,
		"max_depth_admit":                c.MaxDepthAdmit,
		"max_depth_match":                c.MaxDepthMatch,
		"map_match_max_retries":          float64(c.MapMatchMaxRetries),
		"optimizer_flush_interval":       float64(c.OptimizerFlushInterval),
		"optimizer_max_sweep_iterations": float64(c.OptimizerMaxSweepIterations),
	}
	for field, v := range positive {
		if v <= 0 {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("must be positive, got %v", v)}
		}
	}
	if c.MinDepth >= c.MaxDepthAdmit {
		return &ConfigError{Field: "min_depth/max_depth_admit", Reason: "min_depth must be less than max_depth_admit"}
	}
	return nil
}
