package slam

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/itohio/rgbdslam/pkg/core/logger"
	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/trajectory"
)

// PipelineState is the per-frame state machine of spec.md section 4.1:
// Idle -> Fetching -> VO -> (first? Admit : MapCycle) -> Log -> Idle.
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateFetching
	StateVO
	StateAdmit
	StateMapCycle
	StateLog
)

// Stats mirrors PUTSLAM::saveStatistics: the counters the pipeline exposes
// once Run returns or on request mid-run.
type Stats struct {
	FramesProcessed int
	Keyframes       int
	Landmarks       int
	Failures        FailureCounters
}

// Pipeline is the aggregate root wiring a frame.Source, a feature.Engine
// and a Map through the Configure -> Initialize -> Run -> Finalize
// lifecycle of spec.md section 4.1.
type Pipeline struct {
	cfg    Config
	source frame.Source
	engine feature.Engine
	log    zerolog.Logger

	m *Map

	vo        *VODriver
	ingestion *Ingestion
	matcher   *Matcher
	admission *AdmissionPolicy

	optimizer   *Optimizer
	loopClosure *LoopClosure
	mapManager  *MapManager

	failures FailureCounters

	framesProcessed int
	state           PipelineState

	// rawTrajectory is the per-keyframe pose as composed online during Run,
	// captured at AddPose's return value rather than read back from the
	// map afterward: the optimizer publishes corrected poses into the same
	// Keyframe.Twc slot from its own goroutine, so re-deriving this stream
	// from the map after Finalize would yield the optimized trajectory
	// twice instead of the two distinct streams spec.md section 6 wants.
	rawTrajectory []trajectory.Entry
}

// NewPipeline wires a pipeline's components from cfg, a frame source and a
// feature engine. Background workers are constructed but not started
// until Initialize.
func NewPipeline(cfg Config, source frame.Source, engine feature.Engine) *Pipeline {
	m := NewMap(cfg.CovisibilityMinSharedLandmarks, cfg.KeepFrames)
	log := logger.Log

	p := &Pipeline{
		cfg:    cfg,
		source: source,
		engine: engine,
		log:    log,
		m:      m,
	}

	p.vo = NewVODriver(engine, cfg.MaxTranslationPerFrame, &p.failures)
	p.ingestion = NewIngestion(m, cfg.MaxAngleBetweenFrames, cfg.MaxDepthMatch)
	p.matcher = NewMatcher(engine, cfg.MapMatchMaxRetries, cfg.MapMatchMinInlierRatio, cfg.MapMatchBaseSearchRadius, cfg.MapMatchBaseDescriptorCeiling)
	p.admission = NewAdmissionPolicy(cfg)

	p.optimizer = NewOptimizer(m, cfg, &p.failures, log)
	p.loopClosure = NewLoopClosure(m, engine, source.Intrinsics(), source.DepthScale(), cfg, &p.failures, log)
	p.mapManager = NewMapManager(m, cfg, log)

	return p
}

// Map exposes the shared map, for trajectory output after Run returns.
func (p *Pipeline) Map() *Map { return p.m }

// RawTrajectory returns the per-keyframe pose as composed online during
// Run, before any optimizer publishes a correction — the VO_trajectory.res
// stream of spec.md section 6.
func (p *Pipeline) RawTrajectory() []trajectory.Entry { return p.rawTrajectory }

// Configure validates cfg; a ConfigError here is fatal at startup, per
// spec.md section 7.
func (p *Pipeline) Configure() error {
	return p.cfg.Validate()
}

// Initialize starts the background workers (optimizer unless AT_END/OFF,
// loop closure, map manager), each gated by its own config mode.
func (p *Pipeline) Initialize(ctx context.Context) {
	if p.cfg.OnlyVO {
		return
	}
	if p.cfg.OptimizerMode != OptimizerAtEnd {
		p.optimizer.Start(ctx)
	}
	p.loopClosure.Start(ctx)
	p.mapManager.Start(ctx)
}

// Run drives the per-frame state machine until the source reports
// end-of-stream or ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.state = StateFetching
		f, err := p.source.Grab()
		if err != nil {
			if errors.Is(err, frame.ErrEndOfStream) {
				return nil
			}
			p.failures.FrameFaults++
			p.log.Warn().Err(err).Msg("frame fault")
			continue
		}

		p.processFrame(f)
		f.Close()
	}
}

func (p *Pipeline) processFrame(f frame.Frame) {
	p.state = StateVO
	first := p.vo.IsFirstFrame()
	deltaT, inlierIDs, inlierRatio := p.vo.RunVO(f)

	if first {
		p.state = StateAdmit
		p.bootstrapFirstKeyframe(f)
	} else {
		p.state = StateMapCycle
		p.runMapCycle(f, deltaT, inlierIDs, inlierRatio)
	}

	p.state = StateLog
	p.framesProcessed++
	p.log.Debug().
		Int("frame", p.framesProcessed).
		Float64("timestamp", f.Timestamp).
		Int("keyframes", p.m.NumKeyframes()).
		Int("landmarks", p.m.NumLandmarks()).
		Msg("frame processed")
	p.state = StateIdle
}

// bootstrapFirstKeyframe admits the very first frame directly: it becomes
// the anchor keyframe at the source's starting pose, and every detected
// feature with valid depth is admitted as a new landmark.
func (p *Pipeline) bootstrapFirstKeyframe(f frame.Frame) {
	kfID, pose := p.m.AddPose(p.source.StartingPose(), f.Timestamp, f.RGB, f.Depth)
	p.rawTrajectory = append(p.rawTrajectory, trajectory.Entry{Timestamp: f.Timestamp, Pose: pose})

	kps, err := p.engine.DetectInit(f)
	if err != nil {
		p.log.Error().Err(err).Msg("detect_init failed on first frame")
		return
	}

	reqs := make([]NewLandmarkRequest, 0, len(kps))
	for _, kp := range kps {
		if kp.Local.Z < p.cfg.MinDepth || kp.Local.Z > p.cfg.MaxDepthAdmit {
			continue
		}
		reqs = append(reqs, NewLandmarkRequest{
			PositionW: pose.TransformPoint(kp.Local),
			Observation: ViewDescriptor{
				KeyframeID:       kfID,
				Distorted2D:      [2]float32{kp.U, kp.V},
				Undistorted2D:    [2]float32{kp.U, kp.V},
				LocalPosition:    kp.Local,
				Descriptor:       kp.Descriptor,
				DetectorResponse: kp.Response,
				DetectorOctave:   kp.Octave,
			},
		})
	}
	p.m.AddFeatures(reqs, kfID)
}

// runMapCycle implements MapCycle = AddPose -> Visibility -> Match ->
// AddEdges -> MaybeAdmit, per spec.md section 4.1.
func (p *Pipeline) runMapCycle(f frame.Frame, deltaT geometry.SE3, _ []int, _ float64) {
	// Visibility must be read from the previous keyframe's covisibility
	// neighborhood before AddPose makes the new keyframe current — a
	// brand new keyframe has no observations yet, so reading it after
	// AddPose would always see an empty set.
	visible := p.m.GetCovisibleFeatures()

	kfID, currentPose := p.m.AddPose(deltaT, f.Timestamp, f.RGB, f.Depth)
	p.rawTrajectory = append(p.rawTrajectory, trajectory.Entry{Timestamp: f.Timestamp, Pose: currentPose})

	projections := p.ingestion.Prepare(currentPose, f.Intrinsics, visible)

	match := p.matcher.Match(f, projections)
	for i := range match.Measurements {
		match.Measurements[i].ObservingKeyframeID = kfID
	}

	if ShouldAddPosePoseEdge(len(match.Measurements), p.cfg.MaxPosePoseMeasurements) {
		if prevID, ok := p.previousKeyframeID(kfID); ok {
			p.m.AddMeasurement(prevID, kfID, deltaT)
		}
	}
	if ShouldAddPoseFeatureEdges(len(match.Measurements), p.cfg.MinPoseFeatureMeasurements) {
		p.m.AddMeasurements(match.Measurements)
	} else {
		p.failures.MapMatchFailures++
	}

	if p.admission.ShouldAdmit(len(visible), len(match.Measurements)) {
		p.admitNewLandmarks(f, currentPose, visible, projections, kfID)
	}
}

func (p *Pipeline) previousKeyframeID(current uint32) (uint32, bool) {
	if current == 0 {
		return 0, false
	}
	return current - 1, true
}

func (p *Pipeline) admitNewLandmarks(f frame.Frame, currentPose geometry.SE3, visible []*Landmark, projections []feature.LandmarkProjection, kfID uint32) {
	kps, err := p.engine.DetectInit(f)
	if err != nil {
		return
	}

	candidates := make([]feature.Candidate, 0, len(kps))
	for _, kp := range kps {
		if alreadyMatched(kp, projections) {
			continue
		}
		candidates = append(candidates, kp)
	}

	reqs := p.admission.SelectCandidates(candidates, currentPose, visible, projections, kfID)
	p.m.AddFeatures(reqs, kfID)
}

func alreadyMatched(kp feature.Keypoint, projections []feature.LandmarkProjection) bool {
	for _, proj := range projections {
		du := kp.U - proj.U
		dv := kp.V - proj.V
		if du*du+dv*dv < 4 {
			return true
		}
	}
	return false
}

// Finalize stops the background workers in order (map manager, then loop
// closure), runs a final optimizer pass when optimizer_mode is AT_END and
// waits for it, then stops any still-running optimizer, matching spec.md
// section 4.1's shutdown sequence.
func (p *Pipeline) Finalize() {
	p.mapManager.Stop()
	p.loopClosure.Stop()

	if p.cfg.OptimizerMode == OptimizerAtEnd {
		p.optimizer.Finalize()
	} else if p.cfg.OptimizerMode != OptimizerOff {
		p.optimizer.Stop()
	}

	p.vo.Close()
}

// Stats reports the running totals for end-of-run reporting.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesProcessed: p.framesProcessed,
		Keyframes:       p.m.NumKeyframes(),
		Landmarks:       p.m.NumLandmarks(),
		Failures:        p.failures,
	}
}

// State reports the pipeline's current per-frame state, for diagnostics.
func (p *Pipeline) State() PipelineState { return p.state }
