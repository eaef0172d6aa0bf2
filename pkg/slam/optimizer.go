package slam

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

// OptimizerState is the background optimizer's lifecycle state, per
// spec.md section 4.7.
type OptimizerState int

const (
	OptimizerOffState OptimizerState = iota
	OptimizerRunning
	OptimizerDraining
	OptimizerFinalizing
)

func (s OptimizerState) String() string {
	switch s {
	case OptimizerOffState:
		return "off"
	case OptimizerRunning:
		return "running"
	case OptimizerDraining:
		return "draining"
	case OptimizerFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Optimizer is the background pose-graph/bundle-adjustment worker of
// spec.md section 4.7: it reads a snapshot of the map's edges, runs a
// damped Gauss-Newton sweep at float64 precision, and publishes the
// result back onto the map one entity at a time so readers never see a
// torn update within a single keyframe or landmark (invariant I5: the
// optimizer is the only writer of T_wc and position_w).
type Optimizer struct {
	m   *Map
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	state OptimizerState

	ctx    context.Context
	cancel func()
	done   chan struct{}

	failures *FailureCounters
}

// NewOptimizer builds an optimizer bound to m, governed by cfg's
// optimizer_mode and tuning fields.
func NewOptimizer(m *Map, cfg Config, failures *FailureCounters, log zerolog.Logger) *Optimizer {
	return &Optimizer{m: m, cfg: cfg, failures: failures, log: log.With().Str("worker", "optimizer").Logger()}
}

// State reports the optimizer's current lifecycle state.
func (o *Optimizer) State() OptimizerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start launches the background sweep loop if optimizer_mode is not off.
// AT_END mode starts in Draining and waits for Finalize to trigger a run.
func (o *Optimizer) Start(ctx context.Context) {
	if o.cfg.OptimizerMode == OptimizerOff {
		o.mu.Lock()
		o.state = OptimizerOffState
		o.mu.Unlock()
		return
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})

	o.mu.Lock()
	if o.cfg.OptimizerMode == OptimizerAtEnd {
		o.state = OptimizerDraining
	} else {
		o.state = OptimizerRunning
	}
	o.mu.Unlock()

	go o.loop()
}

// loop runs a sweep every OptimizerFlushInterval pose-graph ticks while
// Running, idling while Draining (AT_END mode, waiting for Finalize).
func (o *Optimizer) loop() {
	defer close(o.done)
	interval := time.Duration(o.cfg.OptimizerFlushInterval) * 100 * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if o.State() != OptimizerRunning {
				continue
			}
			o.runSweep()
		}
	}
}

// Stop cancels the background loop and waits for it to exit.
func (o *Optimizer) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

// Finalize runs one last sweep synchronously, used by AT_END mode and by
// the pipeline's shutdown sequence ("if AT_END start optimizer and wait").
func (o *Optimizer) Finalize() {
	o.mu.Lock()
	o.state = OptimizerFinalizing
	o.mu.Unlock()
	o.runSweep()
	o.mu.Lock()
	o.state = OptimizerOffState
	o.mu.Unlock()
}

// runSweep snapshots the map's edges, runs a bounded Gauss-Newton/LM
// iteration at float64, and publishes the result. A sweep that fails to
// factor (indefinite normal equations) or that does not reduce the
// residual is discarded without publishing, incrementing
// OptimizerDivergences.
func (o *Optimizer) runSweep() {
	poseEdges := o.m.PoseEdges()
	featureEdges := o.m.FeatureEdges()
	if len(poseEdges) == 0 && len(featureEdges) == 0 {
		return
	}

	prob := newBAProblem(o.m, poseEdges, featureEdges, o.cfg)
	if prob.numParams() == 0 {
		return
	}

	robust := o.cfg.OptimizerMode == OptimizerOnRobust
	lambda := 1e-3
	prevCost := prob.cost(robust, o.cfg.CauchyConstant)

	for iter := 0; iter < o.cfg.OptimizerMaxSweepIterations; iter++ {
		dx, ok := prob.solveStep(lambda, robust, o.cfg.CauchyConstant)
		if !ok {
			lambda *= 10
			if lambda > 1e6 {
				o.failures.OptimizerDivergences++
				return
			}
			continue
		}

		trial := prob.apply(dx)
		cost := trial.cost(robust, o.cfg.CauchyConstant)
		if cost > prevCost {
			lambda *= 10
			if lambda > 1e6 {
				o.failures.OptimizerDivergences++
				return
			}
			continue
		}

		improvement := prevCost - cost
		prob = trial
		lambda = maxFloat(lambda/10, 1e-8)
		if improvement < o.cfg.OptimizerConvergenceEpsilon {
			break
		}
		prevCost = cost
	}

	prob.publish(o.m)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// baProblem is the optimizer's in-memory parameterization: a pose
// correction (small-angle rotation vector + translation) per non-anchor
// keyframe, and a position correction per observed landmark. Shadow state
// so runSweep can evaluate and discard a trial step without ever mutating
// the Map until publish.
type baProblem struct {
	poseEdges    []PoseEdge
	featureEdges []FeatureEdge

	poseIndex map[uint32]int // keyframe id -> block offset, anchor (lowest keyframe id in the edge set) excluded
	landIndex map[uint32]int // landmark id -> block offset

	poses landmarkPoseSet
	lands map[uint32]geometry.Vec3

	anchor uint32
}

type landmarkPoseSet map[uint32]geometry.SE3

func newBAProblem(m *Map, poseEdges []PoseEdge, featureEdges []FeatureEdge, cfg Config) *baProblem {
	p := &baProblem{
		poseEdges:    poseEdges,
		featureEdges: featureEdges,
		poseIndex:    map[uint32]int{},
		landIndex:    map[uint32]int{},
		poses:        landmarkPoseSet{},
		lands:        map[uint32]geometry.Vec3{},
	}

	keyframeIDs := map[uint32]struct{}{}
	for _, e := range poseEdges {
		keyframeIDs[e.From] = struct{}{}
		keyframeIDs[e.To] = struct{}{}
	}
	for _, e := range featureEdges {
		keyframeIDs[e.KeyframeID] = struct{}{}
	}

	var anchorSet bool
	for id := range keyframeIDs {
		if !anchorSet || id < p.anchor {
			p.anchor = id
			anchorSet = true
		}
	}

	for id := range keyframeIDs {
		pose, ok := m.SensorPoseOf(id)
		if !ok {
			continue
		}
		p.poses[id] = pose
		if id == p.anchor {
			continue
		}
		p.poseIndex[id] = len(p.poseIndex) * 6
	}

	for _, e := range featureEdges {
		if _, ok := p.lands[e.LandmarkID]; ok {
			continue
		}
		kf := p.poseIndex
		_ = kf
		if pose, ok := p.poses[e.KeyframeID]; ok {
			p.lands[e.LandmarkID] = pose.TransformPoint(e.Local)
		}
	}
	npose := len(p.poseIndex)
	for id := range p.lands {
		p.landIndex[id] = npose*6 + len(p.landIndex)*3
	}

	return p
}

func (p *baProblem) numParams() int {
	return len(p.poseIndex)*6 + len(p.landIndex)*3
}

// residual returns every residual block's value: 6 per pose-pose edge
// (translation + small-angle rotation error), 3 per feature edge
// (local-frame position error).
func (p *baProblem) residuals() []float64 {
	var r []float64
	for _, e := range p.poseEdges {
		from, okFrom := p.poses[e.From]
		to, okTo := p.poses[e.To]
		if !okFrom || !okTo {
			continue
		}
		predicted := from.Compose(e.DeltaT)
		dt := to.Translation().Sub(predicted.Translation())
		dq := predicted.Quaternion().Conjugate().Mul(to.Quaternion())
		r = append(r, dt.X, dt.Y, dt.Z, 2*dq.X, 2*dq.Y, 2*dq.Z)
	}
	for _, e := range p.featureEdges {
		pose, ok := p.poses[e.KeyframeID]
		land, ok2 := p.lands[e.LandmarkID]
		if !ok || !ok2 {
			continue
		}
		predicted := pose.WorldToLocal(land)
		d := predicted.Sub(e.Local)
		r = append(r, d.X, d.Y, d.Z)
	}
	return r
}

func (p *baProblem) cost(robust bool, c float64) float64 {
	sum := 0.0
	for _, ri := range p.residuals() {
		if robust {
			sum += cauchyLoss(ri, c)
		} else {
			sum += ri * ri
		}
	}
	return sum
}

// cauchyLoss is the Cauchy robust kernel rho(r) = c^2/2 * log(1 + (r/c)^2),
// per spec.md section 4.7's ON_ROBUST mode.
func cauchyLoss(r, c float64) float64 {
	x := r / c
	return c * c / 2 * math.Log1p(x*x)
}

const epsFiniteDiff = 1e-6

// solveStep assembles J^T J and J^T r by central finite differences over
// every parameter, applies Levenberg-Marquardt damping, and solves for the
// parameter update via Cholesky. The finite-difference approach is a
// deliberate simplification in place of hand-derived analytic Jacobians
// for the SE(3)-composed residuals above; it pays a constant-factor cost
// the bounded problem sizes here can absorb.
func (p *baProblem) solveStep(lambda float64, robust bool, c float64) ([]float64, bool) {
	n := p.numParams()
	if n == 0 {
		return nil, false
	}

	r0 := p.residuals()
	m := len(r0)
	if m == 0 {
		return nil, false
	}

	jac := geometry.NewMatrix(m, n)
	for j := 0; j < n; j++ {
		plus := p.clone()
		plus.perturb(j, epsFiniteDiff)
		rPlus := plus.residuals()

		minus := p.clone()
		minus.perturb(j, -epsFiniteDiff)
		rMinus := minus.residuals()

		for i := 0; i < m; i++ {
			jac[i][j] = (rPlus[i] - rMinus[i]) / (2 * epsFiniteDiff)
		}
	}

	weights := make([]float64, m)
	for i, ri := range r0 {
		if robust {
			weights[i] = c * c / (c*c + ri*ri)
		} else {
			weights[i] = 1
		}
	}

	jtj := geometry.NewMatrix(n, n)
	jtr := make([]float64, n)
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			sum := 0.0
			for i := 0; i < m; i++ {
				sum += weights[i] * jac[i][a] * jac[i][b]
			}
			jtj[a][b] = sum
		}
		sum := 0.0
		for i := 0; i < m; i++ {
			sum += weights[i] * jac[i][a] * r0[i]
		}
		jtr[a] = -sum
	}
	jtj.AddDiagonal(lambda)

	dx := make([]float64, n)
	if err := jtj.CholeskySolve(jtr, dx); err != nil {
		return nil, false
	}
	return dx, true
}

// clone deep-copies the pose/landmark shadow state so a trial perturbation
// never mutates the receiver.
func (p *baProblem) clone() *baProblem {
	cp := &baProblem{
		poseEdges:    p.poseEdges,
		featureEdges: p.featureEdges,
		poseIndex:    p.poseIndex,
		landIndex:    p.landIndex,
		poses:        make(landmarkPoseSet, len(p.poses)),
		lands:        make(map[uint32]geometry.Vec3, len(p.lands)),
		anchor:       p.anchor,
	}
	for k, v := range p.poses {
		cp.poses[k] = v
	}
	for k, v := range p.lands {
		cp.lands[k] = v
	}
	return cp
}

// perturb applies a +/- delta to parameter index j in place: the first
// npose*6 parameters are (rotation-vector, translation) pairs per
// non-anchor keyframe, the rest are landmark position components.
func (p *baProblem) perturb(j int, delta float64) {
	npose6 := len(p.poseIndex) * 6
	if j < npose6 {
		for id, off := range p.poseIndex {
			if j < off || j >= off+6 {
				continue
			}
			local := j - off
			pose := p.poses[id]
			if local < 3 {
				var axis geometry.Vec3
				switch local {
				case 0:
					axis = geometry.Vec3{X: 1}
				case 1:
					axis = geometry.Vec3{Y: 1}
				case 2:
					axis = geometry.Vec3{Z: 1}
				}
				dq := geometry.Quaternion{X: axis.X * delta / 2, Y: axis.Y * delta / 2, Z: axis.Z * delta / 2, W: 1}.Normalized()
				pose.R = dq.ToRotationMatrix().Mul(pose.R)
			} else {
				switch local {
				case 3:
					pose.T.X += delta
				case 4:
					pose.T.Y += delta
				case 5:
					pose.T.Z += delta
				}
			}
			p.poses[id] = pose
			return
		}
		return
	}

	for id, off := range p.landIndex {
		idx := off - npose6
		if j-npose6 < idx || j-npose6 >= idx+3 {
			continue
		}
		local := j - npose6 - idx
		v := p.lands[id]
		switch local {
		case 0:
			v.X += delta
		case 1:
			v.Y += delta
		case 2:
			v.Z += delta
		}
		p.lands[id] = v
		return
	}
}

// apply returns a new problem with dx added to every parameter, the
// candidate step runSweep evaluates before accepting.
func (p *baProblem) apply(dx []float64) *baProblem {
	cp := p.clone()
	for j, d := range dx {
		cp.perturb(j, d)
	}
	return cp
}

// publish writes the optimized poses and landmark positions back onto the
// map one entity at a time, each under the map's own exclusive lock, so no
// reader ever observes a partially-applied entity. Per invariant I5 this
// is the only code path that calls UpdatePose/UpdateLandmark.
func (p *baProblem) publish(m *Map) {
	for id := range p.poseIndex {
		m.UpdatePose(id, p.poses[id])
	}
	for id := range p.landIndex {
		m.UpdateLandmark(id, p.lands[id])
	}
}
