package slam

import (
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

// Map is the single shared mutable structure spec.md section 5 describes:
// a reader-writer discipline over keyframes, landmarks, pose-pose and
// pose-feature edges, with a derived covisibility index. Cross-references
// are dense u32 ids into arena slices, never pointers between entities,
// per spec.md section 9 ("Cyclic references... Model as an arena").
//
// Structural edits (AddPose, AddFeatures, AddMeasurement(s), Prune, Merge)
// take the exclusive lock. Value updates (UpdatePose, UpdateLandmark) are
// applied under the exclusive lock too, but only by the optimizer's publish
// step, in batch. Queries take the shared lock and copy out everything
// they return so callers never hold an internal reference.
type Map struct {
	mu sync.RWMutex

	keyframes []*Keyframe
	landmarks []*Landmark
	poseEdges []PoseEdge

	covis *Covisibility

	keepFrames bool
}

// NewMap builds an empty map. covisMinShared is the k in spec.md's
// covisibility definition ("share >= k landmarks").
func NewMap(covisMinShared int, keepFrames bool) *Map {
	return &Map{
		covis:      NewCovisibility(covisMinShared),
		keepFrames: keepFrames,
	}
}

// AddPose appends a keyframe whose world pose is prevPose . deltaT, per
// spec.md section 4.2's "T_wc_new = T_wc_prev . DeltaT" composition rule.
// The very first call (empty map) takes deltaT as the absolute starting
// pose rather than composing it against a non-existent previous keyframe.
// Returns the freshly composed pose alongside the assigned id: callers
// that need the raw, pre-optimization pose (e.g. trajectory logging) must
// use this return value rather than reading it back via SensorPoseOf,
// since the optimizer may publish a correction to it at any time after
// this call returns.
func (m *Map) AddPose(deltaT geometry.SE3, timestamp float64, rgb, depth gocv.Mat) (uint32, geometry.SE3) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pose geometry.SE3
	if len(m.keyframes) == 0 {
		pose = deltaT
	} else {
		pose = m.keyframes[len(m.keyframes)-1].Twc.Compose(deltaT)
	}

	id := uint32(len(m.keyframes))
	kf := &Keyframe{
		ID:           id,
		Twc:          pose,
		Timestamp:    timestamp,
		Observations: make(map[uint32]struct{}),
	}
	if m.keepFrames {
		kf.RGB = rgb.Clone()
		kf.Depth = depth.Clone()
	}
	m.keyframes = append(m.keyframes, kf)
	m.covis.AddKeyframe(id)
	return id, pose
}

// SensorPose returns the world pose of the most recently added keyframe.
func (m *Map) SensorPose() geometry.SE3 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyframes) == 0 {
		return geometry.IdentitySE3
	}
	return m.keyframes[len(m.keyframes)-1].Twc
}

// SensorPoseOf returns the world pose of a specific keyframe.
func (m *Map) SensorPoseOf(id uint32) (geometry.SE3, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf := m.keyframeUnlocked(id)
	if kf == nil {
		return geometry.SE3{}, false
	}
	return kf.Twc, true
}

// CurrentKeyframeID returns the id of the most recently added keyframe.
func (m *Map) CurrentKeyframeID() (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyframes) == 0 {
		return 0, false
	}
	return m.keyframes[len(m.keyframes)-1].ID, true
}

func (m *Map) keyframeUnlocked(id uint32) *Keyframe {
	if int(id) >= len(m.keyframes) {
		return nil
	}
	kf := m.keyframes[id]
	if kf.tombstone {
		return nil
	}
	return kf
}

func (m *Map) landmarkUnlocked(id uint32) *Landmark {
	if int(id) >= len(m.landmarks) {
		return nil
	}
	lm := m.landmarks[id]
	if lm == nil || lm.tombstone {
		return nil
	}
	return lm
}

// GetVisibleFeatures returns the landmarks observed by the current
// keyframe itself (not its covisibility neighborhood) — the "camera is
// currently looking roughly here" set.
func (m *Map) GetVisibleFeatures() []*Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyframes) == 0 {
		return nil
	}
	current := m.keyframes[len(m.keyframes)-1]
	return m.landmarksObservedByUnlocked(current.ID)
}

// GetCovisibleFeatures returns landmarks observed by the current
// keyframe's covisibility neighborhood, per spec.md section 4.3.
func (m *Map) GetCovisibleFeatures() []*Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyframes) == 0 {
		return nil
	}
	current := m.keyframes[len(m.keyframes)-1]
	ids := map[uint32]struct{}{current.ID: {}}
	for _, nb := range m.covis.Neighbors(current.ID) {
		ids[nb] = struct{}{}
	}

	seen := map[uint32]struct{}{}
	var out []*Landmark
	for kfID := range ids {
		for _, lm := range m.landmarksObservedByUnlocked(kfID) {
			if _, ok := seen[lm.ID]; ok {
				continue
			}
			seen[lm.ID] = struct{}{}
			out = append(out, lm)
		}
	}
	return out
}

// LandmarksObservedBy returns the landmarks observed by an arbitrary
// keyframe (not just the current one), for the loop-closure worker's
// descriptor-bag construction.
func (m *Map) LandmarksObservedBy(keyframeID uint32) []*Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.landmarksObservedByUnlocked(keyframeID)
}

func (m *Map) landmarksObservedByUnlocked(keyframeID uint32) []*Landmark {
	kf := m.keyframeUnlocked(keyframeID)
	if kf == nil {
		return nil
	}
	out := make([]*Landmark, 0, len(kf.Observations))
	for lmID := range kf.Observations {
		if lm := m.landmarkUnlocked(lmID); lm != nil {
			out = append(out, copyLandmark(lm))
		}
	}
	return out
}

func copyLandmark(lm *Landmark) *Landmark {
	cp := *lm
	cp.ExtendedDescriptors = make(map[uint32]ViewDescriptor, len(lm.ExtendedDescriptors))
	for k, v := range lm.ExtendedDescriptors {
		cp.ExtendedDescriptors[k] = v
	}
	return &cp
}

// FindNearestFrame implements spec.md section 4.3's find_nearest_frame: for
// each landmark, selects the observing keyframe whose observation ray is
// closest (smallest angular deviation) to the ray from the current pose,
// but only if that deviation is <= maxAngle; otherwise emits the sentinel
// InvalidID. Ties are broken by smaller keyframe id.
func (m *Map) FindNearestFrame(landmarks []*Landmark, maxAngle float64) (frameIDs []uint32, angles []float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.keyframes) == 0 {
		frameIDs = make([]uint32, len(landmarks))
		angles = make([]float64, len(landmarks))
		for i := range frameIDs {
			frameIDs[i] = InvalidID
		}
		return
	}
	current := m.keyframes[len(m.keyframes)-1]

	frameIDs = make([]uint32, len(landmarks))
	angles = make([]float64, len(landmarks))

	for i, lm := range landmarks {
		currentRay := lm.PositionW.Sub(current.Twc.Translation()).Normalized()

		best := InvalidID
		bestAngle := math.Inf(1)
		for kfID := range lm.ExtendedDescriptors {
			kf := m.keyframeUnlocked(kfID)
			if kf == nil {
				continue
			}
			ray := lm.PositionW.Sub(kf.Twc.Translation()).Normalized()
			cosAngle := geometry.Clamp(currentRay.Dot(ray), -1, 1)
			angle := math.Acos(cosAngle)
			if angle > maxAngle {
				continue
			}
			if angle < bestAngle || (angle == bestAngle && kfID < best) {
				bestAngle = angle
				best = kfID
			}
		}

		frameIDs[i] = best
		if best == InvalidID {
			angles[i] = math.Inf(1)
		} else {
			angles[i] = bestAngle
		}
	}
	return
}

// AddMeasurement adds a pose-pose edge from keyframe fromID to toID using
// deltaT, the odometry-fallback edge spec.md section 4.5 describes.
func (m *Map) AddMeasurement(fromID, toID uint32, deltaT geometry.SE3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyframeUnlocked(fromID) == nil || m.keyframeUnlocked(toID) == nil {
		return
	}
	m.poseEdges = append(m.poseEdges, PoseEdge{From: fromID, To: toID, DeltaT: deltaT})
}

// AddMeasurements adds pose-landmark edges; each observation carries the
// landmark id, the observing keyframe id, and the 3D position in the
// observing keyframe's local frame, per spec.md section 4.3.
func (m *Map) AddMeasurements(obs []Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range obs {
		lm := m.landmarkUnlocked(o.LandmarkID)
		kf := m.keyframeUnlocked(o.ObservingKeyframeID)
		if lm == nil || kf == nil {
			continue
		}

		others := make([]uint32, 0, len(lm.ExtendedDescriptors))
		for id := range lm.ExtendedDescriptors {
			others = append(others, id)
		}

		lm.ExtendedDescriptors[o.ObservingKeyframeID] = ViewDescriptor{
			KeyframeID:    o.ObservingKeyframeID,
			LocalPosition: o.Local,
		}
		kf.Observations[o.LandmarkID] = struct{}{}

		m.covis.ObserverAdded(o.ObservingKeyframeID, others)
	}
}

// AddFeatures creates new landmarks and their initial ViewDescriptor, per
// spec.md section 4.3's add_features. Returns the assigned landmark ids in
// the same order as reqs.
func (m *Map) AddFeatures(reqs []NewLandmarkRequest, keyframeID uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	kf := m.keyframeUnlocked(keyframeID)
	if kf == nil {
		return nil
	}

	ids := make([]uint32, 0, len(reqs))
	for _, req := range reqs {
		id := uint32(len(m.landmarks))
		lm := &Landmark{
			ID:        id,
			PositionW: req.PositionW,
			ExtendedDescriptors: map[uint32]ViewDescriptor{
				keyframeID: req.Observation,
			},
		}
		m.landmarks = append(m.landmarks, lm)
		kf.Observations[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// UpdatePose rewrites a keyframe's world pose. Invoked only by the
// optimizer's publish step, per spec.md section 4.7/I5.
func (m *Map) UpdatePose(id uint32, t geometry.SE3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kf := m.keyframeUnlocked(id); kf != nil {
		kf.Twc = t
	}
}

// UpdateLandmark rewrites a landmark's world position. Invoked only by the
// optimizer's publish step, per spec.md section 4.7/I5.
func (m *Map) UpdateLandmark(id uint32, p geometry.Vec3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lm := m.landmarkUnlocked(id); lm != nil {
		lm.PositionW = p
	}
}

// Prune tombstones landmarks whose view count is below threshold, per the
// map-manager's Lifecycles policy (spec.md section 3). Invariant I1 is
// preserved: pruning a landmark never touches any Keyframe's Observations.
// The covisibility index is a derived structure, not keyframe state, and is
// updated here so it stays consistent with the landmarks it indexes.
func (m *Map) Prune(minViewCount int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for _, lm := range m.landmarks {
		if lm == nil || lm.tombstone {
			continue
		}
		if lm.ViewCount() < minViewCount {
			lm.tombstone = true
			pruned++
			m.removeObservers(lm.ExtendedDescriptors)
		}
	}
	return pruned
}

// removeObservers calls Covisibility.ObserverRemoved for every pair of
// keyframes that jointly observed a landmark, mirroring AddMeasurements'
// ObserverAdded bookkeeping on the way out.
func (m *Map) removeObservers(descriptors map[uint32]ViewDescriptor) {
	observers := make([]uint32, 0, len(descriptors))
	for kfID := range descriptors {
		observers = append(observers, kfID)
	}
	for _, kfID := range observers {
		others := make([]uint32, 0, len(observers)-1)
		for _, o := range observers {
			if o != kfID {
				others = append(others, o)
			}
		}
		m.covis.ObserverRemoved(kfID, others)
	}
}

// Merge folds mergeID's observations into keepID (near-duplicate landmark
// compaction, per spec.md section 4.9's map-manager role) and tombstones
// mergeID. Per invariant I3, keepID always retains >= 1 ViewDescriptor.
func (m *Map) Merge(keepID, mergeID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.landmarkUnlocked(keepID)
	merge := m.landmarkUnlocked(mergeID)
	if keep == nil || merge == nil || keepID == mergeID {
		return false
	}

	// mergeID's own covisibility pairings are retired before its observers
	// are folded into keepID, so the same shared-landmark count is never
	// attributed to both landmarks at once.
	m.removeObservers(merge.ExtendedDescriptors)

	for kfID, view := range merge.ExtendedDescriptors {
		if _, exists := keep.ExtendedDescriptors[kfID]; !exists {
			others := make([]uint32, 0, len(keep.ExtendedDescriptors))
			for o := range keep.ExtendedDescriptors {
				others = append(others, o)
			}
			keep.ExtendedDescriptors[kfID] = view
			m.covis.ObserverAdded(kfID, others)
		}
		if kf := m.keyframeUnlocked(kfID); kf != nil {
			delete(kf.Observations, mergeID)
			kf.Observations[keepID] = struct{}{}
		}
	}
	merge.tombstone = true
	merge.ExtendedDescriptors = nil
	return true
}

// NumKeyframes reports the dense keyframe arena size (including tombstoned
// entries, preserving id stability per invariant I2). NumLandmarks counts
// only live landmarks; tombstoned ones are excluded.
func (m *Map) NumKeyframes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

func (m *Map) NumLandmarks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, lm := range m.landmarks {
		if lm != nil && !lm.tombstone {
			n++
		}
	}
	return n
}

// Keyframe returns a copy of keyframe id's pose/timestamp data, or false if
// it does not exist (queries never leak internal references).
func (m *Map) Keyframe(id uint32) (Keyframe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf := m.keyframeUnlocked(id)
	if kf == nil {
		return Keyframe{}, false
	}
	cp := *kf
	cp.Observations = make(map[uint32]struct{}, len(kf.Observations))
	for k := range kf.Observations {
		cp.Observations[k] = struct{}{}
	}
	return cp, true
}

// Landmark returns a copy of landmark id's position/observation data, or
// false if it does not exist (queries never leak internal references).
func (m *Map) Landmark(id uint32) (Landmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lm := m.landmarkUnlocked(id)
	if lm == nil {
		return Landmark{}, false
	}
	return *copyLandmark(lm), true
}

// AllLandmarkIDs returns every non-tombstoned landmark id, in ascending
// order, for the map manager's merge sweep.
func (m *Map) AllLandmarkIDs() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.landmarks))
	for _, lm := range m.landmarks {
		if lm != nil && !lm.tombstone {
			ids = append(ids, lm.ID)
		}
	}
	return ids
}

// AllKeyframeIDs returns every non-tombstoned keyframe id, in ascending
// order, for trajectory output and loop-closure sweeps.
func (m *Map) AllKeyframeIDs() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		if kf != nil && !kf.tombstone {
			ids = append(ids, kf.ID)
		}
	}
	return ids
}

// PoseEdges returns a snapshot of every pose-pose edge, for the optimizer.
func (m *Map) PoseEdges() []PoseEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PoseEdge, len(m.poseEdges))
	copy(out, m.poseEdges)
	return out
}

// FeatureEdges reconstructs the pose-landmark edges implied by every
// landmark's ExtendedDescriptors, for the optimizer.
func (m *Map) FeatureEdges() []FeatureEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FeatureEdge
	for _, lm := range m.landmarks {
		if lm == nil || lm.tombstone {
			continue
		}
		for kfID, view := range lm.ExtendedDescriptors {
			out = append(out, FeatureEdge{
				KeyframeID: kfID,
				LandmarkID: lm.ID,
				Local:      view.LocalPosition,
			})
		}
	}
	return out
}

// CovisibilityNeighbors exposes the derived covisibility index for
// diagnostics/tests.
func (m *Map) CovisibilityNeighbors(id uint32) []uint32 {
	return m.covis.Neighbors(id)
}
