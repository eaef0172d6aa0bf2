package slam

import (
	"iter"
	"sync"

	graph "github.com/itohio/rgbdslam/x/math/graph"
)

// Covisibility is the derived index spec.md section 3 describes: "two
// keyframes are covisible if they share >= k landmarks", maintained
// incrementally on landmark add/remove. It implements the teacher's
// graph.Graph[uint32, int] generic interfaces (x/math/graph) so the same
// iterator-based traversal the teacher's graph algorithms expect works
// here, with edge data carrying the shared-landmark count.
type Covisibility struct {
	mu        sync.RWMutex
	threshold int

	nodes map[uint32]*covisNode
	// shared[a][b] is the number of landmarks keyframes a and b both
	// observe, stored once per unordered pair with a < b.
	shared map[pairKey]int
}

var _ graph.Graph[uint32, int] = (*Covisibility)(nil)
var _ graph.Node[uint32, int] = (*covisNode)(nil)
var _ graph.Edge[uint32, int] = (*covisEdge)(nil)

type pairKey struct{ a, b uint32 }

func newPairKey(a, b uint32) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// NewCovisibility builds an empty covisibility index requiring at least
// minShared shared landmarks for two keyframes to be linked.
func NewCovisibility(minShared int) *Covisibility {
	return &Covisibility{
		threshold: minShared,
		nodes:     make(map[uint32]*covisNode),
		shared:    make(map[pairKey]int),
	}
}

// AddKeyframe registers a keyframe as a graph node with no edges yet.
func (c *Covisibility) AddKeyframe(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = &covisNode{id: id, graph: c, neighbors: map[uint32]struct{}{}}
	}
}

// ObserverAdded records that keyframe id now observes a landmark also
// observed by each keyframe in others, incrementing the shared count for
// every pair and linking it once the threshold is crossed.
func (c *Covisibility) ObserverAdded(id uint32, others []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, other := range others {
		if other == id {
			continue
		}
		key := newPairKey(id, other)
		c.shared[key]++
		if c.shared[key] >= c.threshold {
			c.link(id, other)
		}
	}
}

// ObserverRemoved is the inverse of ObserverAdded, decrementing shared
// counts and unlinking pairs that fall back below threshold.
func (c *Covisibility) ObserverRemoved(id uint32, others []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, other := range others {
		if other == id {
			continue
		}
		key := newPairKey(id, other)
		if c.shared[key] > 0 {
			c.shared[key]--
		}
		if c.shared[key] < c.threshold {
			c.unlink(id, other)
		}
	}
}

func (c *Covisibility) link(a, b uint32) {
	na, ok := c.nodes[a]
	if !ok {
		na = &covisNode{id: a, graph: c, neighbors: map[uint32]struct{}{}}
		c.nodes[a] = na
	}
	nb, ok := c.nodes[b]
	if !ok {
		nb = &covisNode{id: b, graph: c, neighbors: map[uint32]struct{}{}}
		c.nodes[b] = nb
	}
	na.neighbors[b] = struct{}{}
	nb.neighbors[a] = struct{}{}
}

func (c *Covisibility) unlink(a, b uint32) {
	if na, ok := c.nodes[a]; ok {
		delete(na.neighbors, b)
	}
	if nb, ok := c.nodes[b]; ok {
		delete(nb.neighbors, a)
	}
}

// Neighbors returns the ids of keyframes covisible with id, not including
// id itself.
func (c *Covisibility) Neighbors(id uint32) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(n.neighbors))
	for nb := range n.neighbors {
		out = append(out, nb)
	}
	return out
}

func (c *Covisibility) Nodes() iter.Seq[graph.Node[uint32, int]] {
	c.mu.RLock()
	snapshot := make([]*covisNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		snapshot = append(snapshot, n)
	}
	c.mu.RUnlock()
	return func(yield func(graph.Node[uint32, int]) bool) {
		for _, n := range snapshot {
			if !yield(n) {
				return
			}
		}
	}
}

func (c *Covisibility) Edges() iter.Seq[graph.Edge[uint32, int]] {
	c.mu.RLock()
	seen := map[pairKey]int{}
	for k, v := range c.shared {
		if v >= c.threshold {
			seen[k] = v
		}
	}
	c.mu.RUnlock()
	return func(yield func(graph.Edge[uint32, int]) bool) {
		for k, v := range seen {
			na := c.nodes[k.a]
			nb := c.nodes[k.b]
			if na == nil || nb == nil {
				continue
			}
			if !yield(&covisEdge{from: na, to: nb, data: v}) {
				return
			}
		}
	}
}

func (c *Covisibility) NumNodes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

func (c *Covisibility) NumEdges() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.shared {
		if v >= c.threshold {
			n++
		}
	}
	return n
}

type covisNode struct {
	id        uint32
	graph     *Covisibility
	neighbors map[uint32]struct{}
}

func (n *covisNode) ID() int64    { return int64(n.id) }
func (n *covisNode) Data() uint32 { return n.id }

func (n *covisNode) Neighbors() iter.Seq[graph.Node[uint32, int]] {
	n.graph.mu.RLock()
	ids := make([]uint32, 0, len(n.neighbors))
	for id := range n.neighbors {
		ids = append(ids, id)
	}
	n.graph.mu.RUnlock()
	return func(yield func(graph.Node[uint32, int]) bool) {
		for _, id := range ids {
			n.graph.mu.RLock()
			nb := n.graph.nodes[id]
			n.graph.mu.RUnlock()
			if nb == nil {
				continue
			}
			if !yield(nb) {
				return
			}
		}
	}
}

func (n *covisNode) Edges() iter.Seq[graph.Edge[uint32, int]] {
	return func(yield func(graph.Edge[uint32, int]) bool) {
		for nb := range n.Neighbors() {
			key := newPairKey(n.id, nb.Data())
			n.graph.mu.RLock()
			count := n.graph.shared[key]
			n.graph.mu.RUnlock()
			if !yield(&covisEdge{from: n, to: nb.(*covisNode), data: count}) {
				return
			}
		}
	}
}

func (n *covisNode) NumNeighbors() int {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return len(n.neighbors)
}

// Cost is the inverse of shared-landmark count: more shared landmarks is a
// cheaper (stronger) link, matching the convention the teacher's own
// Cost()-based search algorithms expect (lower is better).
func (n *covisNode) Cost(to graph.Node[uint32, int]) float32 {
	other, ok := to.(*covisNode)
	if !ok {
		return 1
	}
	key := newPairKey(n.id, other.id)
	n.graph.mu.RLock()
	count := n.graph.shared[key]
	n.graph.mu.RUnlock()
	if count <= 0 {
		return 1
	}
	return 1 / float32(count)
}

func (n *covisNode) Equal(other graph.Node[uint32, int]) bool {
	o, ok := other.(*covisNode)
	return ok && o.id == n.id
}

func (n *covisNode) Compare(other graph.Node[uint32, int]) int {
	o, ok := other.(*covisNode)
	if !ok {
		return 0
	}
	switch {
	case n.id < o.id:
		return -1
	case n.id > o.id:
		return 1
	default:
		return 0
	}
}

type covisEdge struct {
	from, to *covisNode
	data     int
}

func (e *covisEdge) ID() int64                     { return int64(e.from.id)<<32 | int64(e.to.id) }
func (e *covisEdge) From() graph.Node[uint32, int] { return e.from }
func (e *covisEdge) To() graph.Node[uint32, int]   { return e.to }
func (e *covisEdge) Data() int                     { return e.data }
func (e *covisEdge) Cost() float32 {
	if e.data <= 0 {
		return 1
	}
	return 1 / float32(e.data)
}
