package slam

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCovisibilityLinksAboveThreshold(t *testing.T) {
	c := NewCovisibility(2)
	c.AddKeyframe(0)
	c.AddKeyframe(1)

	c.ObserverAdded(1, nil) // landmark 0 first observed by kf1 alone; no shared with itself
	// Simulate two landmarks shared between kf0 and kf1 by calling
	// ObserverAdded(1, [0]) twice for two distinct landmarks.
	c.ObserverAdded(1, []uint32{0})
	assert.Empty(t, c.Neighbors(0))

	c.ObserverAdded(1, []uint32{0})
	assert.Equal(t, []uint32{1}, c.Neighbors(0))
}

func TestCovisibilityUnlinkOnRemoval(t *testing.T) {
	c := NewCovisibility(1)
	c.AddKeyframe(0)
	c.AddKeyframe(1)

	c.ObserverAdded(1, []uint32{0})
	assert.Len(t, c.Neighbors(0), 1)

	c.ObserverRemoved(1, []uint32{0})
	assert.Empty(t, c.Neighbors(0))
}

func TestCovisibilityNumNodesAndEdges(t *testing.T) {
	c := NewCovisibility(1)
	c.AddKeyframe(0)
	c.AddKeyframe(1)
	c.AddKeyframe(2)
	c.ObserverAdded(1, []uint32{0})
	c.ObserverAdded(2, []uint32{0})

	assert.Equal(t, 3, c.NumNodes())
	assert.Equal(t, 2, c.NumEdges())
}
