package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("nobody")
	assert.False(t, ok)

	r.Register("planner", "sess-1")
	r.Register("scanner", "sess-2")

	id, ok := r.SessionFor("planner")
	assert.True(t, ok)
	assert.Equal(t, "sess-1", id)

	// Reconnect replaces the previous session.
	r.Register("planner", "sess-3")
	id, _ = r.SessionFor("planner")
	assert.Equal(t, "sess-3", id)
}

func TestSessionRegistryRemoveDropsAllAgentsOnSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("a", "shared")
	r.Register("b", "shared")
	r.Register("c", "other")

	r.Remove("shared")

	_, ok := r.SessionFor("a")
	assert.False(t, ok)
	_, ok = r.SessionFor("b")
	assert.False(t, ok)

	id, ok := r.SessionFor("c")
	assert.True(t, ok)
	assert.Equal(t, "other", id)
}
