package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ana", "session-abc")
	sid, ok := r.SessionFor("ana")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_IgnoresEmpty(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("", "session-abc")
	r.Register("ana", "")
	assert.Equal(t, 0, r.Len())
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ana", "session-old")
	r.Register("ana", "session-new")

	sid, ok := r.SessionFor("ana")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ana", "session-abc")
	r.Register("ben", "session-abc")
	r.Register("cruz", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("ana")
	assert.False(t, ok)
	_, ok = r.SessionFor("ben")
	assert.False(t, ok)
	sid, ok := r.SessionFor("cruz")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}
