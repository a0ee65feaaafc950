package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorIteratesAllMembers(t *testing.T) {
	s := newAddressSelector([]string{"a", "b", "c"})
	require.Equal(t, selectorReset, s.state())

	var seen []string
	for s.hasNext() {
		seen = append(seen, s.next())
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, selectorComplete, s.state())
}

func TestSelectorLeaderFirst(t *testing.T) {
	s := newAddressSelector([]string{"a", "b", "c"})
	s.resetTo("b", nil)

	require.True(t, s.hasNext())
	assert.Equal(t, "b", s.next())

	var rest []string
	for s.hasNext() {
		rest = append(rest, s.next())
	}
	assert.ElementsMatch(t, []string{"a", "c"}, rest)
}

func TestSelectorResetRestartsIteration(t *testing.T) {
	s := newAddressSelector([]string{"a", "b"})
	s.next()
	s.next()
	require.False(t, s.hasNext())

	s.reset()
	assert.Equal(t, selectorReset, s.state())
	assert.True(t, s.hasNext())
}

func TestSelectorResetToUpdatesMembership(t *testing.T) {
	s := newAddressSelector([]string{"a", "b"})
	s.resetTo("c", []string{"b", "c", "d"})

	var seen []string
	for s.hasNext() {
		seen = append(seen, s.next())
	}
	require.Len(t, seen, 3)
	assert.Equal(t, "c", seen[0])
	assert.ElementsMatch(t, []string{"b", "d"}, seen[1:])
	assert.Equal(t, "c", s.currentLeader())
}

func TestSelectorIterateState(t *testing.T) {
	s := newAddressSelector([]string{"a", "b"})
	s.next()
	assert.Equal(t, selectorIterate, s.state())
}
