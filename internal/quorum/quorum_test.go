package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumSucceeds(t *testing.T) {
	var result *bool
	q := New(2, 3, func(elected bool) { result = &elected })

	q.Succeed()
	require.Nil(t, result)
	q.Succeed()
	require.NotNil(t, result)
	assert.True(t, *result)
}

func TestQuorumFailsWhenImpossible(t *testing.T) {
	var result *bool
	q := New(2, 3, func(elected bool) { result = &elected })

	q.Fail()
	require.Nil(t, result)
	q.Fail()
	require.NotNil(t, result)
	assert.False(t, *result)
}

func TestQuorumIdempotentAfterCompletion(t *testing.T) {
	var calls int
	q := New(1, 3, func(bool) { calls++ })

	q.Succeed()
	q.Succeed()
	q.Fail()
	q.Fail()
	q.Fail()
	assert.Equal(t, 1, calls)
}

func TestQuorumMixedOutcome(t *testing.T) {
	var result *bool
	q := New(2, 3, func(elected bool) { result = &elected })

	q.Fail()
	q.Succeed()
	require.Nil(t, result)
	q.Succeed()
	require.NotNil(t, result)
	assert.True(t, *result)
}

func TestQuorumCancel(t *testing.T) {
	var calls int
	q := New(1, 1, func(bool) { calls++ })
	// Size one completes immediately on construction only after a vote.
	q.Cancel()
	q.Succeed()
	assert.Equal(t, 0, calls)
}
