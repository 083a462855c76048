package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeTerminal(t *testing.T) {
	for _, outcome := range []Outcome{
		OutcomeCompleted, OutcomeFailed, OutcomeCrashed, OutcomeCanceled,
	} {
		assert.True(t, outcome.Terminal(), string(outcome))
	}
	assert.False(t, Outcome("running").Terminal())
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("package wf\n"))
	b := ContentHash([]byte("package wf\n"))
	c := ContentHash([]byte("package wf // changed\n"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
