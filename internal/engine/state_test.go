package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	allowed := map[[2]string]bool{
		{StateStarting, StateRunning}: true,
		{StateStarting, StateFailed}:  true,
		{StateRunning, StateStopping}: true,
		{StateRunning, StateFailed}:   true,
		{StateStopping, StateStopped}: true,
		{StateStopping, StateFailed}:  true,
	}

	states := []string{StateStarting, StateRunning, StateStopping, StateStopped, StateFailed}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]string{from, to}]
			assert.Equal(t, want, ValidTransition(from, to), "%s → %s", from, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StateStopped))
	assert.True(t, IsTerminal(StateFailed))
	assert.False(t, IsTerminal(StateStarting))
	assert.False(t, IsTerminal(StateRunning))
	assert.False(t, IsTerminal(StateStopping))
}
