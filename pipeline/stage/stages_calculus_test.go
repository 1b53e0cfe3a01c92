package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDifferentiator_ScenarioG(t *testing.T) {
	s := NewDifferentiatorStage("diff")
	out := process(t, s, []float32{1, 3, 6, 10, 15}, 1)
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4, 5}, out, 1e-6)
}

func TestDifferentiator_StatePersistsAcrossCalls(t *testing.T) {
	s := NewDifferentiatorStage("diff")
	out1 := process(t, s, []float32{1, 3}, 1)
	out2 := process(t, s, []float32{6}, 1)
	assert.InDeltaSlice(t, []float32{1, 2}, out1, 1e-6)
	assert.InDeltaSlice(t, []float32{3}, out2, 1e-6)
}

func TestIntegrator_Leaky(t *testing.T) {
	s, err := NewIntegratorStage("int", 0.5)
	require.NoError(t, err)
	out := process(t, s, []float32{1, 1, 1}, 1)
	// y0 = 0.5*0+1=1, y1=0.5*1+1=1.5, y2=0.5*1.5+1=1.75
	assert.InDeltaSlice(t, []float32{1, 1.5, 1.75}, out, 1e-6)
}

func TestIntegrator_InvalidAlpha(t *testing.T) {
	_, err := NewIntegratorStage("int", -0.1)
	assert.Error(t, err)
	_, err = NewIntegratorStage("int", 1.1)
	assert.Error(t, err)
}
