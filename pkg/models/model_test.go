package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalModelStateClone(t *testing.T) {
	state := GlobalModelState{"w1": {1.0, 2.0}, "b1": {0.5}}

	clone := state.Clone()
	require.True(t, state.SameShape(clone))

	clone["w1"][0] = 99.0
	assert.Equal(t, 1.0, state["w1"][0], "clone must not alias the original tensors")
}

func TestChecksumDeterministic(t *testing.T) {
	a := GlobalModelState{"w1": {1.0, 2.0}, "b1": {0.5}}
	b := GlobalModelState{"b1": {0.5}, "w1": {1.0, 2.0}}

	assert.Equal(t, a.Checksum(), b.Checksum(), "checksum must be independent of map iteration order")

	b["w1"][1] = 2.0000001
	assert.NotEqual(t, a.Checksum(), b.Checksum())
}

func TestSameShape(t *testing.T) {
	base := GlobalModelState{"w1": {1, 2, 3}}

	assert.True(t, base.SameShape(GlobalModelState{"w1": {4, 5, 6}}))
	assert.False(t, base.SameShape(GlobalModelState{"w2": {1, 2, 3}}), "different key")
	assert.False(t, base.SameShape(GlobalModelState{"w1": {1, 2}}), "different length")
	assert.False(t, base.SameShape(GlobalModelState{"w1": {1, 2, 3}, "b": {0}}), "extra key")
}

func TestEnvelopeFits(t *testing.T) {
	cap := ResourceEnvelope{MilliCPU: 4000, MemoryBytes: 1 << 30, GPUMemoryBytes: 0}

	assert.True(t, ResourceEnvelope{MilliCPU: 1000, MemoryBytes: 1 << 20}.Fits(cap))
	assert.False(t, ResourceEnvelope{MilliCPU: 8000}.Fits(cap))
	assert.False(t, ResourceEnvelope{GPUMemoryBytes: 1}.Fits(cap))
}

func TestInstructionListTotalGas(t *testing.T) {
	prog := InstructionList{
		{Op: OpPush, Value: 1, Gas: 1},
		{Op: OpLoad, Param: "w1", Gas: 4},
		{Op: OpStore, Param: "w1", Gas: 4},
	}
	assert.Equal(t, uint64(9), prog.TotalGas())
}
