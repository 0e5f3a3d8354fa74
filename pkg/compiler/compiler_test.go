package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcai-network/bcai-go/pkg/models"
)

const validSource = `
# tiny training program
param w1 4 0.5
param b1 1

load w1
scale 0.9
store w1
`

func testJob(source string) *models.TrainingJob {
	return &models.TrainingJob{
		ID:     "job-1",
		Name:   "test",
		Source: source,
		Envelope: models.ResourceEnvelope{
			MilliCPU:         1000,
			MemoryBytes:      1 << 20,
			WallClockSeconds: 60,
			GasBudget:        10_000,
		},
		Rounds: models.RoundConfig{Rounds: 1, MinWorkers: 1},
	}
}

func TestCompileValidSource(t *testing.T) {
	c := New(DefaultConfig())

	out, err := c.Compile(testJob(validSource))
	require.NoError(t, err)

	require.Len(t, out.Instructions, 3)
	assert.Equal(t, models.OpLoad, out.Instructions[0].Op)
	assert.Equal(t, "w1", out.Instructions[0].Param)

	require.Contains(t, out.InitialState, "w1")
	require.Contains(t, out.InitialState, "b1")
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, out.InitialState["w1"])
	assert.Equal(t, []float64{0}, out.InitialState["b1"])

	assert.Equal(t, uint64(10_000), out.Constraints.GasLimit)
	assert.Equal(t, int64(60), out.Constraints.MaxWallSeconds)
}

func TestCompileDeterministic(t *testing.T) {
	c := New(DefaultConfig())
	job := testJob(validSource)

	first, err := c.Compile(job)
	require.NoError(t, err)
	second, err := c.Compile(job)
	require.NoError(t, err)

	assert.Equal(t, first.Instructions, second.Instructions)
	assert.Equal(t, first.InitialState.Checksum(), second.InitialState.Checksum())
}

func TestCompileDisallowedImport(t *testing.T) {
	c := New(DefaultConfig())
	job := testJob(validSource)
	job.Requirements = []string{"tensor", "os_exec"}

	_, err := c.Compile(job)
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ReasonDisallowedImport, cerr.Reason)
	assert.Contains(t, cerr.Detail, "os_exec")
}

func TestCompileEmptySource(t *testing.T) {
	c := New(DefaultConfig())

	_, err := c.Compile(testJob("   \n\t# only a comment\n"))
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ReasonEmptySource, cerr.Reason)
}

func TestCompileSourceTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSourceBytes = 16
	c := New(cfg)

	_, err := c.Compile(testJob(validSource))
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ReasonSourceTooLarge, cerr.Reason)
}

func TestCompileEnvelopeExceeded(t *testing.T) {
	c := New(DefaultConfig())
	job := testJob(validSource)
	job.Envelope.MemoryBytes = 1 << 60

	_, err := c.Compile(job)
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ReasonEnvelopeExceeded, cerr.Reason)
}

func TestCompileSyntaxErrors(t *testing.T) {
	c := New(DefaultConfig())

	cases := []struct {
		name   string
		source string
		detail string
	}{
		{"unknown op", "param w 1\nlaunch w", "unknown op"},
		{"undeclared param", "load w1", "undeclared parameter"},
		{"duplicate param", "param w 1\nparam w 2\nload w", "declared twice"},
		{"bad immediate", "push abc", "invalid operand"},
		{"bad length", "param w zero", "invalid parameter length"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Compile(testJob(tc.source))
			var cerr *CompileError
			require.True(t, errors.As(err, &cerr), "expected CompileError, got %v", err)
			assert.Equal(t, ReasonSyntax, cerr.Reason)
			assert.Contains(t, cerr.Detail, tc.detail)
		})
	}
}

func TestCompileGasScalesWithTensorSize(t *testing.T) {
	c := New(DefaultConfig())

	small, err := c.Compile(testJob("param w 2\nload w\nstore w"))
	require.NoError(t, err)
	big, err := c.Compile(testJob("param w 1024\nload w\nstore w"))
	require.NoError(t, err)

	assert.Greater(t, big.Instructions.TotalGas(), small.Instructions.TotalGas())
}

func TestCompileNoSideEffects(t *testing.T) {
	c := New(DefaultConfig())
	job := testJob(validSource)

	out, err := c.Compile(job)
	require.NoError(t, err)

	// mutating the compiled output must not leak into a fresh compile
	out.InitialState["w1"][0] = 123.0
	again, err := c.Compile(job)
	require.NoError(t, err)
	assert.Equal(t, 0.5, again.InitialState["w1"][0])
	assert.False(t, strings.Contains(job.Source, "123"))
}
