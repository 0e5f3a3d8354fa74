package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// CompileError reasons
const (
	ReasonEmptySource      = "empty_source"
	ReasonSourceTooLarge   = "source_too_large"
	ReasonDisallowedImport = "disallowed_import"
	ReasonEnvelopeExceeded = "envelope_exceeded"
	ReasonSyntax           = "syntax_error"
)

// CompileError is a non-retryable job rejection. It terminates the job
// before any sandbox call is issued.
type CompileError struct {
	Reason string
	Detail string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error (%s): %s", e.Reason, e.Detail)
}

// Compiled is the output of compiling one training job
type Compiled struct {
	Instructions models.InstructionList
	Constraints  models.ResourceConstraints
	InitialState models.GlobalModelState
}

// Config holds compiler policy: which imports jobs may declare and the
// resource ceiling no job envelope may exceed.
type Config struct {
	AllowedImports []string
	Ceiling        models.ResourceEnvelope
	MaxSourceBytes int
	MaxTensorLen   int
}

// DefaultConfig returns the compiler policy used when none is configured
func DefaultConfig() Config {
	return Config{
		AllowedImports: []string{"tensor", "dataset", "optimizer", "metrics"},
		Ceiling: models.ResourceEnvelope{
			MilliCPU:         16000,
			MemoryBytes:      16 << 30,
			GPUMemoryBytes:   32 << 30,
			WallClockSeconds: 24 * 3600,
			GasBudget:        1_000_000_000,
		},
		MaxSourceBytes: 64 << 10,
		MaxTensorLen:   1 << 20,
	}
}

// Compiler translates a TrainingJob into an ordered instruction list plus
// declared resource constraints. Pure: no side effects, deterministic for
// identical input.
type Compiler struct {
	allowed map[string]bool
	cfg     Config
}

// New creates a compiler with the given policy
func New(cfg Config) *Compiler {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultConfig().MaxSourceBytes
	}
	if cfg.MaxTensorLen <= 0 {
		cfg.MaxTensorLen = DefaultConfig().MaxTensorLen
	}
	if cfg.Ceiling == (models.ResourceEnvelope{}) {
		cfg.Ceiling = DefaultConfig().Ceiling
	}
	allowed := make(map[string]bool, len(cfg.AllowedImports))
	for _, imp := range cfg.AllowedImports {
		allowed[imp] = true
	}
	return &Compiler{allowed: allowed, cfg: cfg}
}

// Compile validates the job and lowers its training source into an
// instruction list, the job's resource constraints, and the initial
// global model state declared by the source.
func (c *Compiler) Compile(job *models.TrainingJob) (*Compiled, error) {
	src := strings.TrimSpace(job.Source)
	if src == "" {
		return nil, &CompileError{Reason: ReasonEmptySource, Detail: "training source is empty"}
	}
	if len(job.Source) > c.cfg.MaxSourceBytes {
		return nil, &CompileError{
			Reason: ReasonSourceTooLarge,
			Detail: fmt.Sprintf("source is %d bytes, limit is %d", len(job.Source), c.cfg.MaxSourceBytes),
		}
	}
	for _, imp := range job.Requirements {
		if !c.allowed[imp] {
			return nil, &CompileError{
				Reason: ReasonDisallowedImport,
				Detail: fmt.Sprintf("import %q is not on the allow-list", imp),
			}
		}
	}
	if !job.Envelope.Fits(c.cfg.Ceiling) ||
		job.Envelope.WallClockSeconds > c.cfg.Ceiling.WallClockSeconds ||
		job.Envelope.GasBudget > c.cfg.Ceiling.GasBudget {
		return nil, &CompileError{
			Reason: ReasonEnvelopeExceeded,
			Detail: "declared resource envelope exceeds the configured ceiling",
		}
	}

	instrs, state, err := c.lower(src)
	if err != nil {
		return nil, err
	}

	imports := append([]string(nil), job.Requirements...)
	sort.Strings(imports)

	return &Compiled{
		Instructions: instrs,
		InitialState: state,
		Constraints: models.ResourceConstraints{
			MaxMemoryBytes: job.Envelope.MemoryBytes,
			MaxWallSeconds: job.Envelope.WallClockSeconds,
			AllowedImports: imports,
			GasLimit:       job.Envelope.GasBudget,
		},
	}, nil
}

// lower parses the line-based training source into instructions and the
// initial parameter topology. Parameter topology is fixed here for the
// life of the job.
func (c *Compiler) lower(src string) (models.InstructionList, models.GlobalModelState, error) {
	state := models.GlobalModelState{}
	var instrs models.InstructionList

	for lineNo, raw := range strings.Split(src, "\n") {
		line := raw
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		op, args := fields[0], fields[1:]
		if op == "param" {
			if err := declareParam(state, args, c.cfg.MaxTensorLen); err != nil {
				return nil, nil, syntaxErr(lineNo, err)
			}
			continue
		}

		ins, err := lowerOp(op, args, state)
		if err != nil {
			return nil, nil, syntaxErr(lineNo, err)
		}
		instrs = append(instrs, ins)
	}

	if len(instrs) == 0 {
		return nil, nil, &CompileError{Reason: ReasonEmptySource, Detail: "source declares no instructions"}
	}
	return instrs, state, nil
}

func declareParam(state models.GlobalModelState, args []string, maxLen int) error {
	if len(args) < 2 {
		return fmt.Errorf("param needs a name and a length")
	}
	name := args[0]
	if _, exists := state[name]; exists {
		return fmt.Errorf("parameter %q declared twice", name)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid parameter length %q", args[1])
	}
	if n > maxLen {
		return fmt.Errorf("parameter %q length %d exceeds limit %d", name, n, maxLen)
	}
	init := 0.0
	if len(args) > 2 {
		if init, err = strconv.ParseFloat(args[2], 64); err != nil {
			return fmt.Errorf("invalid initial value %q", args[2])
		}
	}
	tensor := make([]float64, n)
	for i := range tensor {
		tensor[i] = init
	}
	state[name] = tensor
	return nil
}

func lowerOp(op string, args []string, state models.GlobalModelState) (models.Instruction, error) {
	switch models.OpCode(op) {
	case models.OpPush, models.OpScale:
		if len(args) != 1 {
			return models.Instruction{}, fmt.Errorf("%s needs one immediate operand", op)
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return models.Instruction{}, fmt.Errorf("invalid operand %q for %s", args[0], op)
		}
		return models.Instruction{Op: models.OpCode(op), Value: v, Gas: opGas(models.OpCode(op), 1)}, nil

	case models.OpLoad, models.OpStore:
		if len(args) != 1 {
			return models.Instruction{}, fmt.Errorf("%s needs a parameter operand", op)
		}
		tensor, ok := state[args[0]]
		if !ok {
			return models.Instruction{}, fmt.Errorf("%s references undeclared parameter %q", op, args[0])
		}
		return models.Instruction{Op: models.OpCode(op), Param: args[0], Gas: opGas(models.OpCode(op), len(tensor))}, nil

	case models.OpPop, models.OpDup, models.OpSwap, models.OpAdd, models.OpSub,
		models.OpMul, models.OpDiv, models.OpRelu, models.OpRank, models.OpNop:
		if len(args) != 0 {
			return models.Instruction{}, fmt.Errorf("%s takes no operands", op)
		}
		return models.Instruction{Op: models.OpCode(op), Gas: opGas(models.OpCode(op), 1)}, nil
	}
	return models.Instruction{}, fmt.Errorf("unknown op %q", op)
}

// opGas is the declared cost of one instruction. Tensor ops scale with
// the operand length so the ledger sees real work, not instruction count.
func opGas(op models.OpCode, size int) uint64 {
	switch op {
	case models.OpLoad, models.OpStore:
		return 1 + uint64(size)
	case models.OpAdd, models.OpSub, models.OpMul, models.OpDiv, models.OpScale, models.OpRelu:
		return 2
	default:
		return 1
	}
}

func syntaxErr(lineNo int, err error) error {
	return &CompileError{Reason: ReasonSyntax, Detail: fmt.Sprintf("line %d: %v", lineNo+1, err)}
}
