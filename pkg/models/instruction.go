package models

// OpCode identifies a compiled training instruction
type OpCode string

const (
	OpPush  OpCode = "push"  // push an immediate scalar
	OpPop   OpCode = "pop"   // discard the top of stack
	OpDup   OpCode = "dup"   // duplicate the top of stack
	OpSwap  OpCode = "swap"  // swap the two top values
	OpAdd   OpCode = "add"   // elementwise add
	OpSub   OpCode = "sub"   // elementwise subtract
	OpMul   OpCode = "mul"   // elementwise multiply
	OpDiv   OpCode = "div"   // elementwise divide
	OpScale OpCode = "scale" // multiply by an immediate scalar
	OpRelu  OpCode = "relu"  // elementwise max(0, x)
	OpRank  OpCode = "rank"  // push the worker's deterministic rank value
	OpLoad  OpCode = "load"  // push a copy of a named parameter tensor
	OpStore OpCode = "store" // pop into a named parameter tensor
	OpNop   OpCode = "nop"
)

// Instruction is one tagged step of a compiled training program.
// Gas is the declared resource cost the sandbox meters against.
type Instruction struct {
	Op    OpCode  `json:"op"`
	Param string  `json:"param,omitempty"`
	Value float64 `json:"value,omitempty"`
	Gas   uint64  `json:"gas"`
}

// InstructionList is the ordered program produced by the job compiler.
// Immutable; owned by the round scheduler for the job's lifetime.
type InstructionList []Instruction

// TotalGas returns the declared cost of one pass over the program
func (l InstructionList) TotalGas() uint64 {
	var total uint64
	for _, ins := range l {
		total += ins.Gas
	}
	return total
}

// ResourceConstraints is produced at compile time and threaded unchanged
// into every sandbox call for the job.
type ResourceConstraints struct {
	MaxMemoryBytes uint64   `json:"max_memory_bytes"`
	MaxWallSeconds int64    `json:"max_wall_seconds"`
	AllowedImports []string `json:"allowed_imports,omitempty"`
	GasLimit       uint64   `json:"gas_limit"`
}
