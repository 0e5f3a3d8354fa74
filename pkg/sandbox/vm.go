package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bcai-network/bcai-go/pkg/models"
)

const maxStackDepth = 1024

// VMRunner is the reference in-process sandbox: a small gas-metered
// stack machine interpreting the compiled instruction list. It is used
// by the devnet worker and by tests; production deployments point the
// scheduler at a remote runner instead.
type VMRunner struct{}

// NewVMRunner creates the in-process sandbox runner
func NewVMRunner() *VMRunner {
	return &VMRunner{}
}

// Run executes the task's program Epochs times over a private copy of
// the input state and returns the trained parameters. Gas and memory
// limits from the task constraints are enforced per invocation; hitting
// a limit or a program fault yields a failed update, not an error.
func (r *VMRunner) Run(ctx context.Context, task Task) (*models.WorkerUpdate, error) {
	update := &models.WorkerUpdate{
		WorkerID: task.WorkerID,
		Round:    task.Round,
		Weight:   task.Weight,
	}
	if update.Weight <= 0 {
		update.Weight = 1
	}

	vm := &vm{
		params:   task.State.Clone(),
		gasLimit: task.Constraints.GasLimit,
		memLimit: task.Constraints.MaxMemoryBytes,
		rank:     workerRank(task.WorkerID),
	}

	epochs := task.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := vm.run(task.Instructions); err != nil {
			update.Status = models.UpdateStatusFailed
			update.Reason = err.Error()
			update.GasUsed = vm.gasUsed
			return update, nil
		}
	}

	update.Status = models.UpdateStatusOK
	update.Params = vm.params
	update.GasUsed = vm.gasUsed
	update.Metrics = trainingMetrics(vm.params)
	return update, nil
}

// workerRank maps a worker ID onto a stable value in [0, 1), giving
// each worker a distinct view of the otherwise deterministic program.
func workerRank(workerID string) float64 {
	sum := sha256.Sum256([]byte(workerID))
	return float64(binary.BigEndian.Uint32(sum[:4])) / float64(math.MaxUint32)
}

// trainingMetrics derives summary metrics from the trained parameters
func trainingMetrics(params models.GlobalModelState) models.UpdateMetrics {
	var abs float64
	var n int
	for _, tensor := range params {
		for _, v := range tensor {
			abs += math.Abs(v)
			n++
		}
	}
	if n == 0 {
		return models.UpdateMetrics{}
	}
	loss := abs / float64(n)
	return models.UpdateMetrics{Loss: loss, Accuracy: 1 / (1 + loss)}
}

// vm is the interpreter state for one sandboxed execution
type vm struct {
	stack    [][]float64
	params   models.GlobalModelState
	gasLimit uint64
	gasUsed  uint64
	memLimit uint64
	rank     float64
}

func (m *vm) run(program models.InstructionList) error {
	for _, ins := range program {
		m.gasUsed += ins.Gas
		if m.gasLimit > 0 && m.gasUsed > m.gasLimit {
			return fmt.Errorf("gas limit %d exceeded", m.gasLimit)
		}
		if err := m.step(ins); err != nil {
			return err
		}
		if m.memLimit > 0 && m.memoryBytes() > m.memLimit {
			return fmt.Errorf("memory limit %d exceeded", m.memLimit)
		}
	}
	return nil
}

func (m *vm) step(ins models.Instruction) error {
	switch ins.Op {
	case models.OpPush:
		return m.push([]float64{ins.Value})
	case models.OpRank:
		return m.push([]float64{m.rank})
	case models.OpPop:
		_, err := m.pop()
		return err
	case models.OpDup:
		top, err := m.peek()
		if err != nil {
			return err
		}
		cp := make([]float64, len(top))
		copy(cp, top)
		return m.push(cp)
	case models.OpSwap:
		if len(m.stack) < 2 {
			return fmt.Errorf("stack underflow")
		}
		n := len(m.stack)
		m.stack[n-1], m.stack[n-2] = m.stack[n-2], m.stack[n-1]
		return nil
	case models.OpAdd, models.OpSub, models.OpMul, models.OpDiv:
		return m.binary(ins.Op)
	case models.OpScale:
		top, err := m.pop()
		if err != nil {
			return err
		}
		for i := range top {
			top[i] *= ins.Value
		}
		return m.push(top)
	case models.OpRelu:
		top, err := m.pop()
		if err != nil {
			return err
		}
		for i := range top {
			if top[i] < 0 {
				top[i] = 0
			}
		}
		return m.push(top)
	case models.OpLoad:
		tensor, ok := m.params[ins.Param]
		if !ok {
			return fmt.Errorf("load of unknown parameter %q", ins.Param)
		}
		cp := make([]float64, len(tensor))
		copy(cp, tensor)
		return m.push(cp)
	case models.OpStore:
		tensor, ok := m.params[ins.Param]
		if !ok {
			return fmt.Errorf("store to unknown parameter %q", ins.Param)
		}
		top, err := m.pop()
		if err != nil {
			return err
		}
		if len(top) == 1 && len(tensor) > 1 {
			// scalar broadcast
			for i := range tensor {
				tensor[i] = top[0]
			}
			return nil
		}
		if len(top) != len(tensor) {
			return fmt.Errorf("store to %q: length %d does not match %d", ins.Param, len(top), len(tensor))
		}
		m.params[ins.Param] = top
		return nil
	case models.OpNop:
		return nil
	}
	return fmt.Errorf("illegal instruction %q", ins.Op)
}

func (m *vm) binary(op models.OpCode) error {
	b, err := m.pop()
	if err != nil {
		return err
	}
	a, err := m.pop()
	if err != nil {
		return err
	}
	a, b, err = broadcast(a, b)
	if err != nil {
		return err
	}
	out := make([]float64, len(a))
	for i := range a {
		switch op {
		case models.OpAdd:
			out[i] = a[i] + b[i]
		case models.OpSub:
			out[i] = a[i] - b[i]
		case models.OpMul:
			out[i] = a[i] * b[i]
		case models.OpDiv:
			if b[i] == 0 {
				return fmt.Errorf("division by zero")
			}
			out[i] = a[i] / b[i]
		}
	}
	return m.push(out)
}

// broadcast expands a length-1 operand to match the other side
func broadcast(a, b []float64) ([]float64, []float64, error) {
	switch {
	case len(a) == len(b):
		return a, b, nil
	case len(a) == 1:
		expanded := make([]float64, len(b))
		for i := range expanded {
			expanded[i] = a[0]
		}
		return expanded, b, nil
	case len(b) == 1:
		expanded := make([]float64, len(a))
		for i := range expanded {
			expanded[i] = b[0]
		}
		return a, expanded, nil
	}
	return nil, nil, fmt.Errorf("operand length mismatch: %d vs %d", len(a), len(b))
}

func (m *vm) push(v []float64) error {
	if len(m.stack) >= maxStackDepth {
		return fmt.Errorf("stack overflow: depth %d", maxStackDepth)
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *vm) pop() ([]float64, error) {
	if len(m.stack) == 0 {
		return nil, fmt.Errorf("stack underflow")
	}
	top := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return top, nil
}

func (m *vm) peek() ([]float64, error) {
	if len(m.stack) == 0 {
		return nil, fmt.Errorf("stack underflow")
	}
	return m.stack[len(m.stack)-1], nil
}

func (m *vm) memoryBytes() uint64 {
	var elems int
	for _, v := range m.stack {
		elems += len(v)
	}
	for _, v := range m.params {
		elems += len(v)
	}
	return uint64(elems) * 8
}
