package vm

// exec.go defines the CPU instruction cycle.

import (
	"context"
	"errors"
	"runtime"

	"github.com/corvus-vm/corvus/internal/log"
)

// Run executes the instruction cycle until the program halts or the context is cancelled.
// Device threads are shut down on the way out.
func (m *Machine) Run(ctx context.Context) error {
	defer m.Shutdown()

	m.log.Info("START", log.Any("STATE", m))

	var err error

	for {
		select {
		case <-ctx.Done():
			m.log.Warn("CANCELLED")
			return ctx.Err()
		default:
		}

		if err = m.Step(); err != nil {
			break
		}
	}

	if errors.Is(err, ErrHalted) {
		m.log.Info("HALTED", log.Any("STATE", m))
	} else {
		m.log.Error("HALTED (HCF)", "ERR", err, log.Any("STATE", m))
	}

	return err
}

// Step runs a single instruction to completion: fetch four words from the PC through the MMU,
// advance the PC, type-check the operands against the opcode descriptor and dispatch. Faults
// raised by the operation are converted to traps here. The whole step runs under the machine
// lock; the only suspension point inside is the wait instruction.
func (m *Machine) Step() error {
	// Give device threads a chance between instructions.
	runtime.Gosched()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return m.cause
	}

	// An interrupt latched while interrupts were off is delivered before the next fetch.
	if m.intrPending && m.REG.Intr() {
		m.intrLocked()
	}

	pc := m.REG.Raw(PC)

	var words [4]Word

	for i := range words {
		w, err := m.MMU.ReadWord(pc+Word(i*4), AccessExecute)
		if err != nil {
			m.fault(err, pc)
			return m.runError()
		}

		words[i] = w
	}

	m.REG.SetRaw(PC, pc+16)

	opcode := words[0]
	if opcode >= Word(len(instructions)) {
		m.log.Debug("illegal opcode", "OPCODE", opcode, "PC", Word(pc))
		m.trapLocked(VectorIllegal)

		return m.runError()
	}

	in := instructions[opcode]
	args := make([]Word, 0, 3)

	for i, kind := range in.args {
		arg := words[i+1]

		switch kind {
		case argNone:
			continue
		case argReg:
			if arg >= NumRegisters || RegisterName(arg) == RSVD {
				m.log.Debug("bad register", "OP", in.name, "REG", arg)
				m.trapLocked(VectorIllegal)

				return m.runError()
			}
		}

		args = append(args, arg)
	}

	if err := in.fn(m, args); err != nil {
		m.log.Debug("instruction fault", "OP", in.name, "ERR", err)
		m.fault(err, pc)
	}

	return m.runError()
}

// fault converts an instruction failure into a trap. Retriable conditions rewind the PC to the
// faulting instruction first; an illegal instruction leaves the PC advanced.
func (m *Machine) fault(err error, pc Word) {
	var pf *PageFaultError

	switch {
	case errors.As(err, &pf):
		m.REG.SetRaw(PC, pc)
		m.trapLocked(VectorPageFault)
	case errors.Is(err, ErrBadBasePointer):
		m.REG.SetRaw(PC, pc)
		m.trapLocked(VectorBadBase)
	case errors.Is(err, ErrPrivilege):
		m.REG.SetRaw(PC, pc)
		m.trapLocked(VectorIllegal)
	case errors.Is(err, ErrDivideByZero):
		m.REG.SetRaw(PC, pc)
		m.trapLocked(VectorDivide)
	default:
		m.trapLocked(VectorIllegal)
	}
}

// runError reports the halt cause once the machine stops, nil otherwise.
func (m *Machine) runError() error {
	if m.halted {
		return m.cause
	}

	return nil
}
