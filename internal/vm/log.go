package vm

import (
	"github.com/corvus-vm/corvus/internal/log"
)

// WithMachineLogger attaches a logger to an already-assembled machine and its parts.
func (m *Machine) WithMachineLogger(logger *log.Logger) {
	m.log = logger
	m.Mem.log = logger
	m.MMU.log = logger

	if m.Intc != nil {
		m.Intc.log = logger
	}
}
