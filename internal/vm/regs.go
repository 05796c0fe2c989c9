package vm

// regs.go holds the register file and the STATUS bit accessors.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/corvus-vm/corvus/internal/log"
)

// RegisterName identifies a register in the register file.
type RegisterName Word

// Register identifiers. R0 through R31 are general purpose; the rest are special. STATUS, VADDR
// and BASEPTR require system privileges. RSVD is emulator-internal scratch and is never a legal
// instruction operand.
const (
	R0 RegisterName = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	R29
	R30
	R31

	PC      RegisterName = 0x20 // Program counter.
	SP      RegisterName = 0x21 // Stack pointer.
	RESULT  RegisterName = 0x22 // Operation result.
	CARRY   RegisterName = 0x23 // Carry flag.
	RETURN  RegisterName = 0x24 // Trap return address.
	STATUS  RegisterName = 0x25 // Machine status. Privileged.
	VADDR   RegisterName = 0x26 // Faulting virtual address. Privileged.
	BASEPTR RegisterName = 0x27 // Page table base. Privileged.
	RSVD    RegisterName = 0x28 // Reserved for emulator use.

	// NumRegisters is the size of the register file.
	NumRegisters = 0x29
)

var registerNames = map[RegisterName]string{
	PC: "PC", SP: "SP", RESULT: "RESULT", CARRY: "CARRY", RETURN: "RETURN",
	STATUS: "STATUS", VADDR: "VADDR", BASEPTR: "BASEPTR", RSVD: "RSVD",
}

func (r RegisterName) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}

	return fmt.Sprintf("R%d", uint32(r))
}

// StatusBit is a flag in the STATUS register.
type StatusBit Word

// STATUS register flags. The USER/INTR pairs form a three-deep shadow stack that trap entry
// shifts right and return-from-exception shifts left.
const (
	StatusMMUEnable StatusBit = 0x80000000
	StatusUserOld   StatusBit = 0x00000020
	StatusIntrOld   StatusBit = 0x00000010
	StatusUserPrev  StatusBit = 0x00000008
	StatusIntrPrev  StatusBit = 0x00000004
	StatusUser      StatusBit = 0x00000002
	StatusIntr      StatusBit = 0x00000001
)

// ErrPrivilege is returned when user-mode code touches a privileged register.
var ErrPrivilege = errors.New("privileged register")

// privileged registers may only be read or written while STATUS.USER is clear.
var privRegisters = map[RegisterName]bool{
	STATUS:  true,
	VADDR:   true,
	BASEPTR: true,
}

// RegisterFile is the machine's register state. Load and Store enforce the privilege gate; the
// raw accessors and named STATUS-bit operations are the internal path used by the trap state
// machine and must not trip it.
type RegisterFile struct {
	regs [NumRegisters]Word

	// stored is called after every gated write. The CPU uses it to notice STATUS changes that
	// require interrupt delivery or translation memo invalidation.
	stored func(reg RegisterName, old, val Word)
}

// Load reads a register. Reading a privileged register in user mode fails with ErrPrivilege.
func (rf *RegisterFile) Load(reg RegisterName) (Word, error) {
	if privRegisters[reg] && rf.User() {
		return 0, fmt.Errorf("%w: load: %s", ErrPrivilege, reg)
	}

	return rf.regs[reg], nil
}

// Store writes a register. Writing a privileged register in user mode fails with ErrPrivilege
// and leaves the register unchanged.
func (rf *RegisterFile) Store(reg RegisterName, val Word) error {
	if privRegisters[reg] && rf.User() {
		return fmt.Errorf("%w: store: %s", ErrPrivilege, reg)
	}

	old := rf.regs[reg]
	rf.regs[reg] = val

	if rf.stored != nil {
		rf.stored(reg, old, val)
	}

	return nil
}

// Raw reads a register without the privilege gate.
func (rf *RegisterFile) Raw(reg RegisterName) Word {
	return rf.regs[reg]
}

// SetRaw writes a register without the privilege gate and without the store hook.
func (rf *RegisterFile) SetRaw(reg RegisterName, val Word) {
	rf.regs[reg] = val
}

func (rf *RegisterFile) status() StatusBit {
	return StatusBit(rf.regs[STATUS])
}

func (rf *RegisterFile) setStatus(bit StatusBit, val bool) {
	if val {
		rf.regs[STATUS] |= Word(bit)
	} else {
		rf.regs[STATUS] &^= Word(bit)
	}
}

// MMUEnabled returns the state of the MMU enable bit.
func (rf *RegisterFile) MMUEnabled() bool { return rf.status()&StatusMMUEnable != 0 }

// User returns true when the machine is in user mode.
func (rf *RegisterFile) User() bool { return rf.status()&StatusUser != 0 }

// Intr returns true when interrupts are enabled.
func (rf *RegisterFile) Intr() bool { return rf.status()&StatusIntr != 0 }

// SetUser forces the user-mode bit.
func (rf *RegisterFile) SetUser(val bool) { rf.setStatus(StatusUser, val) }

// SetIntr forces the interrupt-enable bit.
func (rf *RegisterFile) SetIntr(val bool) { rf.setStatus(StatusIntr, val) }

// PushShadows shifts the USER/INTR shadow stack right one slot on trap entry. The new current
// mode is kernel with interrupts disabled.
func (rf *RegisterFile) PushShadows() {
	s := rf.status()

	rf.setStatus(StatusUserOld, s&StatusUserPrev != 0)
	rf.setStatus(StatusIntrOld, s&StatusIntrPrev != 0)
	rf.setStatus(StatusUserPrev, s&StatusUser != 0)
	rf.setStatus(StatusIntrPrev, s&StatusIntr != 0)
	rf.setStatus(StatusUser, false)
	rf.setStatus(StatusIntr, false)
}

// PopShadows shifts the USER/INTR shadow stack left one slot on return from exception.
func (rf *RegisterFile) PopShadows() {
	s := rf.status()

	rf.setStatus(StatusUser, s&StatusUserPrev != 0)
	rf.setStatus(StatusIntr, s&StatusIntrPrev != 0)
	rf.setStatus(StatusUserPrev, s&StatusUserOld != 0)
	rf.setStatus(StatusIntrPrev, s&StatusIntrOld != 0)
	rf.setStatus(StatusUserOld, false)
	rf.setStatus(StatusIntrOld, false)
}

// SetVADDR records a faulting virtual address. Internal path, not gated.
func (rf *RegisterFile) SetVADDR(addr Word) {
	rf.regs[VADDR] = addr
}

// Dump renders the register file one register per line, RSVD excluded.
func (rf *RegisterFile) Dump() string {
	b := strings.Builder{}

	for r := RegisterName(0); r < RSVD; r++ {
		fmt.Fprintf(&b, "%-10s = 0x%08x\n", r, uint32(rf.regs[r]))
	}

	return b.String()
}

// LogValue summarizes the interesting registers for structured logs.
func (rf *RegisterFile) LogValue() log.Value {
	return log.GroupValue(
		log.String("PC", rf.regs[PC].String()),
		log.String("SP", rf.regs[SP].String()),
		log.String("RESULT", rf.regs[RESULT].String()),
		log.String("CARRY", rf.regs[CARRY].String()),
		log.String("RETURN", rf.regs[RETURN].String()),
		log.String("STATUS", rf.regs[STATUS].String()),
		log.String("VADDR", rf.regs[VADDR].String()),
		log.String("BASEPTR", rf.regs[BASEPTR].String()),
	)
}
