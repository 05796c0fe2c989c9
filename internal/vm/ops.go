package vm

// ops.go defines the instruction set and its semantics.

import (
	"errors"
	"math"
)

// Operand slots in the descriptor table. Register operands are validated before dispatch;
// address and immediate operands are raw 32-bit words.
type argKind uint8

const (
	argNone argKind = iota
	argImmed
	argAddr
	argReg
)

// instruction describes one opcode: its operand types, in slot order, and its implementation.
// The implementation receives the present operands only, in declaration order.
type instruction struct {
	name string
	args [3]argKind
	fn   func(m *Machine, a []Word) error
}

// errIllegal marks conditions that trap as illegal instructions without rewinding the PC.
var errIllegal = errors.New("illegal instruction")

// ErrDivideByZero is raised by div and mod; the divide trap retries the instruction.
var ErrDivideByZero = errors.New("division by zero")

// opcodeJmp is jmp's position in the instruction table. The interrupt controller presents it in
// its jump stub.
const opcodeJmp = 0x19

func (m *Machine) loadReg(r Word) (Word, error) {
	return m.REG.Load(RegisterName(r))
}

func (m *Machine) storeReg(r Word, val Word) error {
	return m.REG.Store(RegisterName(r), val)
}

// Memory operations. Word access is four bytes big-endian through the MMU; a fault on any byte
// aborts the access with the destination untouched.

func (m *Machine) savew(reg, addr Word) error {
	if addr > math.MaxUint32-3 {
		return errIllegal
	}

	val, err := m.loadReg(reg)
	if err != nil {
		return err
	}

	return m.MMU.WriteWord(addr, val, 0)
}

func (m *Machine) loadw(reg, addr Word) error {
	if addr > math.MaxUint32-3 {
		return errIllegal
	}

	val, err := m.MMU.ReadWord(addr, 0)
	if err != nil {
		return err
	}

	return m.storeReg(reg, val)
}

func (m *Machine) saveb(reg, addr Word) error {
	val, err := m.loadReg(reg)
	if err != nil {
		return err
	}

	return m.MMU.WriteByte(addr, byte(val), 0)
}

func (m *Machine) loadb(reg, addr Word) error {
	val, err := m.MMU.ReadByte(addr, 0)
	if err != nil {
		return err
	}

	return m.storeReg(reg, Word(val))
}

func opSavew(m *Machine, a []Word) error { return m.savew(a[0], a[1]) }
func opLoadw(m *Machine, a []Word) error { return m.loadw(a[0], a[1]) }
func opSaveb(m *Machine, a []Word) error { return m.saveb(a[0], a[1]) }
func opLoadb(m *Machine, a []Word) error { return m.loadb(a[0], a[1]) }

func opSavewr(m *Machine, a []Word) error {
	addr, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	return m.savew(a[0], addr)
}

func opLoadwr(m *Machine, a []Word) error {
	addr, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	return m.loadw(a[0], addr)
}

func opSavebr(m *Machine, a []Word) error {
	addr, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	return m.saveb(a[0], addr)
}

func opLoadbr(m *Machine, a []Word) error {
	addr, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	return m.loadb(a[0], addr)
}

func opSavewi(m *Machine, a []Word) error {
	if a[1] > math.MaxUint32-3 {
		return errIllegal
	}

	return m.MMU.WriteWord(a[1], a[0], 0)
}

func opLoadwi(m *Machine, a []Word) error { return m.storeReg(a[0], a[1]) }

func opSavebi(m *Machine, a []Word) error {
	return m.MMU.WriteByte(a[1], byte(a[0]), 0)
}

func opLoadbi(m *Machine, a []Word) error { return m.storeReg(a[0], a[1]&0xff) }

func opSavewri(m *Machine, a []Word) error {
	addr, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	if addr > math.MaxUint32-3 {
		return errIllegal
	}

	return m.MMU.WriteWord(addr, a[0], 0)
}

func opSavebri(m *Machine, a []Word) error {
	addr, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	return m.MMU.WriteByte(addr, byte(a[0]), 0)
}

// Arithmetic. All results are modulo 2^32; CARRY records unsigned overflow. sub is a
// two's-complement add, so its carry follows the add.

func (m *Machine) arith(dst Word, result uint64) error {
	if err := m.storeReg(dst, Word(result)); err != nil {
		return err
	}

	var carry Word
	if result > math.MaxUint32 {
		carry = 1
	}

	return m.storeReg(Word(CARRY), carry)
}

func (m *Machine) add(x, y, dst Word) error {
	return m.arith(dst, uint64(x)+uint64(y))
}

func (m *Machine) sub(x, y, dst Word) error {
	return m.arith(dst, uint64(x)+uint64(^y+1))
}

func (m *Machine) mul(x, y, dst Word) error {
	return m.arith(dst, uint64(x)*uint64(y))
}

func (m *Machine) div(x, y, dst Word) error {
	if y == 0 {
		return ErrDivideByZero
	}

	return m.arith(dst, uint64(x/y))
}

func (m *Machine) mod(x, y, dst Word) error {
	if y == 0 {
		return ErrDivideByZero
	}

	return m.arith(dst, uint64(x%y))
}

// binaryOp builds a reg,reg,reg operation; binaryImmOp the reg,imm,reg form.
func binaryOp(fn func(m *Machine, x, y, dst Word) error) func(*Machine, []Word) error {
	return func(m *Machine, a []Word) error {
		x, err := m.loadReg(a[0])
		if err != nil {
			return err
		}

		y, err := m.loadReg(a[1])
		if err != nil {
			return err
		}

		return fn(m, x, y, a[2])
	}
}

func binaryImmOp(fn func(m *Machine, x, y, dst Word) error) func(*Machine, []Word) error {
	return func(m *Machine, a []Word) error {
		x, err := m.loadReg(a[0])
		if err != nil {
			return err
		}

		return fn(m, x, a[1], a[2])
	}
}

// Comparison jumps. Operands compare as signed two's-complement; the target is an address
// operand, an immediate-compared address, or a register-held address.

func jumpOp(cmp func(x, y int32) bool, imm, regTarget bool) func(*Machine, []Word) error {
	return func(m *Machine, a []Word) error {
		x, err := m.loadReg(a[0])
		if err != nil {
			return err
		}

		y := a[1]

		if !imm {
			if y, err = m.loadReg(a[1]); err != nil {
				return err
			}
		}

		target := a[2]

		if regTarget {
			if target, err = m.loadReg(a[2]); err != nil {
				return err
			}
		}

		if cmp(x.Signed(), y.Signed()) {
			return m.storeReg(Word(PC), target)
		}

		return nil
	}
}

var (
	cmpLT = func(x, y int32) bool { return x < y }
	cmpGT = func(x, y int32) bool { return x > y }
	cmpLE = func(x, y int32) bool { return x <= y }
	cmpGE = func(x, y int32) bool { return x >= y }
	cmpEQ = func(x, y int32) bool { return x == y }
	cmpNE = func(x, y int32) bool { return x != y }
)

func opJmp(m *Machine, a []Word) error {
	return m.storeReg(Word(PC), a[0])
}

func opJmpr(m *Machine, a []Word) error {
	target, err := m.loadReg(a[0])
	if err != nil {
		return err
	}

	return m.storeReg(Word(PC), target)
}

// Control.

func opNop(m *Machine, a []Word) error { return nil }

func opHalt(m *Machine, a []Word) error {
	m.haltLocked(ErrHalted)
	return nil
}

func opIntr(m *Machine, a []Word) error {
	m.intrLocked()
	return nil
}

func opRfe(m *Machine, a []Word) error {
	m.rfeLocked()
	return nil
}

func opWait(m *Machine, a []Word) error {
	m.waitTrap()
	return nil
}

// Register and bitwise operations.

func opSwap(m *Machine, a []Word) error {
	x, err := m.loadReg(a[0])
	if err != nil {
		return err
	}

	y, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	if err := m.storeReg(a[0], y); err != nil {
		return err
	}

	return m.storeReg(a[1], x)
}

func opCopy(m *Machine, a []Word) error {
	val, err := m.loadReg(a[1])
	if err != nil {
		return err
	}

	return m.storeReg(a[0], val)
}

func (m *Machine) and(x, y, dst Word) error { return m.storeReg(dst, x&y) }
func (m *Machine) or(x, y, dst Word) error  { return m.storeReg(dst, x|y) }
func (m *Machine) xor(x, y, dst Word) error { return m.storeReg(dst, x^y) }

func (m *Machine) shl(x, y, dst Word) error {
	if y >= 32 {
		return m.storeReg(dst, 0)
	}

	return m.storeReg(dst, x<<y)
}

func (m *Machine) shr(x, y, dst Word) error {
	if y >= 32 {
		return m.storeReg(dst, 0)
	}

	return m.storeReg(dst, x>>y)
}

func opNot(m *Machine, a []Word) error {
	val, err := m.loadReg(a[0])
	if err != nil {
		return err
	}

	return m.storeReg(a[1], ^val)
}

func opCpuid(m *Machine, a []Word) error {
	return m.storeReg(Word(RESULT), CPUVersion)
}

// strap writes a jmp instruction into the trap vector slot for the given trap number.
func (m *Machine) strap(num, handler Word) error {
	if num >= NumTraps {
		return errIllegal
	}

	slot := TrapApertureAddr + num*16

	if err := m.MMU.WriteWord(slot, opcodeJmp, 0); err != nil {
		return err
	}

	if err := m.MMU.WriteWord(slot+4, handler, 0); err != nil {
		return err
	}

	if err := m.MMU.WriteWord(slot+8, 0, 0); err != nil {
		return err
	}

	return m.MMU.WriteWord(slot+12, 0, 0)
}

func opStrapr(m *Machine, a []Word) error {
	num, err := m.loadReg(a[0])
	if err != nil {
		return err
	}

	return m.strap(num, a[1])
}

func opStrapi(m *Machine, a []Word) error {
	return m.strap(a[0], a[1])
}

// instructions is the canonical opcode table. Opcodes are assigned in declaration order and
// match the assembler grammar; reordering entries changes the ISA.
var instructions = []instruction{
	{"nop", [3]argKind{argNone, argNone, argNone}, opNop},                                   // 0x00
	{"savew", [3]argKind{argReg, argAddr, argNone}, opSavew},                                // 0x01
	{"loadw", [3]argKind{argReg, argAddr, argNone}, opLoadw},                                // 0x02
	{"saveb", [3]argKind{argReg, argAddr, argNone}, opSaveb},                                // 0x03
	{"loadb", [3]argKind{argReg, argAddr, argNone}, opLoadb},                                // 0x04
	{"savewr", [3]argKind{argReg, argReg, argNone}, opSavewr},                               // 0x05
	{"loadwr", [3]argKind{argReg, argReg, argNone}, opLoadwr},                               // 0x06
	{"savebr", [3]argKind{argReg, argReg, argNone}, opSavebr},                               // 0x07
	{"loadbr", [3]argKind{argReg, argReg, argNone}, opLoadbr},                               // 0x08
	{"savewi", [3]argKind{argImmed, argAddr, argNone}, opSavewi},                            // 0x09
	{"loadwi", [3]argKind{argReg, argImmed, argNone}, opLoadwi},                             // 0x0a
	{"savebi", [3]argKind{argImmed, argAddr, argNone}, opSavebi},                            // 0x0b
	{"loadbi", [3]argKind{argReg, argImmed, argNone}, opLoadbi},                             // 0x0c
	{"savewri", [3]argKind{argImmed, argReg, argNone}, opSavewri},                           // 0x0d
	{"savebri", [3]argKind{argImmed, argReg, argNone}, opSavebri},                           // 0x0e
	{"add", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).add)},                   // 0x0f
	{"sub", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).sub)},                   // 0x10
	{"mul", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).mul)},                   // 0x11
	{"div", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).div)},                   // 0x12
	{"mod", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).mod)},                   // 0x13
	{"addi", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).add)},             // 0x14
	{"subi", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).sub)},             // 0x15
	{"muli", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).mul)},             // 0x16
	{"divi", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).div)},             // 0x17
	{"modi", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).mod)},             // 0x18
	{"jmp", [3]argKind{argAddr, argNone, argNone}, opJmp},                                   // 0x19
	{"jmpr", [3]argKind{argReg, argNone, argNone}, opJmpr},                                  // 0x1a
	{"jmplt", [3]argKind{argReg, argReg, argAddr}, jumpOp(cmpLT, false, false)},             // 0x1b
	{"jmpgt", [3]argKind{argReg, argReg, argAddr}, jumpOp(cmpGT, false, false)},             // 0x1c
	{"jmple", [3]argKind{argReg, argReg, argAddr}, jumpOp(cmpLE, false, false)},             // 0x1d
	{"jmpge", [3]argKind{argReg, argReg, argAddr}, jumpOp(cmpGE, false, false)},             // 0x1e
	{"jmpeq", [3]argKind{argReg, argReg, argAddr}, jumpOp(cmpEQ, false, false)},             // 0x1f
	{"jmpne", [3]argKind{argReg, argReg, argAddr}, jumpOp(cmpNE, false, false)},             // 0x20
	{"jmplti", [3]argKind{argReg, argImmed, argAddr}, jumpOp(cmpLT, true, false)},           // 0x21
	{"jmpgti", [3]argKind{argReg, argImmed, argAddr}, jumpOp(cmpGT, true, false)},           // 0x22
	{"jmplei", [3]argKind{argReg, argImmed, argAddr}, jumpOp(cmpLE, true, false)},           // 0x23
	{"jmpgei", [3]argKind{argReg, argImmed, argAddr}, jumpOp(cmpGE, true, false)},           // 0x24
	{"jmpeqi", [3]argKind{argReg, argImmed, argAddr}, jumpOp(cmpEQ, true, false)},           // 0x25
	{"jmpnei", [3]argKind{argReg, argImmed, argAddr}, jumpOp(cmpNE, true, false)},           // 0x26
	{"jmpltr", [3]argKind{argReg, argReg, argReg}, jumpOp(cmpLT, false, true)},              // 0x27
	{"jmpgtr", [3]argKind{argReg, argReg, argReg}, jumpOp(cmpGT, false, true)},              // 0x28
	{"jmpler", [3]argKind{argReg, argReg, argReg}, jumpOp(cmpLE, false, true)},              // 0x29
	{"jmpger", [3]argKind{argReg, argReg, argReg}, jumpOp(cmpGE, false, true)},              // 0x2a
	{"jmpeqr", [3]argKind{argReg, argReg, argReg}, jumpOp(cmpEQ, false, true)},              // 0x2b
	{"jmpner", [3]argKind{argReg, argReg, argReg}, jumpOp(cmpNE, false, true)},              // 0x2c
	{"jmpltri", [3]argKind{argReg, argImmed, argReg}, jumpOp(cmpLT, true, true)},            // 0x2d
	{"jmpgtri", [3]argKind{argReg, argImmed, argReg}, jumpOp(cmpGT, true, true)},            // 0x2e
	{"jmpleri", [3]argKind{argReg, argImmed, argReg}, jumpOp(cmpLE, true, true)},            // 0x2f
	{"jmpgeri", [3]argKind{argReg, argImmed, argReg}, jumpOp(cmpGE, true, true)},            // 0x30
	{"jmpeqri", [3]argKind{argReg, argImmed, argReg}, jumpOp(cmpEQ, true, true)},            // 0x31
	{"jmpneri", [3]argKind{argReg, argImmed, argReg}, jumpOp(cmpNE, true, true)},            // 0x32
	{"halt", [3]argKind{argNone, argNone, argNone}, opHalt},                                 // 0x33
	{"intr", [3]argKind{argNone, argNone, argNone}, opIntr},                                 // 0x34
	{"rfe", [3]argKind{argNone, argNone, argNone}, opRfe},                                   // 0x35
	{"wait", [3]argKind{argNone, argNone, argNone}, opWait},                                 // 0x36
	{"swap", [3]argKind{argReg, argReg, argNone}, opSwap},                                   // 0x37
	{"copy", [3]argKind{argReg, argReg, argNone}, opCopy},                                   // 0x38
	{"and", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).and)},                   // 0x39
	{"or", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).or)},                     // 0x3a
	{"xor", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).xor)},                   // 0x3b
	{"andi", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).and)},             // 0x3c
	{"ori", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).or)},               // 0x3d
	{"xori", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).xor)},             // 0x3e
	{"not", [3]argKind{argReg, argReg, argNone}, opNot},                                     // 0x3f
	{"shl", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).shl)},                   // 0x40
	{"shr", [3]argKind{argReg, argReg, argReg}, binaryOp((*Machine).shr)},                   // 0x41
	{"shli", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).shl)},             // 0x42
	{"shri", [3]argKind{argReg, argImmed, argReg}, binaryImmOp((*Machine).shr)},             // 0x43
	{"cpuid", [3]argKind{argNone, argNone, argNone}, opCpuid},                               // 0x44
	{"strapr", [3]argKind{argReg, argAddr, argNone}, opStrapr},                              // 0x45
	{"strapi", [3]argKind{argImmed, argAddr, argNone}, opStrapi},                            // 0x46
}
