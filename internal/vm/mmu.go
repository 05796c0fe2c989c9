package vm

// mmu.go translates virtual addresses through the two-level page tables.

import (
	"errors"
	"fmt"

	"github.com/corvus-vm/corvus/internal/log"
)

// Page geometry. A virtual address decomposes as [lvl1 10][lvl2 10][offset 12]; a first-level
// entry with the physical bit set short-circuits translation with a 4 MiB superpage.
const (
	PageSize      Word = 0x1000
	SuperPageSize Word = 0x400000
)

// PageFaultError carries the faulting virtual address to the trap dispatcher.
type PageFaultError struct {
	Addr Word
}

func (pf *PageFaultError) Error() string {
	return fmt.Sprintf("page fault: %s", pf.Addr)
}

// ErrBadBasePointer is returned when the page table base would run past the address space.
var ErrBadBasePointer = errors.New("invalid base pointer")

// translation is a memoized walk result: the entry and the slot it was loaded from.
type translation struct {
	pte  PTE
	slot Word // Physical address of the PTE used for the lookup.
	size Word // PageSize or SuperPageSize.
}

// MMU performs virtual-to-physical translation with protection checks and accessed/dirty
// writeback. When the STATUS MMU bit is clear every address maps to itself. The translation memo
// is touched only from the CPU thread and is dropped whenever a write retires through the bus,
// the base pointer changes, or the MMU is toggled.
type MMU struct {
	mem  *Memory
	reg  *RegisterFile
	memo map[Word]translation

	log *log.Logger
}

// NewMMU creates an MMU over a bus and a register file.
func NewMMU(mem *Memory, reg *RegisterFile) *MMU {
	return &MMU{
		mem:  mem,
		reg:  reg,
		memo: make(map[Word]translation),
		log:  log.DefaultLogger(),
	}
}

// Invalidate drops all memoized translations.
func (mmu *MMU) Invalidate() {
	clear(mmu.memo)
}

// walk loads the PTE covering addr from the page tables. The memo is consulted by translate.
func (mmu *MMU) walk(addr Word) (translation, error) {
	base := mmu.reg.Raw(BASEPTR)
	if base > 0xffffefff {
		return translation{}, fmt.Errorf("%w: %s", ErrBadBasePointer, base)
	}

	page := addr >> 12
	lvl1 := page >> 10
	lvl2 := page & 0x3ff

	slot := base + lvl1*4
	pte := DecodePTE(mmu.mem.ReadWord(slot))

	if pte.Physical {
		return translation{pte: pte, slot: slot, size: SuperPageSize}, nil
	}

	slot = pte.PFN*PageSize + lvl2*4
	pte = DecodePTE(mmu.mem.ReadWord(slot))

	return translation{pte: pte, slot: slot, size: PageSize}, nil
}

// translate resolves a virtual address under the required permission mask and applies the
// accessed or dirty update. Read permission is always required.
func (mmu *MMU) translate(addr Word, mask PTEAccess) (Word, error) {
	mask |= AccessRead

	if !mmu.reg.MMUEnabled() || addr >= TrapApertureAddr {
		return addr, nil
	}

	key := addr >> 12
	tr, ok := mmu.memo[key]

	if !ok {
		var err error

		tr, err = mmu.walk(addr)
		if err != nil {
			return 0, err
		}
	}

	eff := tr.pte.RWX | AccessRead
	if eff&mask != mask {
		mmu.reg.SetVADDR(addr)
		return 0, &PageFaultError{Addr: addr}
	}

	if mmu.reg.User() && !tr.pte.User {
		mmu.reg.SetVADDR(addr)
		return 0, &PageFaultError{Addr: addr}
	}

	if mask&AccessWrite != 0 && !tr.pte.Dirty {
		tr.pte.Dirty = true
		mmu.writeback(tr)
	} else if !tr.pte.Accessed {
		tr.pte.Accessed = true
		mmu.writeback(tr)
	}

	mmu.memo[key] = tr

	frame := tr.pte.PFN << 12

	return frame + addr&(tr.size-1), nil
}

// writeback stores an updated PTE into the slot it was loaded from. The store retires through
// the bus, so the memo is dropped; the caller re-inserts its own entry.
func (mmu *MMU) writeback(tr translation) {
	mmu.mem.WriteWord(tr.slot, tr.pte.Encode())
	mmu.Invalidate()
}

// ReadByte reads one byte through translation. The mask names the permission the access needs in
// addition to read.
func (mmu *MMU) ReadByte(addr Word, mask PTEAccess) (byte, error) {
	phys, err := mmu.translate(addr, mask)
	if err != nil {
		return 0, err
	}

	return mmu.mem.Read(phys), nil
}

// WriteByte writes one byte through translation and drops the translation memo afterwards.
func (mmu *MMU) WriteByte(addr Word, val byte, mask PTEAccess) error {
	phys, err := mmu.translate(addr, mask|AccessWrite)
	if err != nil {
		return err
	}

	mmu.mem.Write(phys, val)
	mmu.Invalidate()

	return nil
}

// ReadWord reads a big-endian word byte by byte. A fault on any byte aborts the whole access.
func (mmu *MMU) ReadWord(addr Word, mask PTEAccess) (Word, error) {
	var w Word

	for i := 0; i < 4; i++ {
		b, err := mmu.ReadByte(addr+Word(i), mask)
		if err != nil {
			return 0, err
		}

		w.SetByte(i, b)
	}

	return w, nil
}

// WriteWord writes a big-endian word byte by byte. A fault on any byte aborts the access.
func (mmu *MMU) WriteWord(addr Word, val Word, mask PTEAccess) error {
	for i := 0; i < 4; i++ {
		if err := mmu.WriteByte(addr+Word(i), val.Byte(i), mask); err != nil {
			return err
		}
	}

	return nil
}
