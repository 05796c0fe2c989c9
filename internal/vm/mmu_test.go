package vm

import (
	"errors"
	"testing"
)

// mapPage builds the two-level tables used by the MMU tests:
//
//	BASEPTR = 0x2000, level-2 table at 0x3000.
func mapPage(m *Machine, lvl2Index Word, pte PTE) {
	lvl1 := PTE{PFN: 0x3, Present: true}
	m.Mem.WriteWord(0x2000, lvl1.Encode())
	m.Mem.WriteWord(0x3000+lvl2Index*4, pte.Encode())
	m.REG.SetRaw(BASEPTR, 0x2000)
}

func enableMMU(m *Machine) {
	m.REG.SetRaw(STATUS, Word(StatusMMUEnable))
}

func TestMMUIdentityWhenDisabled(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	m.Mem.Write(0x1234, 0x42)

	got, err := m.MMU.ReadByte(0x1234, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0x42 {
		t.Errorf("identity read: want: 0x42, got: %0#2x", got)
	}

	if err := m.MMU.WriteByte(0x4321, 0x24, 0); err != nil {
		t.Fatal(err)
	}

	if got := m.Mem.Read(0x4321); got != 0x24 {
		t.Errorf("identity write: want: 0x24, got: %0#2x", got)
	}
}

func TestMMUTranslates(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	// Virtual page 0 maps to physical frame 0x5.
	mapPage(m, 0, PTE{PFN: 0x5, RWX: AccessRead | AccessWrite, Present: true})
	enableMMU(m)

	m.Mem.Write(0x5010, 0x77)

	got, err := m.MMU.ReadByte(0x0010, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0x77 {
		t.Errorf("translated read: want: 0x77, got: %0#2x", got)
	}

	// The read set the accessed bit in the level-2 slot.
	pte := DecodePTE(m.Mem.ReadWord(0x3000))
	if !pte.Accessed {
		t.Error("accessed bit not written back")
	}

	if pte.Dirty {
		t.Error("dirty bit set by a read")
	}

	if err := m.MMU.WriteByte(0x0020, 0x88, 0); err != nil {
		t.Fatal(err)
	}

	if got := m.Mem.Read(0x5020); got != 0x88 {
		t.Errorf("translated write: want: 0x88, got: %0#2x", got)
	}

	pte = DecodePTE(m.Mem.ReadWord(0x3000))
	if !pte.Dirty {
		t.Error("dirty bit not written back")
	}
}

func TestMMUSuperPage(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	// A first-level entry with the physical bit maps 4 MiB directly. Frame zero keeps the
	// arithmetic inside the test RAM.
	lvl1 := PTE{PFN: 0, RWX: AccessRead | AccessWrite, Physical: true, Present: true}
	m.Mem.WriteWord(0x2000, lvl1.Encode())
	m.REG.SetRaw(BASEPTR, 0x2000)
	enableMMU(m)

	m.Mem.Write(0x1234, 0x99)

	// Virtual 0x1234 is offset 0x1234 into the superpage at frame zero.
	got, err := m.MMU.ReadByte(0x1234, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0x99 {
		t.Errorf("superpage read: want: 0x99, got: %0#2x", got)
	}

	// Writeback lands in the first-level slot.
	pte := DecodePTE(m.Mem.ReadWord(0x2000))
	if !pte.Accessed {
		t.Error("accessed bit not written back to the level-1 slot")
	}
}

func TestMMUPermissionFault(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	mapPage(m, 0, PTE{PFN: 0x5, RWX: AccessRead, Present: true})
	enableMMU(m)

	err := m.MMU.WriteByte(0x0040, 0x01, 0)

	var pf *PageFaultError
	if !errors.As(err, &pf) {
		t.Fatalf("want page fault, got: %v", err)
	}

	if pf.Addr != 0x0040 {
		t.Errorf("fault addr: want: %s, got: %s", Word(0x0040), pf.Addr)
	}

	if got := m.REG.Raw(VADDR); got != 0x0040 {
		t.Errorf("VADDR: want: %s, got: %s", Word(0x0040), got)
	}

	// The fault fired before any PTE update.
	pte := DecodePTE(m.Mem.ReadWord(0x3000))
	if pte.Accessed || pte.Dirty {
		t.Error("faulting access updated the PTE")
	}
}

func TestMMUUserFault(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	mapPage(m, 0, PTE{PFN: 0x5, RWX: AccessRead | AccessWrite, Present: true})
	m.REG.SetRaw(STATUS, Word(StatusMMUEnable|StatusUser))

	_, err := m.MMU.ReadByte(0x0000, 0)

	var pf *PageFaultError
	if !errors.As(err, &pf) {
		t.Fatalf("want page fault for kernel-only page, got: %v", err)
	}
}

func TestMMUExecOnlyPageReads(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	// Read permission is effectively granted on any successful translation.
	mapPage(m, 0, PTE{PFN: 0x5, RWX: AccessExecute, Present: true})
	enableMMU(m)

	if _, err := m.MMU.ReadByte(0x0000, AccessExecute); err != nil {
		t.Errorf("execute fetch: %v", err)
	}

	if _, err := m.MMU.ReadByte(0x0000, 0); err != nil {
		t.Errorf("plain read of exec-only page: %v", err)
	}
}

func TestMMUBadBasePointer(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	m.REG.SetRaw(BASEPTR, 0xfffff000)
	enableMMU(m)

	_, err := m.MMU.ReadByte(0x0000, 0)
	if !errors.Is(err, ErrBadBasePointer) {
		t.Fatalf("want ErrBadBasePointer, got: %v", err)
	}
}

func TestMMUApertureBypass(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	// No tables at all: aperture addresses must still translate.
	m.REG.SetRaw(BASEPTR, 0xfffff000) // Would fault anywhere else.
	enableMMU(m)

	if err := m.MMU.WriteByte(VectorIllegal, 0x19, 0); err != nil {
		t.Fatalf("aperture write: %v", err)
	}

	got, err := m.MMU.ReadByte(VectorIllegal, 0)
	if err != nil {
		t.Fatalf("aperture read: %v", err)
	}

	if got != 0x19 {
		t.Errorf("aperture byte: want: 0x19, got: %0#2x", got)
	}
}

func TestMMUMemoInvalidatedByWrite(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	mapPage(m, 0, PTE{PFN: 0x5, RWX: AccessRead | AccessWrite, Present: true})

	// Identity-map the page holding the level-2 table so the guest can edit its own tables.
	tablePTE := PTE{PFN: 0x3, RWX: AccessRead | AccessWrite, Present: true}
	m.Mem.WriteWord(0x3000+3*4, tablePTE.Encode())

	enableMMU(m)

	if _, err := m.MMU.ReadByte(0x0000, 0); err != nil {
		t.Fatal(err)
	}

	// Remap page zero to frame 0x6 by writing the PTE through the MMU. The stale translation
	// must not be observable.
	remapped := PTE{PFN: 0x6, RWX: AccessRead | AccessWrite, Present: true, Accessed: true}
	if err := m.MMU.WriteWord(0x3000, remapped.Encode(), 0); err != nil {
		t.Fatal(err)
	}

	m.Mem.Write(0x6000, 0x61)

	got, err := m.MMU.ReadByte(0x0000, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0x61 {
		t.Errorf("stale translation observed: want: 0x61, got: %0#2x", got)
	}
}
