package vm

import (
	"testing"
)

func TestPTERoundTrip(tt *testing.T) {
	t := NewTestHarness(tt)

	words := []Word{
		0x00000000,
		0xffffffff,
		0x12345b28,
		0x00010e38,
		0xfffff008,
		0x00000010,
		0xdeadbeef,
		0x80000001,
	}

	for _, w := range words {
		if got := DecodePTE(w).Encode(); got != w {
			t.Errorf("round trip: want: %s, got: %s", w, got)
		}
	}
}

func TestPTEFields(tt *testing.T) {
	t := NewTestHarness(tt)

	pte := DecodePTE(0x12345e28)

	if pte.PFN != 0x12345 {
		t.Errorf("pfn: want: %0#5x, got: %0#5x", 0x12345, uint32(pte.PFN))
	}

	// RWX field is 0x7: read, write and execute all set.
	if !pte.Read() || !pte.Write() || !pte.Execute() {
		t.Errorf("rwx: want rwx, got: %s", pte.RWX)
	}

	if pte.Dirty {
		t.Error("dirty: want clear")
	}

	if !pte.User {
		t.Error("user: want set")
	}

	if !pte.Present {
		t.Error("present: want set")
	}

	if pte.Physical {
		t.Error("physical: want clear")
	}
}

func TestPTEEncode(tt *testing.T) {
	t := NewTestHarness(tt)

	pte := PTE{
		PFN:     0x00010,
		RWX:     AccessRead,
		Present: true,
	}

	// PFN 0x10 in bits 31:12, read in bit 11, present in bit 3.
	if got := pte.Encode(); got != 0x00010808 {
		t.Errorf("encode: want: %s, got: %s", Word(0x00010808), got)
	}

	pte.Dirty = true
	pte.Accessed = true

	if got := pte.Encode(); got != 0x00010988 {
		t.Errorf("encode: want: %s, got: %s", Word(0x00010988), got)
	}
}
