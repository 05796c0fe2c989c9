package vm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderLoadsAtZero(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	image := []byte{0x00, 0x00, 0x00, 0x0a, 0xde, 0xad, 0xbe, 0xef}

	count, err := NewLoader(m).Load(image)
	if err != nil {
		t.Fatal(err)
	}

	if count != len(image) {
		t.Errorf("count: want: %d, got: %d", len(image), count)
	}

	if got := m.Mem.ReadWord(4); got != 0xdeadbeef {
		t.Errorf("loaded word: want: %s, got: %s", Word(0xdeadbeef), got)
	}
}

func TestLoaderRejectsEmptyAndOversized(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	loader := NewLoader(m)

	if _, err := loader.Load(nil); !errors.Is(err, ErrImageLoader) {
		t.Errorf("empty image: want ErrImageLoader, got: %v", err)
	}

	big := make([]byte, m.Mem.Size()+1)
	if _, err := loader.Load(big); !errors.Is(err, ErrImageLoader) {
		t.Errorf("oversized image: want ErrImageLoader, got: %v", err)
	}
}

func TestLoaderLoadFile(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	filename := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(filename, []byte{0x00, 0x00, 0x00, 0x33}, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(m).LoadFile(filename); err != nil {
		t.Fatal(err)
	}

	if got := m.Mem.ReadWord(0); got != 0x33 {
		t.Errorf("loaded opcode: want: %s, got: %s", Word(0x33), got)
	}

	if _, err := NewLoader(m).LoadFile(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("missing file: want error")
	}
}
