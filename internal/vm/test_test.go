package vm

import (
	"io"
	"strings"
	"testing"

	"github.com/corvus-vm/corvus/internal/log"
)

func NewTestHarness(t *testing.T) *testHarness {
	t.Parallel()

	return &testHarness{T: t}
}

type testHarness struct {
	*testing.T
}

// Make builds a quiet machine with a small RAM, no terminal and no optional devices.
func (t *testHarness) Make(opts ...OptionFn) *Machine {
	t.Helper()

	opts = append([]OptionFn{
		WithLogger(log.NewFormattedLogger(io.Discard)),
		WithRAMSize(1 << 16),
		WithInput(strings.NewReader("")),
		WithOutput(io.Discard),
	}, opts...)

	m, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(m.Shutdown)

	return m
}

// inst assembles one 16-byte instruction.
func inst(opcode Word, ops ...Word) []Word {
	words := []Word{opcode, 0, 0, 0}
	copy(words[1:], ops)

	return words
}

// load writes instructions into physical memory starting at addr.
func (t *testHarness) load(m *Machine, addr Word, code ...[]Word) {
	t.Helper()

	for _, in := range code {
		for _, w := range in {
			m.Mem.WriteWord(addr, w)
			addr += 4
		}
	}
}

// steps runs n instruction steps, failing the test if the machine stops early.
func (t *testHarness) steps(m *Machine, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}
