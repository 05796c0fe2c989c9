package vm

// mem.go contains the machine's memory bus.

import (
	"fmt"

	"github.com/corvus-vm/corvus/internal/log"
)

// TrapApertureAddr is the base of the trap-vector aperture: the top 4 KiB of the address space.
// The bus serves it from a dedicated buffer ahead of any device mapping, and the MMU never
// translates it.
const TrapApertureAddr Word = 0xfffff000

// Memory is the byte-addressed bus. Reads and writes route, in order, to the trap-vector
// aperture, to a memory-mapped device, or to backing RAM. Reads outside RAM return zero and
// writes there are dropped, the way a real bus floats.
type Memory struct {
	ram   []byte
	traps [4096]byte
	mmio  map[Word]Hardware

	log *log.Logger
}

// NewMemory allocates a bus backed by size bytes of RAM.
func NewMemory(size int) *Memory {
	if size < 4096 {
		size = 4096
	}

	return &Memory{
		ram:  make([]byte, size),
		mmio: make(map[Word]Hardware),
		log:  log.DefaultLogger(),
	}
}

// Attach maps a device's register bank onto the bus, one table entry per byte of its range.
func (mem *Memory) Attach(hw Hardware) error {
	begin, end := hw.Range()

	for addr := begin; ; addr++ {
		if prev, ok := mem.mmio[addr]; ok {
			return fmt.Errorf("mmio: map: %s overlaps %s at %s", hw.device(), prev.device(), addr)
		}

		if addr == end {
			break
		}
	}

	for addr := begin; ; addr++ {
		mem.mmio[addr] = hw
		if addr == end {
			break
		}
	}

	mem.log.Debug("mapped device",
		log.String("DEVICE", hw.device()),
		log.String("BEGIN", begin.String()),
		log.String("END", end.String()),
	)

	return nil
}

// Read returns the byte at a physical address.
func (mem *Memory) Read(addr Word) byte {
	if addr >= TrapApertureAddr {
		return mem.traps[addr-TrapApertureAddr]
	}

	if hw, ok := mem.mmio[addr]; ok {
		begin, _ := hw.Range()
		return hw.ReadByte(addr - begin)
	}

	if int64(addr) < int64(len(mem.ram)) {
		return mem.ram[addr]
	}

	return 0
}

// Write stores a byte at a physical address.
func (mem *Memory) Write(addr Word, val byte) {
	if addr >= TrapApertureAddr {
		mem.traps[addr-TrapApertureAddr] = val
		return
	}

	if hw, ok := mem.mmio[addr]; ok {
		begin, _ := hw.Range()
		hw.WriteByte(addr-begin, val)

		return
	}

	if int64(addr) < int64(len(mem.ram)) {
		mem.ram[addr] = val
	}
}

// ReadWord fetches a big-endian word from four consecutive bytes.
func (mem *Memory) ReadWord(addr Word) Word {
	var w Word
	for i := 0; i < 4; i++ {
		w.SetByte(i, mem.Read(addr+Word(i)))
	}

	return w
}

// WriteWord stores a big-endian word into four consecutive bytes.
func (mem *Memory) WriteWord(addr Word, val Word) {
	for i := 0; i < 4; i++ {
		mem.Write(addr+Word(i), val.Byte(i))
	}
}

// Size returns the amount of backing RAM, excluding the aperture and devices.
func (mem *Memory) Size() int {
	return len(mem.ram)
}
