package vm

// intr.go has the interrupt controller.

import (
	"fmt"
	"sync"

	"github.com/corvus-vm/corvus/internal/log"
)

// Interrupt controller MMIO assignment and register offsets.
const (
	IntcAddr Word = 0xffffefce
	IntcEnd  Word = 0xffffeffe

	intcMask    Word = 0x00
	intcIntNum  Word = 0x04
	intcIntVec  Word = 0x08
	intcAddInt  Word = 0x0c
	intcDelInt  Word = 0x10
	intcGetInt  Word = 0x14
	intcJmpStub Word = 0x18

	// IntcStubAddr is the bus address of the controller's jump stub. The CPU's interrupt trap
	// lands here; the stub reads back as a jmp instruction whose operand is the current vector.
	IntcStubAddr = IntcAddr + intcJmpStub
)

// noVector is staged by GET_INT when the number has no registration. An unlikely vector address,
// so a decent sentinel.
const noVector Word = 0xffffffff

// Intc serializes device interrupts into the CPU. Devices enqueue their interrupt number with
// Raise; a dispatch worker waits until the guest unmasks the controller, latches the registered
// vector into the current-vector slot and pulls the CPU's interrupt line. Numbers with no
// registered vector are dropped. Delivery re-masks the controller; the handler unmasks it again
// through the register bank when it is ready for more.
type Intc struct {
	mut  sync.Mutex
	cond *sync.Cond

	vectors map[Word]Word
	intnum  Word
	intvec  Word
	current Word
	masked  bool
	closed  bool

	pending chan Word
	machine *Machine

	log *log.Logger
}

// NewIntc creates the controller and starts its dispatch worker. The machine's interrupt
// delivery is pointed at the controller's jump stub.
func NewIntc(m *Machine) *Intc {
	ic := &Intc{
		vectors: make(map[Word]Word),
		masked:  true,
		pending: make(chan Word, 64),
		machine: m,
		log:     m.log,
	}
	ic.cond = sync.NewCond(&ic.mut)

	m.setInterruptVector(IntcStubAddr)
	m.spawn(ic.dispatch)

	return ic
}

// Raise enqueues an interrupt for delivery. Callable from any device thread.
func (ic *Intc) Raise(num Word) {
	select {
	case ic.pending <- num:
	case <-ic.machine.done:
	}
}

// dispatch is the controller's worker loop.
func (ic *Intc) dispatch() {
	for {
		var num Word

		select {
		case <-ic.machine.done:
			return
		case num = <-ic.pending:
		}

		ic.mut.Lock()
		for ic.masked && !ic.closed {
			ic.cond.Wait()
		}

		if ic.closed {
			ic.mut.Unlock()
			return
		}

		vec, ok := ic.vectors[num]
		if ok {
			// Mask further interrupts until the handler acknowledges; it unmasks manually.
			ic.masked = true
			ic.current = vec
		}
		ic.mut.Unlock()

		if ok {
			ic.log.Debug("interrupt dispatched",
				log.String("NUM", num.String()), log.String("VEC", vec.String()))
			ic.machine.Interrupt()
		}
	}
}

// close releases the dispatch worker if it is waiting on the mask.
func (ic *Intc) close() {
	ic.mut.Lock()
	ic.closed = true
	ic.cond.Broadcast()
	ic.mut.Unlock()
}

func (ic *Intc) Range() (Word, Word) { return IntcAddr, IntcEnd }

func (ic *Intc) ReadByte(off Word) byte {
	ic.mut.Lock()
	defer ic.mut.Unlock()

	switch {
	case off == intcMask+3:
		if ic.masked {
			return 1
		}

		return 0
	case inRange(off, intcIntNum, intcIntNum+3):
		return ic.intnum.Byte(int(off - intcIntNum))
	case inRange(off, intcIntVec, intcIntVec+3):
		return ic.intvec.Byte(int(off - intcIntVec))
	case off == intcJmpStub+3:
		return opcodeJmp
	case inRange(off, intcJmpStub+4, intcJmpStub+7):
		return ic.current.Byte(int(off - (intcJmpStub + 4)))
	default:
		return 0
	}
}

func (ic *Intc) WriteByte(off Word, val byte) {
	ic.mut.Lock()
	defer ic.mut.Unlock()

	switch {
	case inRange(off, intcMask, intcMask+3):
		if val == 0 {
			ic.masked = false
			ic.cond.Broadcast()
		} else {
			ic.masked = true
		}
	case inRange(off, intcIntNum, intcIntNum+3):
		ic.intnum.SetByte(int(off-intcIntNum), val)
	case inRange(off, intcIntVec, intcIntVec+3):
		ic.intvec.SetByte(int(off-intcIntVec), val)
	case inRange(off, intcAddInt, intcAddInt+3):
		if val > 0 {
			ic.vectors[ic.intnum] = ic.intvec
		}
	case inRange(off, intcDelInt, intcDelInt+3):
		if val > 0 {
			delete(ic.vectors, ic.intnum)
		}
	case inRange(off, intcGetInt, intcGetInt+3):
		if val > 0 {
			if vec, ok := ic.vectors[ic.intnum]; ok {
				ic.intvec = vec
			} else {
				ic.intvec = noVector
			}
		}
	}
}

func (ic *Intc) device() string { return "Intc(PIC1)" }

func (ic *Intc) String() string {
	ic.mut.Lock()
	defer ic.mut.Unlock()

	return fmt.Sprintf("Intc(masked:%t current:%s registered:%d)",
		ic.masked, ic.current, len(ic.vectors))
}

// inRange reports begin <= off <= end.
func inRange(off, begin, end Word) bool {
	return off >= begin && off <= end
}
