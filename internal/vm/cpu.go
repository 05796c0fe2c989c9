package vm

// cpu.go assembles the machine from its parts.

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/corvus-vm/corvus/internal/log"
)

// CPUVersion is reported by the cpuid instruction.
const CPUVersion Word = 0x1

// DefaultRAMSize is the backing RAM allocated when the configuration does not say otherwise.
const DefaultRAMSize = 1 << 24 // 16 MiB

// Machine is a CORVUS-32 computer simulated in software.
//
// One goroutine runs the instruction cycle; each interrupting device and the interrupt
// controller's dispatcher run their own. The machine lock is held for the whole of every
// instruction step and for trap entry, so device threads only reach architectural state through
// Interrupt, which takes the lock itself.
type Machine struct {
	mu sync.Mutex

	REG  *RegisterFile
	MMU  *MMU
	Mem  *Memory
	Intc *Intc

	fc          Word // Fault count: trap nesting depth.
	intrVec     Word // Trap target for interrupt delivery.
	intrPending bool
	halted      bool
	cause       error

	// Trap event: wakes wait instructions. Every trap bumps the generation; a waiting CPU thread,
	// which released the machine lock while blocked, resumes once the trap has completed.
	trapMu   sync.Mutex
	trapCond *sync.Cond
	trapGen  uint64

	done     chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once

	storage *Storage

	log *log.Logger
}

type options struct {
	logger  *log.Logger
	ramSize int
	in      io.Reader
	out     io.Writer
	storage string
	net     bool
}

// An OptionFn adjusts the machine configuration before assembly.
type OptionFn func(*options)

// WithLogger attaches a logger to the machine and its parts.
func WithLogger(logger *log.Logger) OptionFn {
	return func(o *options) { o.logger = logger }
}

// WithRAMSize sets the amount of backing RAM in bytes.
func WithRAMSize(size int) OptionFn {
	return func(o *options) { o.ramSize = size }
}

// WithInput sets the reader feeding the keyboard device.
func WithInput(in io.Reader) OptionFn {
	return func(o *options) { o.in = in }
}

// WithOutput sets the writer behind the printer device.
func WithOutput(out io.Writer) OptionFn {
	return func(o *options) { o.out = out }
}

// WithStorage attaches the block storage device backed by the named image file.
func WithStorage(filename string) OptionFn {
	return func(o *options) { o.storage = filename }
}

// WithNet enables the network socket adapter.
func WithNet(enabled bool) OptionFn {
	return func(o *options) { o.net = enabled }
}

// New creates and initializes a machine. Execution starts at physical address zero with the MMU
// disabled, kernel mode and interrupts off; the register file boots zeroed.
func New(opts ...OptionFn) (*Machine, error) {
	o := options{
		logger:  log.DefaultLogger(),
		ramSize: DefaultRAMSize,
		in:      os.Stdin,
		out:     os.Stdout,
	}

	for _, fn := range opts {
		fn(&o)
	}

	m := &Machine{
		intrVec: VectorInterrupt,
		done:    make(chan struct{}),
		log:     o.logger,
	}
	m.trapCond = sync.NewCond(&m.trapMu)

	m.REG = &RegisterFile{stored: m.registerStored}
	m.Mem = NewMemory(o.ramSize)
	m.Mem.log = m.log
	m.MMU = NewMMU(m.Mem, m.REG)
	m.MMU.log = m.log

	m.log.Debug("Configuring devices")

	m.Intc = NewIntc(m)

	devices := []Hardware{
		m.Intc,
		NewPrinter(o.out),
		NewTimer(m, m.Intc),
		NewKeyboard(m, m.Intc, o.in),
		NewRTC(),
	}

	if o.storage != "" {
		storage, err := NewStorage(o.storage)
		if err != nil {
			return nil, err
		}

		m.storage = storage
		devices = append(devices, storage)
	}

	if o.net {
		devices = append(devices, NewNetAdapter(m, m.Intc))
	}

	for _, hw := range devices {
		if err := m.Mem.Attach(hw); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Machine) String() string {
	return fmt.Sprintf("PC: %s STATUS: %s RETURN: %s FC: %d",
		m.REG.Raw(PC), m.REG.Raw(STATUS), m.REG.Raw(RETURN), m.fc)
}

// LogValue summarizes machine state for structured logs.
func (m *Machine) LogValue() log.Value {
	return log.GroupValue(
		log.String("PC", m.REG.Raw(PC).String()),
		log.String("STATUS", m.REG.Raw(STATUS).String()),
		log.String("FC", fmt.Sprintf("%d", m.fc)),
		log.Any("REG", m.REG),
	)
}

// Registers exposes the register file for dumps.
func (m *Machine) Registers() *RegisterFile {
	return m.REG
}

// spawn starts a device thread that is joined on shutdown.
func (m *Machine) spawn(fn func()) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Shutdown signals device threads to exit and joins them with a short timeout. Threads blocked
// in host reads may not notice until their next wake; they are abandoned after the timeout.
func (m *Machine) Shutdown() {
	m.shutdown.Do(func() {
		close(m.done)
		m.Intc.close()

		joined := make(chan struct{})

		go func() {
			m.wg.Wait()
			close(joined)
		}()

		select {
		case <-joined:
		case <-time.After(time.Second):
			m.log.Warn("device threads did not exit in time")
		}

		if m.storage != nil {
			_ = m.storage.Close()
		}
	})
}

// setInterruptVector points interrupt delivery at addr. The interrupt controller calls this with
// the address of its jump stub when it attaches.
func (m *Machine) setInterruptVector(addr Word) {
	m.intrVec = addr
}

// Interrupt pulls the CPU's interrupt line. When interrupts are enabled the CPU traps through
// the interrupt vector; otherwise the interrupt is latched pending and delivered on the first
// instruction after interrupts are re-enabled. Callable from any thread.
func (m *Machine) Interrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intrLocked()
}

// intrLocked implements interrupt delivery. Machine lock held.
func (m *Machine) intrLocked() {
	if m.REG.Intr() {
		m.intrPending = false
		m.trapLocked(m.intrVec)
	} else {
		m.intrPending = true
	}
}

// registerStored watches gated register writes for the side effects the architecture demands:
// the translation memo dies with the base pointer or the MMU bit, and enabling interrupts with a
// latched interrupt delivers it immediately.
func (m *Machine) registerStored(reg RegisterName, old, val Word) {
	switch reg {
	case BASEPTR:
		m.MMU.Invalidate()
	case STATUS:
		if (old^val)&Word(StatusMMUEnable) != 0 {
			m.MMU.Invalidate()
		}

		if val&Word(StatusIntr) != 0 && m.intrPending {
			m.intrLocked()
		}
	}
}
