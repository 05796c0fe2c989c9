package vm

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrinterEmitsBytes(tt *testing.T) {
	t := NewTestHarness(tt)

	out := &bytes.Buffer{}
	p := NewPrinter(out)

	p.WriteByte(0, 'o')
	p.WriteByte(0, 'k')

	if got := out.String(); got != "ok" {
		t.Errorf("printer: want: %q, got: %q", "ok", got)
	}

	if got := p.ReadByte(0); got != 'k' {
		t.Errorf("printer readback: want: 'k', got: %q", got)
	}
}

func TestTimerRegister(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	m.Mem.WriteWord(TimerAddr, 250)

	if got := m.Mem.ReadWord(TimerAddr); got != 250 {
		t.Errorf("duration: want: 250, got: %s", got)
	}
}

func TestTimerInterruptsEndToEnd(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make()

	// Route the timer's interrupt to 0x700 and arm a 1ms period.
	m.Mem.WriteWord(IntcAddr+intcIntNum, IntTimer)
	m.Mem.WriteWord(IntcAddr+intcIntVec, 0x700)
	m.Mem.Write(IntcAddr+intcAddInt+3, 1)
	m.Mem.Write(IntcAddr+intcMask+3, 0)

	m.REG.SetIntr(true)
	m.Mem.WriteWord(TimerAddr, 1)

	deadline := time.After(5 * time.Second)

	for m.REG.Raw(PC) != 0x700 {
		select {
		case <-deadline:
			t.Fatalf("timer interrupt not delivered; PC: %s", m.REG.Raw(PC))
		default:
		}

		t.steps(m, 1)
	}
}

func TestKeyboardInterrupt(tt *testing.T) {
	t := NewTestHarness(tt)

	in, win := io.Pipe()
	m := t.Make(WithInput(in))

	t.Cleanup(func() { _ = win.Close() })

	// Route the keyboard interrupt to 0x800 and enable the device.
	m.Mem.WriteWord(IntcAddr+intcIntNum, IntKeyboard)
	m.Mem.WriteWord(IntcAddr+intcIntVec, 0x800)
	m.Mem.Write(IntcAddr+intcAddInt+3, 1)
	m.Mem.Write(IntcAddr+intcMask+3, 0)
	m.Mem.Write(KeyboardAddr+3, 1) // Enable flag.
	m.REG.SetIntr(true)

	if _, err := win.Write([]byte{'a'}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)

	for m.REG.Raw(PC) != 0x800 {
		select {
		case <-deadline:
			t.Fatalf("keyboard interrupt not delivered; PC: %s", m.REG.Raw(PC))
		default:
		}

		t.steps(m, 1)
	}

	if got := m.Mem.ReadWord(KeyboardAddr + kbdChar); got != 'a' {
		t.Errorf("char register: want: 'a', got: %s", got)
	}
}

func TestRTCLatch(tt *testing.T) {
	t := NewTestHarness(tt)

	rtc := NewRTC()

	var fixed = time.Date(2001, time.March, 4, 5, 6, 7, 890000*1000, time.UTC)
	rtc.clock = func() time.Time { return fixed }
	rtc.WriteByte(rtcLatch, 1)

	var year Word
	for i := 0; i < 4; i++ {
		year.SetByte(i, rtc.ReadByte(rtcYear+Word(i)))
	}

	if year != 2001 {
		t.Errorf("year: want: 2001, got: %d", year)
	}

	checks := []struct {
		off  Word
		want byte
	}{
		{rtcMonth, 3},
		{rtcDay, 4},
		{rtcHour, 5},
		{rtcMin, 6},
		{rtcSec, 7},
	}

	for _, c := range checks {
		if got := rtc.ReadByte(c.off); got != c.want {
			t.Errorf("offset %s: want: %d, got: %d", c.off, c.want, got)
		}
	}

	var usec Word
	for i := 0; i < 4; i++ {
		usec.SetByte(i, rtc.ReadByte(rtcUsec+Word(i)))
	}

	if usec != 890000 {
		t.Errorf("usec: want: 890000, got: %d", usec)
	}

	// Writes anywhere else are ignored.
	rtc.WriteByte(rtcMonth, 12)

	if got := rtc.ReadByte(rtcMonth); got != 3 {
		t.Errorf("month after ignored write: want: 3, got: %d", got)
	}
}

func TestStorageWindow(tt *testing.T) {
	t := NewTestHarness(tt)

	image := filepath.Join(t.TempDir(), "storage.img")
	content := make([]byte, 2048)

	for i := range content {
		content[i] = byte(i)
	}

	if err := os.WriteFile(image, content, 0o644); err != nil {
		t.Fatal(err)
	}

	m := t.Make(WithStorage(image))

	// The size register reports the file size.
	if got := m.Mem.ReadWord(StorageAddr + storSize); got != 2048 {
		t.Errorf("size: want: 2048, got: %s", got)
	}

	// Window reads follow the offset register.
	m.Mem.WriteWord(StorageAddr+storOffset, 512)

	if got := m.Mem.Read(StorageAddr + storWindow + 3); got != byte(515%256) {
		t.Errorf("window read: want: %0#2x, got: %0#2x", byte(515%256), got)
	}

	// Writes are gated by the write-enable register.
	m.Mem.WriteWord(StorageAddr+storWrEnable, 0)
	m.Mem.Write(StorageAddr+storWindow, 0xee)

	if got := m.Mem.Read(StorageAddr + storWindow); got != byte(512%256) {
		t.Errorf("write-disabled window changed: got: %0#2x", got)
	}

	m.Mem.WriteWord(StorageAddr+storWrEnable, 1)
	m.Mem.Write(StorageAddr+storWindow, 0xee)

	if got := m.Mem.Read(StorageAddr + storWindow); got != 0xee {
		t.Errorf("window write: want: 0xee, got: %0#2x", got)
	}
}

func TestNetAdapterRegisters(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make(WithNet(true))

	// The handle boots to the no-socket sentinel.
	if got := m.Mem.ReadWord(NetAddr + netHandle); got != noVector {
		t.Errorf("handle: want: %s, got: %s", noVector, got)
	}

	// Register round trips.
	m.Mem.WriteWord(NetAddr+netIPVer, netVerIPv4)
	m.Mem.WriteWord(NetAddr+netProto, netProtoUDP)

	if got := m.Mem.ReadWord(NetAddr + netIPVer); got != netVerIPv4 {
		t.Errorf("ipver: want: %s, got: %s", netVerIPv4, got)
	}

	// The 16-byte address register is byte addressable.
	for i := 0; i < 16; i++ {
		m.Mem.Write(NetAddr+netRegAddr+Word(i), byte(i))
	}

	for i := 0; i < 16; i++ {
		if got := m.Mem.Read(NetAddr + netRegAddr + Word(i)); got != byte(i) {
			t.Errorf("addr byte %d: want: %d, got: %d", i, i, got)
		}
	}
}

func TestNetAdapterUnsupportedCommand(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make(WithNet(true))

	// setsockopt is not implemented: status reads back as negated ENOSYS.
	m.Mem.WriteWord(NetAddr+netCommand, netCmdSetSockOpt)

	status := m.Mem.ReadWord(NetAddr + netStatus)
	if status.Signed() >= 0 {
		t.Errorf("status: want a negative errno, got: %s", status)
	}
}

func TestNetAdapterSocketLifecycle(tt *testing.T) {
	t := NewTestHarness(tt)
	m := t.Make(WithNet(true))

	m.Mem.WriteWord(NetAddr+netIPVer, netVerIPv4)
	m.Mem.WriteWord(NetAddr+netProto, netProtoUDP)
	m.Mem.WriteWord(NetAddr+netCommand, netCmdSocket)

	if status := m.Mem.ReadWord(NetAddr + netStatus); status != 0 {
		t.Skipf("host does not allow sockets: status %s", status)
	}

	handle := m.Mem.ReadWord(NetAddr + netHandle)
	if handle == noVector {
		t.Fatalf("handle not assigned")
	}

	// Bind to the loopback on an ephemeral port.
	var addr Quad

	addr.SetLow32(0x7f000001)

	for i := 0; i < 16; i++ {
		m.Mem.Write(NetAddr+netRegAddr+Word(i), addr.Byte(i))
	}

	m.Mem.WriteWord(NetAddr+netParams, 0)
	m.Mem.WriteWord(NetAddr+netCommand, netCmdBind)

	if status := m.Mem.ReadWord(NetAddr + netStatus); status != 0 {
		t.Errorf("bind status: want: 0, got: %s", status)
	}

	m.Mem.WriteWord(NetAddr+netCommand, netCmdClose)

	if status := m.Mem.ReadWord(NetAddr + netStatus); status != 0 {
		t.Errorf("close status: want: 0, got: %s", status)
	}
}
