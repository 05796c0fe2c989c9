package vm

// storage.go has the block storage device.

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Storage MMIO assignment and register offsets. The window exposes 512 bytes of the backing
// file at the configured offset.
const (
	StorageAddr Word = 0xffffe5b0
	StorageEnd  Word = 0xffffe7bf

	storOffset   Word = 0x00
	storWrEnable Word = 0x04
	storSize     Word = 0x08
	storWindow   Word = 0x10

	storWindowSize Word = 512
)

// Storage maps a host file and exposes a movable 512-byte window over it. The write-enable
// register gates window writes; the size register is read-only.
type Storage struct {
	mut      sync.Mutex
	offset   Word
	wrenable bool

	file *os.File
	data []byte
}

// NewStorage opens and maps the backing file read-write.
func NewStorage(filename string) (*Storage, error) {
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: mmap: %w", err)
	}

	return &Storage{
		wrenable: true,
		file:     f,
		data:     data,
	}, nil
}

// Close unmaps and closes the backing file.
func (s *Storage) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.data != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
	}

	return s.file.Close()
}

func (s *Storage) Range() (Word, Word) { return StorageAddr, StorageEnd }

func (s *Storage) ReadByte(off Word) byte {
	s.mut.Lock()
	defer s.mut.Unlock()

	switch {
	case inRange(off, storOffset, storOffset+3):
		return s.offset.Byte(int(off))
	case inRange(off, storWrEnable, storWrEnable+3):
		var w Word
		if s.wrenable {
			w = 1
		}

		return w.Byte(int(off - storWrEnable))
	case inRange(off, storSize, storSize+3):
		return Word(len(s.data)).Byte(int(off - storSize))
	case inRange(off, storWindow, storWindow+storWindowSize-1):
		idx := int64(s.offset) + int64(off-storWindow)
		if idx < int64(len(s.data)) {
			return s.data[idx]
		}

		return 0
	default:
		return 0
	}
}

func (s *Storage) WriteByte(off Word, val byte) {
	s.mut.Lock()
	defer s.mut.Unlock()

	switch {
	case inRange(off, storOffset, storOffset+3):
		s.offset.SetByte(int(off), val)
	case inRange(off, storWrEnable, storWrEnable+3):
		s.wrenable = val != 0
	case inRange(off, storWindow, storWindow+storWindowSize-1):
		if !s.wrenable {
			return
		}

		idx := int64(s.offset) + int64(off-storWindow)
		if idx < int64(len(s.data)) {
			s.data[idx] = val
		}
	}
}

func (s *Storage) device() string { return "Storage(IDE0)" }
