package vm

// loader.go loads flat binary images into physical memory.

import (
	"errors"
	"fmt"
	"os"

	"github.com/corvus-vm/corvus/internal/log"
)

// ErrImageLoader is wrapped by all loader failures.
var ErrImageLoader = errors.New("loader error")

// Loader copies a flat binary image into the machine's physical memory starting at address
// zero. Execution begins at PC zero, so the first sixteen bytes of the image are the first
// instruction.
type Loader struct {
	m   *Machine
	log *log.Logger
}

// NewLoader creates a loader for the machine.
func NewLoader(m *Machine) *Loader {
	return &Loader{
		m:   m,
		log: m.log,
	}
}

// Load copies an image into RAM and returns the number of bytes loaded.
func (l *Loader) Load(image []byte) (int, error) {
	if len(image) == 0 {
		return 0, fmt.Errorf("%w: empty image", ErrImageLoader)
	}

	if len(image) > l.m.Mem.Size() {
		return 0, fmt.Errorf("%w: image is %d bytes, RAM is %d",
			ErrImageLoader, len(image), l.m.Mem.Size())
	}

	for i, b := range image {
		l.m.Mem.Write(Word(i), b)
	}

	l.log.Debug("image loaded", "SIZE", len(image))

	return len(image), nil
}

// LoadFile reads an image file and loads it.
func (l *Loader) LoadFile(filename string) (int, error) {
	image, err := os.ReadFile(filename)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrImageLoader, err)
	}

	return l.Load(image)
}
