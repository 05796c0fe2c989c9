// Package tty adapts the host terminal for the machine's keyboard and printer.
package tty

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console owns the host terminal for the duration of a run. It puts the terminal into raw mode
// so keypresses reach the keyboard device one byte at a time, and translates printer output so
// newlines behave in raw mode. Callers are responsible for calling Restore on the way out.
type Console struct {
	in    *os.File
	out   *os.File
	fd    int
	state *term.State
}

// ErrNoTTY is returned when standard input is not a terminal. The machine still runs; keyboard
// input is read cooked.
var ErrNoTTY = errors.New("console: not a TTY")

// NewConsole puts the input stream into raw mode and returns a console over the streams.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := Console{
		in:    sin,
		out:   sout,
		fd:    fd,
		state: saved,
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		cons.Restore()
		return nil, err
	}

	return &cons, nil
}

// Reader returns the stream feeding the keyboard device.
func (c *Console) Reader() io.Reader {
	return c.in
}

// Writer returns the stream behind the printer. Line feeds pick up carriage returns, since the
// terminal is raw.
func (c *Console) Writer() io.Writer {
	return crlfWriter{c.out}
}

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = term.Restore(c.fd, c.state)
}

// setTerminalParams arranges for reads to block until vmin bytes are available.
func (c *Console) setTerminalParams(vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO)
}

type crlfWriter struct {
	out io.Writer
}

func (w crlfWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			if _, err := w.out.Write([]byte{'\r', '\n'}); err != nil {
				return 0, err
			}

			continue
		}

		if _, err := w.out.Write([]byte{b}); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}
