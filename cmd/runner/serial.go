package main

import (
	"io"
	"os"

	"golang.org/x/term"
)

// serialConsole puts the host terminal into raw mode for the duration of a
// QEMU session with -serial stdio, so keystrokes reach the emulated
// machine's serial port byte-for-byte instead of being line-buffered and
// echoed by the host tty driver.
type serialConsole struct {
	fd    int
	state *term.State
}

// attachSerial switches stdin into raw mode if it is a terminal. Restore
// must be called before the process exits to avoid leaving the operator's
// shell in raw mode.
func attachSerial() (*serialConsole, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &serialConsole{fd: -1}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	return &serialConsole{fd: fd, state: state}, nil
}

// Restore returns the terminal to its original mode. It is a no-op if
// attachSerial found stdin was not a terminal.
func (s *serialConsole) Restore() {
	if s.fd < 0 || s.state == nil {
		return
	}
	_ = term.Restore(s.fd, s.state)
}

// Reader returns stdin as the serial input stream.
func (s *serialConsole) Reader() io.Reader {
	return os.Stdin
}
