// Package eventfd implements the event-signal handle: a cloneable,
// level-triggered, counter-backed wake primitive built on the Linux
// eventfd(2) facility, pollable by the demux package.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// EventFd is a handle to a kernel eventfd counter. The zero value is not
// usable; construct one with New or Clone an existing handle.
//
// Clones share the underlying descriptor (and therefore the counter) but
// are otherwise independent Go values, matching the source primitive's
// "clone the handle, not the counter" contract.
type EventFd struct {
	state *state
}

type state struct {
	mu sync.Mutex
	fd int
}

// New creates a fresh eventfd counter initialised to zero.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: create: %w", err)
	}
	return &EventFd{state: &state{fd: fd}}, nil
}

// Clone returns a second independent handle referring to the same
// underlying counter. Per I2/I3, the supervisor hands clones (never the
// originals) to VMs and to the HTTP thread.
func (e *EventFd) Clone() (*EventFd, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("eventfd: clone of an unconstructed handle")
	}
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	if e.state.fd < 0 {
		return nil, fmt.Errorf("eventfd: clone of a closed handle")
	}
	return &EventFd{state: e.state}, nil
}

// FD returns the underlying file descriptor for registration with a
// readiness demultiplexer. Callers must not close it directly; use Close.
func (e *EventFd) FD() int {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.fd
}

// Read consumes all accumulated signals and returns their coalesced count.
// It is non-blocking: if no signal is pending it returns 0, nil rather than
// blocking the caller (the handle is opened O_NONBLOCK).
func (e *EventFd) Read() (uint64, error) {
	var buf [8]byte
	e.state.mu.Lock()
	n, err := unix.Read(e.state.fd, buf[:])
	e.state.mu.Unlock()
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("eventfd: read: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("eventfd: short read of %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write adds n to the counter, waking any waiter blocked in a readiness
// demultiplexer on this handle's descriptor (or any of its clones).
func (e *EventFd) Write(n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	e.state.mu.Lock()
	_, err := unix.Write(e.state.fd, buf[:])
	e.state.mu.Unlock()
	if err != nil {
		return fmt.Errorf("eventfd: write: %w", err)
	}
	return nil
}

// Close releases the underlying descriptor. Clones share that descriptor,
// so the first Close on any clone closes it for all of them: later Clone
// calls fail and Read/Write return an error. In practice the supervisor
// only closes its originals at process exit.
func (e *EventFd) Close() error {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	if e.state.fd < 0 {
		return nil
	}
	err := unix.Close(e.state.fd)
	e.state.fd = -1
	if err != nil {
		return fmt.Errorf("eventfd: close: %w", err)
	}
	return nil
}
