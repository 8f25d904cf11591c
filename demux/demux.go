// Package demux implements the readiness demultiplexer: a thin wrapper
// over Linux epoll that maintains an append-only, index-addressed dispatch
// table (I1) so the hot path of translating a ready descriptor into a
// dispatch token never allocates.
package demux

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Token tags why the supervisor was woken. The zero value, TokenNone, is
// the sentinel occupying the reserved index 0 and is never handed out by
// Register.
type Token int

const (
	TokenNone Token = iota
	TokenExit
	TokenReset
	TokenStdin
	TokenAPI
)

func (t Token) String() string {
	switch t {
	case TokenExit:
		return "Exit"
	case TokenReset:
		return "Reset"
	case TokenStdin:
		return "Stdin"
	case TokenAPI:
		return "Api"
	default:
		return "None"
	}
}

// Event is one readiness notification returned by Wait, already resolved
// to its dispatch token via the index carried as epoll user-data.
type Event struct {
	Token Token
}

// ErrInterrupted is returned by Wait when epoll_wait was interrupted by a
// signal before delivering any event. Per §4.2 this is not a real failure:
// callers must retry the wait rather than treat it as fatal.
var ErrInterrupted = errors.New("demux: wait interrupted")

// Demux wraps an epoll instance and the dispatch table bound to it.
type Demux struct {
	epfd   int
	tokens []Token // index 0 is the reserved sentinel, never dispatched
}

// New allocates an epoll instance and seeds the dispatch table with the
// single reserved entry at index 0.
func New() (*Demux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("demux: epoll_create1: %w", err)
	}
	return &Demux{epfd: epfd, tokens: []Token{TokenNone}}, nil
}

// Register appends token to the dispatch table and arms fd for
// read-readiness under the new index. Registration is permanent: there is
// no corresponding Unregister, matching I1.
func (d *Demux) Register(fd int, token Token) error {
	idx := len(d.tokens)
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(idx)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("demux: epoll_ctl(ADD, fd=%d): %w", fd, err)
	}
	d.tokens = append(d.tokens, token)
	return nil
}

// Wait blocks until at least one registered descriptor is readable (or
// timeoutMs elapses; -1 blocks indefinitely) and fills buf with the
// corresponding tokens, returning the count filled. A single call never
// retries: a signal-interrupted wait that delivered no event surfaces as
// ErrInterrupted, leaving the retry decision to the caller (§4.2) — the
// supervisor's control loop is the one that loops on it, not this wrapper.
func (d *Demux) Wait(buf []Event, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(buf))
	n, err := unix.EpollWait(d.epfd, raw, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrInterrupted
		}
		return 0, fmt.Errorf("demux: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		idx := int(raw[i].Fd)
		tok := TokenNone
		if idx > 0 && idx < len(d.tokens) {
			tok = d.tokens[idx]
		}
		buf[i] = Event{Token: tok}
	}
	return n, nil
}

// Close releases the underlying epoll descriptor.
func (d *Demux) Close() error {
	if d.epfd < 0 {
		return nil
	}
	err := unix.Close(d.epfd)
	d.epfd = -1
	if err != nil {
		return fmt.Errorf("demux: close: %w", err)
	}
	return nil
}
