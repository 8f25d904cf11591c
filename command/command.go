// Package command implements the command channel (C3): the single
// management-command queue by which the HTTP producer talks to the
// supervisor, and the closed ApiError taxonomy used to answer it.
package command

import (
	"fmt"

	"vmmcore/config"
)

// Kind tags which management operation a Command carries.
type Kind int

const (
	VmCreate Kind = iota
	VmBoot
	VmShutdown
	VmReboot
)

func (k Kind) String() string {
	switch k {
	case VmCreate:
		return "VmCreate"
	case VmBoot:
		return "VmBoot"
	case VmShutdown:
		return "VmShutdown"
	case VmReboot:
		return "VmReboot"
	default:
		return "Unknown"
	}
}

// ApiErrorKind is the closed set of errors the API boundary can report.
type ApiErrorKind string

const (
	// ErrNoVm answers VmBoot/VmShutdown when no VM has been created yet
	// (Q2: the supervisor always replies rather than dropping the request).
	ErrNoVm ApiErrorKind = "NoVm"
	// ErrVmCreate wraps a Vm::new failure during VmCreate dispatch.
	ErrVmCreate ApiErrorKind = "VmCreate"
	// ErrVmBoot wraps a vm.boot() failure during VmBoot dispatch.
	ErrVmBoot ApiErrorKind = "VmBoot"
	// ErrVmShutdown wraps a vm.shutdown() failure during VmShutdown dispatch.
	ErrVmShutdown ApiErrorKind = "VmShutdown"
	// ErrVmReboot reports a vm_reboot() failure issued through VmReboot;
	// per §4.4.3 the underlying cause is intentionally erased at this
	// boundary (the reboot-on-Reset-event path is not subject to this
	// erasure: that path is fatal to the supervisor, see §4.4.4).
	ErrVmReboot ApiErrorKind = "VmReboot"
)

// ApiError is the reply-channel error type: a tagged member of the closed
// taxonomy above, optionally wrapping the underlying cause.
type ApiError struct {
	Kind  ApiErrorKind
	Cause error
}

func (e *ApiError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *ApiError) Unwrap() error { return e.Cause }

// Reply is the one-shot response delivered on a Command's reply channel.
// A nil Err means Ok(Empty).
type Reply struct {
	Err *ApiError
}

// Command is a tagged management request. ReplyCh is the one-shot reply
// channel; it is created with capacity 1 so a send from the supervisor
// never blocks regardless of whether the HTTP handler is still listening
// (the Go stand-in for a dropped-receiver-is-an-error oneshot channel).
type Command struct {
	Kind    Kind
	Config  config.Config // only meaningful for VmCreate
	ReplyCh chan Reply
}

// NewReplyCh returns a correctly-sized one-shot reply channel for a Command.
func NewReplyCh() chan Reply {
	return make(chan Reply, 1)
}

// Channel is the SPSC queue between the HTTP producer and the supervisor.
// Send is safe to call from any number of goroutines (in practice exactly
// one, the HTTP thread); Recv is intended to be called from a single
// consumer goroutine (the supervisor's control loop).
type Channel struct {
	ch chan Command
}

// NewChannel constructs an empty command channel. It holds one pending
// command, so Send returns before the supervisor wakes and the caller can
// then signal api_evt.
func NewChannel() *Channel {
	return &Channel{ch: make(chan Command, 1)}
}

// Send enqueues cmd. Per §4.5 the caller MUST signal the api_evt handle
// after this call returns, and must do so exactly once per command.
func (c *Channel) Send(cmd Command) {
	c.ch <- cmd
}

// Recv blocks until a command is available.
func (c *Channel) Recv() Command {
	return <-c.ch
}
