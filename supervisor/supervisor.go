// Package supervisor implements the VMM control core (C5): the
// long-lived state machine that owns the readiness demultiplexer, the
// three event-signal handles, and at most one VM, arbitrating between
// guest-originated events and management commands arriving over the
// command channel.
package supervisor

import (
	"errors"
	"log"
	"os"

	"vmmcore/command"
	"vmmcore/config"
	"vmmcore/demux"
	"vmmcore/eventfd"
)

// VM is the contract the supervisor needs from a VM handle (C4). The real
// implementation lives in package vm; tests substitute a mock.
type VM interface {
	Boot() error
	Shutdown() error
	HandleStdin() error
	GetConfig() config.Config
}

// NewVMFunc constructs a VM, taking ownership of the given event-handle
// clones (I2). vm.New satisfies this signature.
type NewVMFunc func(cfg config.Config, exitEvt, resetEvt *eventfd.EventFd) (VM, error)

// demuxer is the subset of *demux.Demux the supervisor depends on, pulled
// out as an interface so tests can substitute a scripted fake without a
// real epoll instance.
type demuxer interface {
	Register(fd int, token demux.Token) error
	Wait(buf []demux.Event, timeoutMs int) (int, error)
	Close() error
}

// Outcome is the terminal classification of one controlLoop invocation.
type Outcome int

const (
	outcomeNone Outcome = iota
	Shutdown
	Reset
)

func (o Outcome) String() string {
	switch o {
	case Shutdown:
		return "Shutdown"
	case Reset:
		return "Reset"
	default:
		return "None"
	}
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithACPIReboot controls whether VmReboot rebuilds the VM (true) or is
// downgraded to a shutdown (false). This is the runtime stand-in for the
// source's build-time "acpi" feature flag (see DESIGN.md); it defaults to
// true.
func WithACPIReboot(enabled bool) Option {
	return func(s *Supervisor) { s.acpiReboot = enabled }
}

// Supervisor is the VMM control core (C5). It owns the demultiplexer,
// the three event-signal handles, and at most one VM (I4).
type Supervisor struct {
	demux    demuxer
	exitEvt  *eventfd.EventFd
	resetEvt *eventfd.EventFd
	apiEvt   *eventfd.EventFd
	cmdCh    *command.Channel
	newVM    NewVMFunc

	vm  VM
	cfg config.Config

	acpiReboot bool
}

// New constructs a Supervisor around a pre-existing apiEvt (whose clone
// the caller has already handed to the HTTP producer) and command
// channel. Construction builds the demultiplexer, creates exit_evt and
// reset_evt, registers stdin if it is a terminal (I5), then registers
// all three event handles (§4.4). Any failure aborts construction; no
// partial supervisor is observable.
func New(apiEvt *eventfd.EventFd, cmdCh *command.Channel, newVM NewVMFunc, opts ...Option) (*Supervisor, error) {
	d, err := demux.New()
	if err != nil {
		return nil, &Error{Kind: ErrEpoll, Cause: err}
	}
	return build(d, isTerminal(int(os.Stdin.Fd())), apiEvt, cmdCh, newVM, opts...)
}

// build does the rest of construction against an already-allocated
// demuxer, so tests can supply a scripted fake in place of real epoll.
func build(d demuxer, stdinIsTTY bool, apiEvt *eventfd.EventFd, cmdCh *command.Channel, newVM NewVMFunc, opts ...Option) (*Supervisor, error) {
	exitEvt, err := eventfd.New()
	if err != nil {
		return nil, &Error{Kind: ErrEventFdCreate, Cause: err}
	}
	resetEvt, err := eventfd.New()
	if err != nil {
		return nil, &Error{Kind: ErrEventFdCreate, Cause: err}
	}

	s := &Supervisor{
		demux:      d,
		exitEvt:    exitEvt,
		resetEvt:   resetEvt,
		apiEvt:     apiEvt,
		cmdCh:      cmdCh,
		newVM:      newVM,
		acpiReboot: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	// I5: stdin registered exactly once, only if it's a terminal.
	if stdinIsTTY {
		if err := d.Register(int(os.Stdin.Fd()), demux.TokenStdin); err != nil {
			return nil, &Error{Kind: ErrEpoll, Cause: err}
		}
	}
	if err := d.Register(exitEvt.FD(), demux.TokenExit); err != nil {
		return nil, &Error{Kind: ErrEpoll, Cause: err}
	}
	if err := d.Register(resetEvt.FD(), demux.TokenReset); err != nil {
		return nil, &Error{Kind: ErrEpoll, Cause: err}
	}
	if err := d.Register(apiEvt.FD(), demux.TokenAPI); err != nil {
		return nil, &Error{Kind: ErrEpoll, Cause: err}
	}
	return s, nil
}

// Run is the top-level driver (§4.4.1): it repeatedly invokes the control
// loop, rebuilding the VM on Reset and tearing down on Shutdown.
func (s *Supervisor) Run() error {
	for {
		outcome, err := s.controlLoop()
		if err != nil {
			return err
		}
		switch outcome {
		case Reset:
			log.Print("supervisor: reset_evt fired, rebuilding VM")
			if err := s.vmReboot(); err != nil {
				return err
			}
		case Shutdown:
			log.Print("supervisor: exit_evt fired, shutting down")
			if s.vm != nil {
				if err := s.vm.Shutdown(); err != nil {
					return &Error{Kind: ErrVmShutdown, Cause: err}
				}
			}
			return nil
		}
	}
}

// Close releases the supervisor's owned resources. It does not shut down
// a live VM; call this only after Run has returned.
func (s *Supervisor) Close() error {
	var errs []error
	if err := s.demux.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.exitEvt.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.resetEvt.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

const eventBatchCapacity = 100

// controlLoop is the I/O-readiness-driven state machine of §4.4.2. It
// blocks in Wait with an infinite timeout, dispatches every event in the
// returned batch by its token, and returns as soon as an Exit or Reset
// event is seen — any remaining events in that batch are discarded; they
// will re-fire on the next Wait once control returns here.
func (s *Supervisor) controlLoop() (Outcome, error) {
	events := make([]demux.Event, eventBatchCapacity)
	for {
		n, err := s.demux.Wait(events, -1)
		if err != nil {
			if errors.Is(err, demux.ErrInterrupted) {
				continue
			}
			return outcomeNone, &Error{Kind: ErrEpoll, Cause: err}
		}

		for i := 0; i < n; i++ {
			switch events[i].Token {
			case demux.TokenNone:
				// Defence in depth: I1 makes this unreachable.
				continue
			case demux.TokenExit:
				if _, err := s.exitEvt.Read(); err != nil {
					return outcomeNone, &Error{Kind: ErrEventFdRead, Cause: err}
				}
				return Shutdown, nil
			case demux.TokenReset:
				if _, err := s.resetEvt.Read(); err != nil {
					return outcomeNone, &Error{Kind: ErrEventFdRead, Cause: err}
				}
				return Reset, nil
			case demux.TokenStdin:
				if s.vm != nil {
					if err := s.vm.HandleStdin(); err != nil {
						return outcomeNone, &Error{Kind: ErrStdin, Cause: err}
					}
				}
			case demux.TokenAPI:
				if _, err := s.apiEvt.Read(); err != nil {
					return outcomeNone, &Error{Kind: ErrEventFdRead, Cause: err}
				}
				cmd := s.cmdCh.Recv()
				if err := s.dispatch(cmd); err != nil {
					return outcomeNone, err
				}
			}
		}
	}
}

// dispatch handles exactly one command per Api wake (§4.4.3).
func (s *Supervisor) dispatch(cmd command.Command) error {
	switch cmd.Kind {
	case command.VmCreate:
		return s.dispatchCreate(cmd)
	case command.VmBoot:
		return s.dispatchBoot(cmd)
	case command.VmShutdown:
		return s.dispatchShutdown(cmd)
	case command.VmReboot:
		return s.dispatchReboot(cmd)
	default:
		return nil
	}
}

// dispatchCreate implements Q1's chosen policy: creating a VM while one
// already exists first shuts down the old one rather than silently
// leaking it (see DESIGN.md).
func (s *Supervisor) dispatchCreate(cmd command.Command) error {
	if s.vm != nil {
		if err := s.vm.Shutdown(); err != nil {
			return reply(cmd, &command.ApiError{Kind: command.ErrVmShutdown, Cause: err})
		}
		s.vm = nil
	}

	exitClone, err := s.exitEvt.Clone()
	if err != nil {
		return &Error{Kind: ErrEventFdClone, Cause: err}
	}
	resetClone, err := s.resetEvt.Clone()
	if err != nil {
		return &Error{Kind: ErrEventFdClone, Cause: err}
	}

	newVm, err := s.newVM(cmd.Config, exitClone, resetClone)
	if err != nil {
		return reply(cmd, &command.ApiError{Kind: command.ErrVmCreate, Cause: err})
	}
	s.vm = newVm
	s.cfg = cmd.Config
	return reply(cmd, nil)
}

// dispatchBoot answers Q2: unlike the source this is faithful to, a
// request with no VM present still gets a reply (ErrNoVm) instead of
// leaving the caller blocked forever.
func (s *Supervisor) dispatchBoot(cmd command.Command) error {
	if s.vm == nil {
		return reply(cmd, &command.ApiError{Kind: command.ErrNoVm})
	}
	if err := s.vm.Boot(); err != nil {
		return reply(cmd, &command.ApiError{Kind: command.ErrVmBoot, Cause: err})
	}
	return reply(cmd, nil)
}

func (s *Supervisor) dispatchShutdown(cmd command.Command) error {
	if s.vm == nil {
		return reply(cmd, &command.ApiError{Kind: command.ErrNoVm})
	}
	if err := s.vm.Shutdown(); err != nil {
		return reply(cmd, &command.ApiError{Kind: command.ErrVmShutdown, Cause: err})
	}
	return reply(cmd, nil)
}

func (s *Supervisor) dispatchReboot(cmd command.Command) error {
	if err := s.vmReboot(); err != nil {
		return reply(cmd, &command.ApiError{Kind: command.ErrVmReboot})
	}
	return reply(cmd, nil)
}

// vmReboot implements §4.4.4. When acpiReboot is disabled, a reboot is
// defined to be a shutdown: the outer driver decides what happens next.
// Otherwise the current VM's config is captured, the VM is shut down,
// fresh event-handle clones are minted, and a new VM is constructed and
// booted with the same config.
//
// Per Q3, if construction fails after the old VM has been shut down, the
// slot is cleared (not left holding the dead VM) and the error is
// propagated — this is fatal to the supervisor per §4.4.4.
func (s *Supervisor) vmReboot() error {
	if s.vm == nil {
		return nil
	}

	if !s.acpiReboot {
		err := s.vm.Shutdown()
		s.vm = nil
		if err != nil {
			return &Error{Kind: ErrVmShutdown, Cause: err}
		}
		return nil
	}

	cfg := s.vm.GetConfig()
	if err := s.vm.Shutdown(); err != nil {
		return &Error{Kind: ErrVmShutdown, Cause: err}
	}
	s.vm = nil

	exitClone, err := s.exitEvt.Clone()
	if err != nil {
		return &Error{Kind: ErrEventFdClone, Cause: err}
	}
	resetClone, err := s.resetEvt.Clone()
	if err != nil {
		return &Error{Kind: ErrEventFdClone, Cause: err}
	}

	newVm, err := s.newVM(cfg, exitClone, resetClone)
	if err != nil {
		return &Error{Kind: ErrVmCreate, Cause: err}
	}
	s.vm = newVm
	s.cfg = cfg

	if err := s.vm.Boot(); err != nil {
		return &Error{Kind: ErrVmBoot, Cause: err}
	}
	return nil
}

// reply delivers exactly one reply on cmd's reply channel (§4.4.3). A nil
// apiErr means Ok(Empty). Failure to deliver is fatal (ApiResponseSend);
// in Go this can only happen if the channel already has a buffered value,
// which NewReplyCh's capacity-1 buffer and single-dispatch-per-command
// invariant rule out, so this path is defence in depth.
func reply(cmd command.Command, apiErr *command.ApiError) error {
	select {
	case cmd.ReplyCh <- command.Reply{Err: apiErr}:
		return nil
	default:
		return &Error{Kind: ErrApiResponseSend}
	}
}
