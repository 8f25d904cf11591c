package supervisor

import (
	"fmt"

	"vmmcore/command"
	"vmmcore/eventfd"
)

// HTTPServer is the subset of httpapi.Server that Start needs, pulled out
// as an interface so this package never imports httpapi (which already
// imports command and eventfd, both of which this package also needs —
// keeping the dependency one-directional avoids a cycle and keeps the
// HTTP transport genuinely external per §1's scope).
type HTTPServer interface {
	Serve(addr string) error
}

// Start is the §6 construction entry point. It clones apiEvt for the HTTP
// producer, spawns the supervisor thread, then synchronously starts the
// HTTP server at httpAddr. It returns a channel that receives the
// supervisor's terminal result exactly once (the Go stand-in for a
// JoinHandle<Result<()>>).
func Start(httpAddr string, apiEvt *eventfd.EventFd, cmdCh *command.Channel, newVM NewVMFunc, newHTTPServer func(*eventfd.EventFd, *command.Channel) HTTPServer, opts ...Option) (<-chan error, error) {
	httpEvt, err := apiEvt.Clone()
	if err != nil {
		return nil, &Error{Kind: ErrEventFdClone, Cause: err}
	}

	sup, err := New(apiEvt, cmdCh, newVM, opts...)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		defer sup.Close()
		done <- sup.Run()
	}()

	httpSrv := newHTTPServer(httpEvt, cmdCh)
	if err := httpSrv.Serve(httpAddr); err != nil {
		return nil, fmt.Errorf("supervisor: start http producer: %w", err)
	}

	return done, nil
}
