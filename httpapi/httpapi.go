// Package httpapi is the HTTP producer (§4.5): it converts inbound
// management requests into command.Command values, pushes them onto the
// command channel, and signals api_evt exactly once per command — in
// that order, since signalling first would let the supervisor wake and
// find nothing queued.
//
// Styled after the stdlib net/http + ServeMux pattern used by the other
// VM-management services in this codebase's lineage (no third-party
// router pulled in for a handful of routes).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"vmmcore/command"
	"vmmcore/config"
	"vmmcore/eventfd"
)

// Server is the HTTP control-plane listener. It holds the clone of
// api_evt the supervisor handed out at startup (I3) and the shared
// command channel.
type Server struct {
	apiEvt *eventfd.EventFd
	cmdCh  *command.Channel
	mux    *http.ServeMux
	srv    *http.Server
	ln     net.Listener
}

// New builds a Server wired to apiEvt (a clone, never the supervisor's
// original) and the shared command channel.
func New(apiEvt *eventfd.EventFd, cmdCh *command.Channel) *Server {
	s := &Server{apiEvt: apiEvt, cmdCh: cmdCh, mux: http.NewServeMux()}
	s.registerRoutes()
	s.srv = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/vm", s.handleCreate)
	s.mux.HandleFunc("POST /v1/vm/boot", s.handleBoot)
	s.mux.HandleFunc("POST /v1/vm/shutdown", s.handleShutdown)
	s.mux.HandleFunc("POST /v1/vm/reboot", s.handleReboot)
}

// Serve binds addr and starts serving in a background goroutine,
// returning once the listener is bound (the "synchronously starts the
// HTTP thread" half of §6's start_vmm contract).
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: bind %s: %w", addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// The supervisor thread, not this goroutine, owns process
			// exit decisions; a broken listener here surfaces only to
			// whoever next tries to submit a command, via a dead
			// connection.
			return
		}
	}()
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.srv.Close()
}

// submit pushes cmd onto the command channel, signals api_evt exactly
// once (§4.5), and waits for the one reply the supervisor is guaranteed
// to send for VmCreate/VmReboot paths. VmBoot/VmShutdown against an empty
// VM also reply now (Q2's ErrNoVm), so every submission here completes.
func (s *Server) submit(cmd command.Command) command.Reply {
	s.cmdCh.Send(cmd)
	if err := s.apiEvt.Write(1); err != nil {
		return command.Reply{Err: &command.ApiError{Kind: command.ErrNoVm, Cause: err}}
	}
	return <-cmd.ReplyCh
}

func writeReply(w http.ResponseWriter, reply command.Reply) {
	if reply.Err == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}
	status := http.StatusInternalServerError
	switch reply.Err.Kind {
	case command.ErrNoVm:
		status = http.StatusConflict
	case command.ErrVmCreate, command.ErrVmBoot, command.ErrVmShutdown, command.ErrVmReboot:
		status = http.StatusUnprocessableEntity
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": reply.Err.Error()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, fmt.Sprintf("decode config: %v", err), http.StatusBadRequest)
			return
		}
	}
	reply := s.submit(command.Command{Kind: command.VmCreate, Config: cfg, ReplyCh: command.NewReplyCh()})
	writeReply(w, reply)
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	writeReply(w, s.submit(command.Command{Kind: command.VmBoot, ReplyCh: command.NewReplyCh()}))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeReply(w, s.submit(command.Command{Kind: command.VmShutdown, ReplyCh: command.NewReplyCh()}))
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	writeReply(w, s.submit(command.Command{Kind: command.VmReboot, ReplyCh: command.NewReplyCh()}))
}
