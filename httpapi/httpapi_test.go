package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"vmmcore/command"
	"vmmcore/config"
	"vmmcore/eventfd"
)

// fakeSupervisor answers the command channel the way the real supervisor
// would for a single command, recording what it received.
func fakeSupervisor(t *testing.T, cmdCh *command.Channel, answer func(command.Command) command.Reply) {
	t.Helper()
	go func() {
		cmd := cmdCh.Recv()
		cmd.ReplyCh <- answer(cmd)
	}()
}

func newTestServer(t *testing.T) (*Server, *command.Channel) {
	t.Helper()
	apiEvt, err := eventfd.New()
	if err != nil {
		t.Fatalf("eventfd.New: %v", err)
	}
	cmdCh := command.NewChannel()
	return New(apiEvt, cmdCh), cmdCh
}

func TestHandleCreateSuccess(t *testing.T) {
	s, cmdCh := newTestServer(t)
	var gotCfg config.Config
	fakeSupervisor(t, cmdCh, func(cmd command.Command) command.Reply {
		gotCfg = cmd.Config
		return command.Reply{}
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/vm", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if gotCfg.NumVCPUs != 0 {
		t.Errorf("expected zero-value config for an empty body, got %+v", gotCfg)
	}
}

func TestHandleBootNoVmReturnsConflict(t *testing.T) {
	s, cmdCh := newTestServer(t)
	fakeSupervisor(t, cmdCh, func(command.Command) command.Reply {
		return command.Reply{Err: &command.ApiError{Kind: command.ErrNoVm}}
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/vm/boot", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body=%s", w.Code, w.Body.String())
	}
}

func TestHandleCreateFailureReturnsUnprocessable(t *testing.T) {
	s, cmdCh := newTestServer(t)
	fakeSupervisor(t, cmdCh, func(command.Command) command.Reply {
		return command.Reply{Err: &command.ApiError{Kind: command.ErrVmCreate}}
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/vm", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body=%s", w.Code, w.Body.String())
	}
}
