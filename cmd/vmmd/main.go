// Command vmmd is the process entry point: it creates the shared api_evt
// and command channel, then hands them to supervisor.Start, which spawns
// the supervisor thread and synchronously brings up the HTTP control
// plane (§6).
package main

import (
	"flag"
	"log"

	"vmmcore/command"
	"vmmcore/config"
	"vmmcore/eventfd"
	"vmmcore/httpapi"
	"vmmcore/supervisor"
	"vmmcore/vm"
)

func main() {
	httpAddr := flag.String("http-addr", "127.0.0.1:8080", "address for the management HTTP API")
	acpiReboot := flag.Bool("acpi-reboot", true, "rebuild the VM on reboot instead of treating reboot as shutdown")
	flag.Parse()

	apiEvt, err := eventfd.New()
	if err != nil {
		log.Fatalf("vmmd: create api_evt: %v", err)
	}
	cmdCh := command.NewChannel()

	newVM := func(cfg config.Config, exitEvt, resetEvt *eventfd.EventFd) (supervisor.VM, error) {
		return vm.New(cfg, exitEvt, resetEvt)
	}
	newHTTPServer := func(evt *eventfd.EventFd, ch *command.Channel) supervisor.HTTPServer {
		return httpapi.New(evt, ch)
	}

	done, err := supervisor.Start(*httpAddr, apiEvt, cmdCh, newVM, newHTTPServer, supervisor.WithACPIReboot(*acpiReboot))
	if err != nil {
		log.Fatalf("vmmd: start: %v", err)
	}

	log.Printf("vmmd: serving management API on %s", *httpAddr)
	if err := <-done; err != nil {
		log.Fatalf("vmmd: supervisor exited with error: %v", err)
	}
	log.Print("vmmd: supervisor exited cleanly")
}
