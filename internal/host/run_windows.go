//go:build windows

package host

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"
)

// Power broadcast event types delivered with svc.PowerEvent.
const (
	pbtAPMSuspend         = 0x4
	pbtAPMResumeSuspend   = 0x7
	pbtAPMResumeAutomatic = 0x12
)

func run(ctx context.Context, opts Options) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		opts.Logger.Warn("failed to detect if running as windows service, assuming interactive", "error", err)
		return runInteractive(ctx, opts)
	}
	if isService {
		h := &serviceHandler{ctx: ctx, opts: opts}
		if err := svc.Run(opts.Name, h); err != nil {
			return err
		}
		return h.err
	}
	return runInteractive(ctx, opts)
}

func runInteractive(ctx context.Context, opts Options) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	events := make(chan Event)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-sigChan:
			select {
			case events <- EventStop:
			case <-done:
			}
		case <-done:
		}
	}()

	return serve(ctx, opts, events)
}

type serviceHandler struct {
	ctx  context.Context
	opts Options
	err  error
}

func (h *serviceHandler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptParamChange | svc.AcceptPowerEvent

	s <- svc.Status{State: svc.StartPending}

	events := make(chan Event)
	done := make(chan error, 1)
	go func() {
		done <- serve(h.ctx, h.opts, events)
	}()

	s <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for {
		select {
		case err := <-done:
			h.err = err
			s <- svc.Status{State: svc.StopPending}
			if err != nil {
				h.opts.Logger.Error("service exited", "error", err)
				return true, 1
			}
			return false, 0

		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				s <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				h.opts.Logger.Info("service stopping")
				s <- svc.Status{State: svc.StopPending}
				h.send(events, done, EventStop)
			case svc.ParamChange:
				h.send(events, done, EventReload)
			case svc.PowerEvent:
				switch c.EventType {
				case pbtAPMSuspend:
					h.send(events, done, EventSleep)
				case pbtAPMResumeSuspend, pbtAPMResumeAutomatic:
					h.send(events, done, EventWake)
				}
			default:
				h.opts.Logger.Warn("unexpected service control request", "cmd", c.Cmd)
			}
		}
	}
}

// send delivers ev unless serve has already returned. In that case the
// result is put back for the main loop.
func (h *serviceHandler) send(events chan<- Event, done chan error, ev Event) {
	select {
	case events <- ev:
	case err := <-done:
		done <- err
	}
}
