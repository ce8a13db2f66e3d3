//go:build !windows

package host

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func run(ctx context.Context, opts Options) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(sigChan)

	events := make(chan Event)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigChan:
				ev, ok := signalEvent(sig)
				if !ok {
					continue
				}
				select {
				case events <- ev:
				case <-done:
					return
				}
			}
		}
	}()

	return serve(ctx, opts, events)
}

func signalEvent(sig os.Signal) (Event, bool) {
	switch sig {
	case unix.SIGHUP:
		return EventReload, true
	case unix.SIGUSR1:
		return EventSleep, true
	case unix.SIGUSR2:
		return EventWake, true
	case unix.SIGINT, unix.SIGTERM:
		return EventStop, true
	}
	return 0, false
}
