package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/containerd/log"

	"github.com/cpuguy83/imagereaper/internal/gracetimer"
)

// trap arms SIGINT/SIGTERM handling: the first signal runs cleanup (every
// live grace timer is cancelled so no half-armed delete fires after exit)
// and then exits 0; a second signal while cleanup is running exits
// immediately with the signal's conventional 128+n code.
func trap() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		var hit atomic.Bool
		for sig := range sigs {
			if hit.Swap(true) {
				if n, ok := sig.(syscall.Signal); ok {
					os.Exit(128 + int(n))
				}
				os.Exit(1)
			}
			go func(sig os.Signal) {
				log.L.WithField("signal", sig).Info("shutting down")
				gracetimer.CancelAll()
				os.Exit(0)
			}(sig)
		}
	}()
}
