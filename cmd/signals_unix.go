//go:build unix

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"rangefetch/downloader"
	"rangefetch/internal"
)

// watchPauseSignal toggles gate on every SIGUSR1 until ctx ends or the
// returned stop function is called
func watchPauseSignal(ctx context.Context, gate *downloader.PauseGate) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigChan:
				state := "resumed"
				if gate.Toggle() {
					state = "paused"
				}
				internal.LogInfo("Download %s", state)
				if !config.QuietMode {
					fmt.Fprintf(os.Stderr, "\nDownload %s\n", state)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
