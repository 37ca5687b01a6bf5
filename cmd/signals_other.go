//go:build !unix

package cmd

import (
	"context"

	"rangefetch/downloader"
)

// watchPauseSignal is a no-op where SIGUSR1 does not exist
func watchPauseSignal(ctx context.Context, gate *downloader.PauseGate) func() {
	return func() {}
}
