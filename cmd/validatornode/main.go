package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorumchain/validator/cmd/validatornode/cmd"
)

func main() {
	ctx := quitSignalContext()
	if err := cmd.New().Execute(ctx); err != nil && !cancelledByQuitSignal(ctx) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var errQuitSignal = errors.New("received quit signal")

// quitSignalContext returns a context cancelled (with cause errQuitSignal)
// when SIGINT or SIGTERM is delivered to the process.
func quitSignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		sig := <-sigChan
		cancel(fmt.Errorf("%s: %w", sig, errQuitSignal))
	}()

	return ctx
}

func cancelledByQuitSignal(ctx context.Context) bool {
	err := context.Cause(ctx)
	return err != nil && errors.Is(err, errQuitSignal)
}
