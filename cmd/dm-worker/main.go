// Command dm-worker exposes the dm.dmsoft automation engine to a parent
// process over line-delimited JSON on stdin and stdout. DmReg.dll and
// dm.dll must sit next to the executable or in DMWORKER_LIB_DIR.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/seantiz/dmworker/internal/config"
	"github.com/seantiz/dmworker/internal/engine/dmsoft"
	"github.com/seantiz/dmworker/internal/registry"
	"github.com/seantiz/dmworker/internal/runner"
)

func init() {
	// The COM apartment belongs to the thread that initialised it, so every
	// engine call must come from the main goroutine's thread.
	runtime.LockOSThread()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dm-worker: %v\n", err)
		os.Exit(runner.ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	reg := registry.Default(dmsoft.New(cfg.LibDir))
	code := runner.Run(ctx, reg, cfg, os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
