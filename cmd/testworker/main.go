// Command testworker is dm-worker backed by a scripted in-memory engine, for
// end-to-end tests on machines without the native automation component.
//
// DMWORKER_TEST_FAIL selects a startup failure: "missing", "load" or
// "create".
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/seantiz/dmworker/internal/config"
	"github.com/seantiz/dmworker/internal/engine"
	"github.com/seantiz/dmworker/internal/engine/enginetest"
	"github.com/seantiz/dmworker/internal/registry"
	"github.com/seantiz/dmworker/internal/runner"
)

const envTestFail = "DMWORKER_TEST_FAIL"

// Handles of the scripted desktop.
const (
	hwndNotepad = 131330
	hwndEdit    = 65872
	hwndOther   = 262644
)

func newEngine() *enginetest.Engine {
	eng := enginetest.New(1)

	switch os.Getenv(envTestFail) {
	case "missing":
		eng.PrepareErr = fmt.Errorf("%w: DmReg.dll not found", engine.ErrMissingDependency)
	case "load":
		eng.PrepareErr = fmt.Errorf("%w: SetDllPathW failed", engine.ErrLoadFailure)
	case "create":
		eng.NewInstanceErr = errors.New("class dm.dmsoft not registered")
	}

	eng.Handle(engine.MethodFindPic, func(args []any) (any, error) {
		x1, y1 := toInt(args[0]), toInt(args[1])
		if pic, _ := args[4].(string); strings.Contains(pic, "missing") {
			return []any{int64(-1), int64(-1), int64(-1)}, nil
		}
		return []any{x1 + 10, y1 + 10, int64(0)}, nil
	})
	eng.Handle(engine.MethodGetWindowRect, func(args []any) (any, error) {
		switch toInt(args[0]) {
		case hwndNotepad:
			return []any{int64(100), int64(100), int64(900), int64(700), int64(1)}, nil
		case hwndEdit:
			return []any{int64(108), int64(150), int64(892), int64(692), int64(1)}, nil
		default:
			return []any{int64(0), int64(0), int64(0), int64(0), int64(0)}, nil
		}
	})
	eng.Handle(engine.MethodEnumWindow, func(args []any) (any, error) {
		if title, _ := args[2].(string); title == "" || strings.Contains("Notepad", title) {
			return fmt.Sprintf("%d,%d", hwndNotepad, hwndOther), nil
		}
		return "", nil
	})
	eng.Handle(engine.MethodFindWindow, func(args []any) (any, error) {
		if class, _ := args[0].(string); class == "Notepad" {
			return int64(hwndNotepad), nil
		}
		return int64(0), nil
	})
	eng.Handle(engine.MethodFindWindowEx, func(args []any) (any, error) {
		if toInt(args[0]) == hwndNotepad {
			return int64(hwndEdit), nil
		}
		return int64(0), nil
	})
	eng.Handle(engine.MethodKeyPress, func(args []any) (any, error) {
		if toInt(args[0]) <= 0 {
			return nil, fmt.Errorf("invalid virtual key code %v", args[0])
		}
		return int64(1), nil
	})
	return eng
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "testworker: %v\n", err)
		os.Exit(runner.ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	reg := registry.Default(newEngine())
	code := runner.Run(ctx, reg, cfg, os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
