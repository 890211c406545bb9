// Command dmctl starts a worker, runs one command against it, prints the
// result as JSON and asks the worker to exit.
//
// Usage:
//
//	dmctl [-worker path] <command> [args...]
//
// Commands: ping, setpath, reg, moveto, click, findpic, rect, keypress,
// type, bind, enum, find, findex, call.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/seantiz/dmworker/internal/client"
	"github.com/seantiz/dmworker/internal/config"
)

const startTimeout = 30 * time.Second

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "dmctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dmctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workerPath := fs.String("worker", defaultWorkerPath(), "path to the worker executable")
	verbose := fs.Bool("v", false, "log worker stderr at debug level")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: dmctl [-worker path] [-v] <command> [args...]")
		fmt.Fprintln(stderr, "commands: ping setpath reg moveto click findpic rect keypress type bind enum find findex call")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	op, ok := commands[fs.Arg(0)]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	c, err := startWorker(startCtx, ctx, *workerPath, logger)
	if err != nil {
		return err
	}

	result, opErr := op(c, fs.Args()[1:])
	if err := c.Exit(); err != nil && opErr == nil {
		opErr = fmt.Errorf("exit worker: %w", err)
	}
	if opErr != nil {
		return opErr
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// startWorker bounds the readiness wait by startCtx while the process
// itself lives as long as runCtx.
func startWorker(startCtx, runCtx context.Context, path string, logger *slog.Logger) (*client.Client, error) {
	type started struct {
		c   *client.Client
		err error
	}
	ch := make(chan started, 1)
	go func() {
		c, err := client.Start(runCtx, path, logger)
		ch <- started{c, err}
	}()

	select {
	case s := <-ch:
		return s.c, s.err
	case <-startCtx.Done():
		return nil, fmt.Errorf("start %s: %w", path, startCtx.Err())
	}
}

func defaultWorkerPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "dm-worker.exe"
	}
	return filepath.Join(filepath.Dir(exe), "dm-worker.exe")
}

type operation func(c *client.Client, args []string) (any, error)

var commands = map[string]operation{
	"ping": func(c *client.Client, args []string) (any, error) {
		return map[string]string{"status": "ready"}, nil
	},
	"setpath": func(c *client.Client, args []string) (any, error) {
		if err := wantArgs(args, 1, "setpath <dir>"); err != nil {
			return nil, err
		}
		return c.SetPath(args[0])
	},
	"reg": func(c *client.Client, args []string) (any, error) {
		if err := wantArgs(args, 2, "reg <code> <ver>"); err != nil {
			return nil, err
		}
		return c.Reg(args[0], args[1])
	},
	"moveto": func(c *client.Client, args []string) (any, error) {
		n, err := ints(args, 2, "moveto <x> <y>")
		if err != nil {
			return nil, err
		}
		return c.MoveTo(client.Point{X: n[0], Y: n[1]})
	},
	"click": func(c *client.Client, args []string) (any, error) {
		return c.LeftClick()
	},
	"findpic": func(c *client.Client, args []string) (any, error) {
		fs := flag.NewFlagSet("findpic", flag.ContinueOnError)
		opts := client.DefaultFindPicOptions
		fs.StringVar(&opts.DeltaColor, "delta", opts.DeltaColor, "colour tolerance")
		fs.Float64Var(&opts.Sim, "sim", opts.Sim, "similarity 0..1")
		fs.IntVar(&opts.Dir, "dir", opts.Dir, "search direction")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) != 5 {
			return nil, fmt.Errorf("usage: findpic [-delta c] [-sim s] [-dir d] <x1> <y1> <x2> <y2> <pic>")
		}
		n, err := ints(rest[:4], 4, "findpic <x1> <y1> <x2> <y2> <pic>")
		if err != nil {
			return nil, err
		}
		return c.FindPic(client.Rect{X1: n[0], Y1: n[1], X2: n[2], Y2: n[3]}, rest[4], opts)
	},
	"rect": func(c *client.Client, args []string) (any, error) {
		h, err := handle(args, "rect <hwnd>")
		if err != nil {
			return nil, err
		}
		return c.GetWindowRect(h)
	},
	"keypress": func(c *client.Client, args []string) (any, error) {
		n, err := ints(args, 1, "keypress <vk_code>")
		if err != nil {
			return nil, err
		}
		return c.KeyPress(n[0])
	},
	"type": func(c *client.Client, args []string) (any, error) {
		if err := wantArgs(args, 2, "type <text> <delay_ms>"); err != nil {
			return nil, err
		}
		delay, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		return c.KeyPressStr(args[0], delay)
	},
	"bind": func(c *client.Client, args []string) (any, error) {
		const usage = "bind <hwnd> <display> <mouse> <keypad> <mode>"
		if err := wantArgs(args, 5, usage); err != nil {
			return nil, err
		}
		h, err := handle(args[:1], usage)
		if err != nil {
			return nil, err
		}
		mode, err := strconv.Atoi(args[4])
		if err != nil {
			return nil, fmt.Errorf("mode: %w", err)
		}
		return c.BindWindow(h, args[1], args[2], args[3], mode)
	},
	"enum": func(c *client.Client, args []string) (any, error) {
		fs := flag.NewFlagSet("enum", flag.ContinueOnError)
		parent := fs.Uint64("parent", 0, "parent window handle")
		class := fs.String("class", "", "window class")
		title := fs.String("title", "", "window title")
		filter := fs.Int("filter", 0, "filter flags")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return c.EnumWindow(*parent, *class, *title, *filter)
	},
	"find": func(c *client.Client, args []string) (any, error) {
		if err := wantArgs(args, 2, "find <class> <title>"); err != nil {
			return nil, err
		}
		return c.FindWindow(args[0], args[1])
	},
	"findex": func(c *client.Client, args []string) (any, error) {
		const usage = "findex <parent> <class> <title>"
		if err := wantArgs(args, 3, usage); err != nil {
			return nil, err
		}
		h, err := handle(args[:1], usage)
		if err != nil {
			return nil, err
		}
		return c.FindWindowEx(h, args[1], args[2])
	},
	"call": func(c *client.Client, args []string) (any, error) {
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("usage: call <cmd> [payload-json]")
		}
		var payload json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return nil, fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(args[1])
		}
		return c.Call(args[0], payload)
	},
}

func wantArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func ints(args []string, n int, usage string) ([]int, error) {
	if err := wantArgs(args, n, usage); err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func handle(args []string, usage string) (uint64, error) {
	if err := wantArgs(args, 1, usage); err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("window handle: %w", err)
	}
	return h, nil
}
