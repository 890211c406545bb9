// Package worker runs the request loop that connects the line protocol to
// the engine instance owned by the registry.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/seantiz/dmworker/internal/config"
	"github.com/seantiz/dmworker/internal/dispatch"
	"github.com/seantiz/dmworker/internal/engine"
	"github.com/seantiz/dmworker/internal/model"
	"github.com/seantiz/dmworker/internal/protocol"
	"github.com/seantiz/dmworker/internal/registry"
	"github.com/seantiz/dmworker/internal/store"
	"github.com/seantiz/dmworker/internal/tap"
)

// Option configures optional collaborators of a Worker.
type Option func(*Worker)

// WithJournal records every processed request in s.
func WithJournal(s store.Store) Option {
	return func(w *Worker) { w.journal = s }
}

// WithTap publishes every protocol line to t.
func WithTap(t *tap.Tap) Option {
	return func(w *Worker) { w.tap = t }
}

// Worker serves one parent process. Requests are handled strictly one at a
// time on the goroutine that calls Run.
type Worker struct {
	reg     *registry.Registry
	cfg     config.Config
	logger  *slog.Logger
	journal store.Store
	tap     *tap.Tap

	id   int
	inst engine.Instance

	mu    sync.Mutex
	state string

	outputBroken bool
	closeOnce    sync.Once
	closeErr     error
}

// New prepares the engine, creates the default instance and applies the
// startup mouse mode. Nothing is written to the protocol stream. If a step
// fails after the instance exists, the instance is released again.
func New(reg *registry.Registry, cfg config.Config, logger *slog.Logger, opts ...Option) (*Worker, error) {
	w := &Worker{
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		state:  model.StateStarting,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := reg.Prepare(); err != nil {
		return nil, err
	}

	id, err := reg.CreateInstance()
	if err != nil {
		return nil, err
	}

	inst, err := reg.GetInstance(id)
	if err != nil {
		w.releaseAfterFailure(id)
		return nil, fmt.Errorf("get default instance: %w", err)
	}

	if _, err := inst.Call(engine.MethodEnableRealMouse, cfg.RealMouse.Args()...); err != nil {
		w.releaseAfterFailure(id)
		return nil, fmt.Errorf("enable real mouse: %w", err)
	}

	w.id = id
	w.inst = inst
	logger.Info("engine instance ready", "instance_id", id)
	return w, nil
}

func (w *Worker) releaseAfterFailure(id int) {
	if ok, err := w.reg.CloseInstance(id); err != nil || !ok {
		w.logger.Warn("release after startup failure", "instance_id", id, "released", ok, "error", err)
	}
}

// InstanceID returns the engine ID of the default instance.
func (w *Worker) InstanceID() int {
	return w.id
}

// State returns the current lifecycle state.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(to string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !model.ValidTransition(w.state, to) {
		panic(fmt.Sprintf("worker: invalid state transition %s -> %s", w.state, to))
	}
	w.state = to
}

func (w *Worker) terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = model.StateTerminated
}

// Run announces readiness on out and then serves requests read from in
// until an exit command, the end of input, or cancellation of ctx. It
// returns nil after exit or end of input.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	r := protocol.NewReader(in, w.cfg.MaxLineBytes)
	wr := protocol.NewWriter(out)
	defer w.terminate()

	w.transition(model.StateReady)
	w.write(wr, protocol.Ready())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.ReadLine()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				w.logger.Info("input closed")
				return nil
			}
			if !errors.Is(err, protocol.ErrLineTooLong) {
				return fmt.Errorf("read request: %w", err)
			}
		}

		w.transition(model.StateProcessing)
		var stop bool
		if err != nil {
			w.rejectLine(ctx, wr, err)
		} else {
			w.tap.Publish(tap.DirIn, line)
			stop = w.handle(ctx, wr, line)
		}
		if stop {
			return nil
		}
		w.transition(model.StateReady)
	}
}

// rejectLine answers a line that was too long to read.
func (w *Worker) rejectLine(ctx context.Context, wr *protocol.Writer, err error) {
	start := time.Now()
	w.write(wr, protocol.Error(nil, err.Error(), ""))
	w.account(ctx, nil, model.StatusError, nil, err.Error(), start)
}

// handle processes one request line and reports whether the session ended.
func (w *Worker) handle(ctx context.Context, wr *protocol.Writer, line []byte) bool {
	start := time.Now()

	req, err := protocol.ParseRequest(line)
	if err != nil {
		err = pkgerrors.WithStack(err)
		w.write(wr, protocol.Error(nil, err.Error(), trace(err)))
		w.account(ctx, nil, model.StatusError, nil, err.Error(), start)
		return false
	}

	if req.Cmd == protocol.CmdExit {
		w.write(wr, protocol.Bye())
		w.account(ctx, &req, model.StatusBye, nil, "", start)
		w.logger.Info("exit requested")
		return true
	}

	result, err := w.call(req)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownCommand) {
			w.write(wr, protocol.Error(req.ID, err.Error(), ""))
			if w.cfg.UnknownCommandEchoOK {
				w.write(wr, protocol.OK(req.ID, int64(0)))
			}
		} else {
			w.write(wr, protocol.Error(req.ID, err.Error(), trace(err)))
		}
		w.logger.Debug("command failed", "cmd", req.Cmd, "error", err)
		w.account(ctx, &req, model.StatusError, nil, err.Error(), start)
		return false
	}

	w.write(wr, protocol.OK(req.ID, result))
	w.account(ctx, &req, model.StatusOK, result, "", start)
	return false
}

// call dispatches req, turning a panic in the engine path into an error.
func (w *Worker) call(req protocol.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return dispatch.Dispatch(w.inst, req.Cmd, req.Payload)
}

func (w *Worker) write(wr *protocol.Writer, resp protocol.Response) {
	line, ok := wr.Write(resp)
	if !ok && !w.outputBroken {
		w.outputBroken = true
		w.logger.Debug("output stream broken, dropping responses", "error", wr.Err())
	}
	if line != nil {
		w.tap.Publish(tap.DirOut, line[:len(line)-1])
	}
}

// metricLabel maps a request to its cmd label. req is nil for lines that
// could not be parsed.
func metricLabel(req *protocol.Request) string {
	switch {
	case req == nil:
		return cmdInvalid
	case req.Cmd == protocol.CmdExit || dispatch.Known(req.Cmd):
		return req.Cmd
	default:
		return cmdUnknown
	}
}

// account updates metrics, logs, and the journal for one request. req is
// nil for lines that could not be parsed.
func (w *Worker) account(ctx context.Context, req *protocol.Request, status string, result any, errText string, start time.Time) {
	elapsed := time.Since(start)
	label := metricLabel(req)
	commandsTotal.WithLabelValues(label, status).Inc()
	commandDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	var (
		cmd string
		id  json.RawMessage
	)
	if req != nil {
		cmd, id = req.Cmd, req.ID
	}

	w.logger.Debug("command processed",
		"cmd", cmd,
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
	)

	if w.journal == nil {
		return
	}

	rec := &model.CommandRecord{
		Cmd:        cmd,
		RequestID:  id,
		Status:     status,
		Error:      errText,
		DurationMS: elapsed.Milliseconds(),
	}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			rec.Result = raw
		}
	}
	if err := w.journal.RecordCommand(ctx, rec); err != nil {
		w.logger.Warn("journal write failed", "cmd", cmd, "error", err)
	}
}

// Close releases the default instance. It is safe to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.terminate()
		ok, err := w.reg.CloseInstance(w.id)
		if err != nil {
			w.closeErr = err
			return
		}
		if !ok {
			w.logger.Warn("engine did not confirm release", "instance_id", w.id)
			return
		}
		w.logger.Info("engine instance released", "instance_id", w.id)
	})
	return w.closeErr
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// trace renders the call stack carried by err, or "" if it has none.
func trace(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return strings.TrimSpace(string(pe.stack))
	}
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	return ""
}
