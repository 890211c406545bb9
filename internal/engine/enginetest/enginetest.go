// Package enginetest provides a scripted, in-memory engine.Engine for tests
// and for running the worker without the native automation component.
package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/dmworker/internal/engine"
)

// ErrReleased is returned when a released instance is used.
var ErrReleased = errors.New("instance already released")

// HandlerFunc computes the result of one engine call.
type HandlerFunc func(args []any) (any, error)

// Call records one invocation made against an Instance.
type Call struct {
	Method string
	Args   []any
}

// Engine is a fake engine.Engine. The zero value is not usable; call New.
// Its exported error fields may be set before use to script failures.
type Engine struct {
	// PrepareErr is returned by every Prepare call.
	PrepareErr error

	// NewInstanceErr is returned by NewInstance instead of creating an instance.
	NewInstanceErr error

	// IDErr is returned by ID on instances created after it is set.
	IDErr error

	// ReleaseCode is the status returned by Release. Defaults to engine.ReleaseOK.
	ReleaseCode int

	// ReleaseErr is returned by Release when set.
	ReleaseErr error

	mu        sync.Mutex
	nextID    int
	prepares  int
	handlers  map[string]HandlerFunc
	instances []*Instance
}

var _ engine.Engine = (*Engine)(nil)

// New creates a fake engine whose instance IDs start at firstID and increase
// by one. Calls to methods without a handler return 1.
func New(firstID int) *Engine {
	return &Engine{
		ReleaseCode: engine.ReleaseOK,
		nextID:      firstID,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Prepare counts the call and returns PrepareErr.
func (e *Engine) Prepare() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepares++
	return e.PrepareErr
}

// PrepareCalls reports how many times Prepare ran.
func (e *Engine) PrepareCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepares
}

// NewInstance creates a fake instance with the next ID.
func (e *Engine) NewInstance() (engine.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.NewInstanceErr != nil {
		return nil, e.NewInstanceErr
	}

	inst := &Instance{eng: e, id: e.nextID, idErr: e.IDErr}
	e.nextID++
	e.instances = append(e.instances, inst)
	return inst, nil
}

// SetID forces the ID handed to the next created instance.
func (e *Engine) SetID(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID = id
}

// Handle installs a handler for method.
func (e *Engine) Handle(method string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// SetResult makes method always return v.
func (e *Engine) SetResult(method string, v any) {
	e.Handle(method, func([]any) (any, error) { return v, nil })
}

// SetError makes method always fail with err.
func (e *Engine) SetError(method string, err error) {
	e.Handle(method, func([]any) (any, error) { return nil, err })
}

// Instances returns every instance created so far, in creation order.
func (e *Engine) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, len(e.instances))
	copy(out, e.instances)
	return out
}

func (e *Engine) handler(method string) HandlerFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[method]
}

func (e *Engine) release() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ReleaseCode, e.ReleaseErr
}

// Instance is a fake engine.Instance that records every call.
type Instance struct {
	eng   *Engine
	id    int
	idErr error

	mu       sync.Mutex
	calls    []Call
	released bool
}

var _ engine.Instance = (*Instance)(nil)

// ID returns the fake engine-assigned ID.
func (i *Instance) ID() (int, error) {
	if i.idErr != nil {
		return 0, i.idErr
	}
	return i.id, nil
}

// Call records the invocation and returns the scripted result.
func (i *Instance) Call(method string, args ...any) (any, error) {
	i.mu.Lock()
	if i.released {
		i.mu.Unlock()
		return nil, fmt.Errorf("call %s on instance %d: %w", method, i.id, ErrReleased)
	}
	i.calls = append(i.calls, Call{Method: method, Args: args})
	i.mu.Unlock()

	if h := i.eng.handler(method); h != nil {
		return h(args)
	}
	return int64(1), nil
}

// Release marks the instance released and returns the engine's scripted code.
func (i *Instance) Release() (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return 0, fmt.Errorf("release instance %d: %w", i.id, ErrReleased)
	}
	i.released = true
	return i.eng.release()
}

// Calls returns the recorded invocations.
func (i *Instance) Calls() []Call {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Call, len(i.calls))
	copy(out, i.calls)
	return out
}

// Released reports whether Release has been called.
func (i *Instance) Released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}
