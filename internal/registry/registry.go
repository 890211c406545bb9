// Package registry owns the lifetime of engine instances. It is the only
// holder of engine.Instance values; everything else addresses an instance by
// its engine-assigned ID.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/dmworker/internal/engine"
)

// ErrUnknownInstance is returned for an ID that is not in the registry.
var ErrUnknownInstance = errors.New("unknown engine instance")

// preparation holds the outcome of the engine's native preparation. There is
// one per process, shared by every Registry value.
type preparation struct {
	once sync.Once
	err  error
}

var (
	stateMu         sync.Mutex
	defaultRegistry *Registry
	prepared        = &preparation{}
)

var instancesGauge = prometheus.NewGaugeFunc(
	prometheus.GaugeOpts{
		Name: "dmworker_instances",
		Help: "Live engine instances held by the process registry.",
	},
	func() float64 {
		stateMu.Lock()
		r := defaultRegistry
		stateMu.Unlock()
		if r == nil {
			return 0
		}
		return float64(r.Len())
	},
)

func init() {
	prometheus.MustRegister(instancesGauge)
}

// Registry maps engine-assigned IDs to live instances. It is safe for
// concurrent use, but instances it hands out are not.
type Registry struct {
	eng engine.Engine

	mu        sync.RWMutex
	instances map[int]engine.Instance
}

// Default returns the process-wide registry, creating it on first use with
// eng. Later calls return the same registry and ignore their argument.
func Default(eng engine.Engine) *Registry {
	stateMu.Lock()
	defer stateMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = newRegistry(eng)
	}
	return defaultRegistry
}

// Reset releases every instance of the process-wide registry, then forgets
// the registry and the preparation outcome so the next Default starts over.
// Worker processes never call it; tests use it to get a fresh process state.
func Reset() error {
	stateMu.Lock()
	r := defaultRegistry
	defaultRegistry = nil
	prepared = &preparation{}
	stateMu.Unlock()

	if r == nil {
		return nil
	}
	return r.CloseAll()
}

func newRegistry(eng engine.Engine) *Registry {
	return &Registry{
		eng:       eng,
		instances: make(map[int]engine.Instance),
	}
}

func currentPreparation() *preparation {
	stateMu.Lock()
	defer stateMu.Unlock()
	return prepared
}

// Prepare runs the engine's native preparation at most once per process.
// Every call returns the outcome of that single attempt.
func (r *Registry) Prepare() error {
	p := currentPreparation()
	p.once.Do(func() {
		if err := r.eng.Prepare(); err != nil {
			p.err = fmt.Errorf("prepare engine: %w", err)
		}
	})
	return p.err
}

// CreateInstance instantiates the engine and stores the new instance under
// the ID the engine assigned to it. Nothing is stored on failure.
func (r *Registry) CreateInstance() (int, error) {
	inst, err := r.eng.NewInstance()
	if err != nil {
		return 0, wrapCreation(err)
	}

	id, err := inst.ID()
	if err != nil {
		_, _ = inst.Release()
		return 0, wrapCreation(fmt.Errorf("read instance id: %w", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; exists {
		_, _ = inst.Release()
		return 0, wrapCreation(fmt.Errorf("engine reused live instance id %d", id))
	}
	r.instances[id] = inst
	return id, nil
}

// GetInstance returns the instance stored under id.
func (r *Registry) GetInstance(id int) (engine.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", id, ErrUnknownInstance)
	}
	return inst, nil
}

// CloseInstance removes id and asks the engine to release it. The result
// reports whether the engine confirmed the release; the entry is removed
// either way and the release is not retried. A failed release call returns
// false together with the engine's error.
func (r *Registry) CloseInstance(id int) (bool, error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("instance %d: %w", id, ErrUnknownInstance)
	}
	delete(r.instances, id)
	r.mu.Unlock()

	code, err := inst.Release()
	if err != nil {
		return false, fmt.Errorf("release instance %d: %w", id, err)
	}
	return code == engine.ReleaseOK, nil
}

// CloseAll releases every instance and reports those the engine did not
// confirm.
func (r *Registry) CloseAll() error {
	var result *multierror.Error
	for _, id := range r.IDs() {
		ok, err := r.CloseInstance(id)
		switch {
		case err != nil:
			result = multierror.Append(result, err)
		case !ok:
			result = multierror.Append(result, fmt.Errorf("instance %d: release not confirmed", id))
		}
	}
	return result.ErrorOrNil()
}

// IDs returns the live instance IDs in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func wrapCreation(err error) error {
	return fmt.Errorf("%w: %w", engine.ErrInstanceCreation, err)
}
