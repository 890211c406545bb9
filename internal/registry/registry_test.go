package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/dmworker/internal/engine"
	"github.com/seantiz/dmworker/internal/engine/enginetest"
)

// resetDefault drops the process-wide registry and preparation outcome so a
// test can observe first-use behaviour.
func resetDefault(t *testing.T) {
	t.Helper()
	_ = Reset()
	t.Cleanup(func() { _ = Reset() })
}

func TestDefaultIsSingleton(t *testing.T) {
	resetDefault(t)

	first := enginetest.New(1)
	a := Default(first)
	b := Default(enginetest.New(100))
	require.Same(t, a, b)

	id, err := a.CreateInstance()
	require.NoError(t, err)
	assert.Equal(t, 1, id, "the engine passed first is the one used")

	_, err = b.GetInstance(id)
	require.NoError(t, err)

	ok, err := b.CloseInstance(id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = a.GetInstance(id)
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestPrepareRunsOnce(t *testing.T) {
	resetDefault(t)
	eng := enginetest.New(1)
	reg := newRegistry(eng)

	require.NoError(t, reg.Prepare())
	require.NoError(t, reg.Prepare())
	assert.Equal(t, 1, eng.PrepareCalls())
}

func TestPrepareFailureIsSticky(t *testing.T) {
	resetDefault(t)
	eng := enginetest.New(1)
	eng.PrepareErr = engine.ErrMissingDependency
	reg := newRegistry(eng)

	err := reg.Prepare()
	require.ErrorIs(t, err, engine.ErrMissingDependency)

	eng.PrepareErr = nil
	assert.ErrorIs(t, reg.Prepare(), engine.ErrMissingDependency)
	assert.Equal(t, 1, eng.PrepareCalls())
}

func TestPrepareOncePerProcess(t *testing.T) {
	resetDefault(t)
	eng := enginetest.New(1)

	a, b := newRegistry(eng), newRegistry(eng)
	require.NoError(t, a.Prepare())
	require.NoError(t, b.Prepare())
	require.NoError(t, Default(eng).Prepare())
	assert.Equal(t, 1, eng.PrepareCalls())
}

func TestResetStartsOver(t *testing.T) {
	resetDefault(t)
	first := enginetest.New(1)
	reg := Default(first)
	require.NoError(t, reg.Prepare())
	_, err := reg.CreateInstance()
	require.NoError(t, err)

	require.NoError(t, Reset())
	assert.True(t, first.Instances()[0].Released())

	second := enginetest.New(50)
	next := Default(second)
	assert.NotSame(t, reg, next)
	require.NoError(t, next.Prepare())
	assert.Equal(t, 1, second.PrepareCalls())

	id, err := next.CreateInstance()
	require.NoError(t, err)
	assert.Equal(t, 50, id)
}

func TestInstancesGaugeTracksDefault(t *testing.T) {
	resetDefault(t)
	assert.Zero(t, testutil.ToFloat64(instancesGauge))

	reg := Default(enginetest.New(1))
	for range 2 {
		_, err := reg.CreateInstance()
		require.NoError(t, err)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(instancesGauge))

	_, err := reg.CloseInstance(1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(instancesGauge))
}

func TestCreateInstanceUsesEngineID(t *testing.T) {
	eng := enginetest.New(42)
	reg := newRegistry(eng)

	id, err := reg.CreateInstance()
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	inst, err := reg.GetInstance(42)
	require.NoError(t, err)
	assert.Same(t, eng.Instances()[0], inst)
}

func TestCreateInstanceFailureStoresNothing(t *testing.T) {
	eng := enginetest.New(1)
	eng.NewInstanceErr = errors.New("class not registered")
	reg := newRegistry(eng)

	_, err := reg.CreateInstance()
	require.ErrorIs(t, err, engine.ErrInstanceCreation)
	assert.Contains(t, err.Error(), "class not registered")
	assert.Zero(t, reg.Len())
}

func TestCreateInstanceIDFailureReleases(t *testing.T) {
	eng := enginetest.New(1)
	eng.IDErr = errors.New("GetID failed")
	reg := newRegistry(eng)

	_, err := reg.CreateInstance()
	require.ErrorIs(t, err, engine.ErrInstanceCreation)
	assert.Zero(t, reg.Len())
	require.Len(t, eng.Instances(), 1)
	assert.True(t, eng.Instances()[0].Released())
}

func TestCreateInstanceDuplicateID(t *testing.T) {
	eng := enginetest.New(5)
	reg := newRegistry(eng)

	_, err := reg.CreateInstance()
	require.NoError(t, err)

	eng.SetID(5)
	_, err = reg.CreateInstance()
	require.ErrorIs(t, err, engine.ErrInstanceCreation)
	assert.Equal(t, 1, reg.Len())
	assert.False(t, eng.Instances()[0].Released(), "the live instance is untouched")
	assert.True(t, eng.Instances()[1].Released())
}

func TestCloseInstanceReleaseNotConfirmed(t *testing.T) {
	eng := enginetest.New(1)
	eng.ReleaseCode = 0
	reg := newRegistry(eng)

	id, err := reg.CreateInstance()
	require.NoError(t, err)

	ok, err := reg.CloseInstance(id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reg.GetInstance(id)
	assert.ErrorIs(t, err, ErrUnknownInstance, "entry is removed even when release fails")
}

func TestCloseInstanceReleaseError(t *testing.T) {
	eng := enginetest.New(1)
	eng.ReleaseErr = errors.New("RPC server unavailable")
	reg := newRegistry(eng)

	id, err := reg.CreateInstance()
	require.NoError(t, err)

	ok, err := reg.CloseInstance(id)
	require.ErrorContains(t, err, "RPC server unavailable")
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

func TestCloseAllCarriesReleaseErrors(t *testing.T) {
	eng := enginetest.New(1)
	eng.ReleaseErr = errors.New("RPC server unavailable")
	reg := newRegistry(eng)

	_, err := reg.CreateInstance()
	require.NoError(t, err)

	err = reg.CloseAll()
	require.ErrorContains(t, err, "RPC server unavailable")
	assert.Zero(t, reg.Len())
}

func TestCloseAll(t *testing.T) {
	eng := enginetest.New(1)
	reg := newRegistry(eng)

	for range 3 {
		_, err := reg.CreateInstance()
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3}, reg.IDs())

	require.NoError(t, reg.CloseAll())
	assert.Zero(t, reg.Len())
	for _, inst := range eng.Instances() {
		assert.True(t, inst.Released())
	}
}

func TestCloseAllReportsUnconfirmed(t *testing.T) {
	eng := enginetest.New(1)
	eng.ReleaseCode = -1
	reg := newRegistry(eng)

	for range 2 {
		_, err := reg.CreateInstance()
		require.NoError(t, err)
	}

	err := reg.CloseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance 1")
	assert.Contains(t, err.Error(), "instance 2")
	assert.Zero(t, reg.Len())
}

func TestConcurrentAccess(t *testing.T) {
	reg := newRegistry(enginetest.New(1))

	var wg sync.WaitGroup
	ids := make(chan int, 50)
	for range 50 {
		wg.Go(func() {
			id, err := reg.CreateInstance()
			if err == nil {
				ids <- id
			}
			_ = reg.IDs()
		})
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Equal(t, 50, reg.Len())
}

func TestRegistryLifecycleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every created instance closes exactly once", prop.ForAll(
		func(first, n int) bool {
			reg := newRegistry(enginetest.New(first))

			var created []int
			for range n {
				id, err := reg.CreateInstance()
				if err != nil {
					return false
				}
				created = append(created, id)
			}

			for _, id := range created {
				if _, err := reg.GetInstance(id); err != nil {
					return false
				}
				ok, err := reg.CloseInstance(id)
				if err != nil || !ok {
					return false
				}
				if _, err := reg.CloseInstance(id); !errors.Is(err, ErrUnknownInstance) {
					return false
				}
			}
			return reg.Len() == 0
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(1, 20),
	))

	properties.Property("never-issued ids are unknown and leave the map unchanged", prop.ForAll(
		func(n, offset int) bool {
			reg := newRegistry(enginetest.New(1))
			for range n {
				if _, err := reg.CreateInstance(); err != nil {
					return false
				}
			}
			before := reg.IDs()

			// Issued ids are 1..n; shift the lookup outside that range.
			unknown := n + 1 + offset
			if _, err := reg.GetInstance(unknown); !errors.Is(err, ErrUnknownInstance) {
				return false
			}
			if _, err := reg.CloseInstance(unknown); !errors.Is(err, ErrUnknownInstance) {
				return false
			}
			after := reg.IDs()
			if len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}
