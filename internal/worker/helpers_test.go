package worker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/dmworker/internal/engine"
	"github.com/seantiz/dmworker/internal/registry"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// freshRegistry returns the process-wide registry built around eng and
// resets it when the test ends.
func freshRegistry(t *testing.T, eng engine.Engine) *registry.Registry {
	t.Helper()
	_ = registry.Reset()
	t.Cleanup(func() { _ = registry.Reset() })
	return registry.Default(eng)
}
