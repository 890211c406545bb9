package e2e

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/dmworker/internal/protocol"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

// getBinary builds cmd/testworker once per test run.
func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "dmworker-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		name := "testworker"
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		binary := filepath.Join(dir, name)
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testworker")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// workerProc is a testworker process driven over raw pipes.
type workerProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	stderr *lockedBuffer
}

func startWorker(t *testing.T, env ...string) *workerProc {
	t.Helper()

	cmd := exec.Command(getBinary(t))
	cmd.Env = append(os.Environ(),
		"DMWORKER_ENV_FILE="+filepath.Join(t.TempDir(), "none.env"),
		"DMWORKER_LOG_LEVEL=debug",
	)
	cmd.Env = append(cmd.Env, env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}

	p := &workerProc{
		cmd:    cmd,
		stdin:  stdin,
		lines:  bufio.NewScanner(stdout),
		stderr: stderr,
	}
	t.Cleanup(func() {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	})
	return p
}

func (p *workerProc) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		t.Fatalf("send %s: %v", line, err)
	}
}

// next reads one response line. It fails the test if the worker's output
// ended.
func (p *workerProc) next(t *testing.T) protocol.Reply {
	t.Helper()
	if !p.lines.Scan() {
		t.Fatalf("worker output ended: %v\nstderr:\n%s", p.lines.Err(), p.stderr.String())
	}
	r, err := protocol.DecodeReply(p.lines.Bytes())
	if err != nil {
		t.Fatalf("decode %s: %v", p.lines.Text(), err)
	}
	return r
}

// expect reads one response line and fails the test unless its status is
// want.
func (p *workerProc) expect(t *testing.T, want string) protocol.Reply {
	t.Helper()
	r := p.next(t)
	if r.Status != want {
		t.Fatalf("status = %q (msg %q), want %q", r.Status, r.Msg, want)
	}
	return r
}

// ended reports whether stdout is closed with no further line.
func (p *workerProc) ended() bool {
	return !p.lines.Scan()
}

// wait waits for the process to exit and returns its exit code.
func (p *workerProc) wait(t *testing.T) int {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
		return p.cmd.ProcessState.ExitCode()
	case <-time.After(startupTimeout):
		t.Fatalf("worker did not exit\nstderr:\n%s", p.stderr.String())
		return -1
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// waitForHealthy polls the diagnostics health endpoint until it answers 200.
func waitForHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("diagnostics server at %s did not become healthy", base)
}
