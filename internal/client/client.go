// Package client drives a worker process from the parent side: it sends
// one request line per call and reads the matching response.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/seantiz/dmworker/internal/protocol"
)

var (
	// ErrNotReady is returned when the worker's first line is not the
	// readiness handshake.
	ErrNotReady = errors.New("worker did not report ready")

	// ErrUnexpectedReply is returned for a response that does not fit the
	// request, such as a missing bye after exit.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ResponseError is an error response from the worker.
type ResponseError struct {
	Cmd   string
	Msg   string
	Trace string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cmd, e.Msg)
}

// Client talks to one worker. Calls are serialised; the worker handles one
// request at a time anyway.
type Client struct {
	mu     sync.Mutex
	r      *protocol.Reader
	w      io.Writer
	lastID uint64

	proc      *exec.Cmd
	stdin     io.Closer
	stderrEnd chan struct{}
	logger    *slog.Logger
}

// New wraps the worker's stdout (r) and stdin (w).
func New(r io.Reader, w io.Writer) *Client {
	return &Client{
		r:      protocol.NewReader(r, 0),
		w:      w,
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

// Start launches the worker binary with piped stdio and waits for it to
// report ready. The worker's stderr is relayed to logger line by line. env
// entries are added to the current environment.
func Start(ctx context.Context, bin string, logger *slog.Logger, env ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, bin)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	c := New(stdout, stdin)
	c.proc = cmd
	c.stdin = stdin
	c.logger = logger
	c.stderrEnd = make(chan struct{})
	go c.drainStderr(stderr)

	if err := c.WaitReady(); err != nil {
		_ = cmd.Process.Kill()
		_ = c.wait()
		return nil, err
	}
	return c, nil
}

func (c *Client) drainStderr(r io.Reader) {
	defer close(c.stderrEnd)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), protocol.DefaultMaxLineBytes)
	for sc.Scan() {
		c.logger.Error("worker stderr", "line", sc.Text())
	}
}

// WaitReady reads the first line and checks that it is the readiness
// handshake.
func (c *Client) WaitReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.readReply()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if reply.Status != protocol.StatusReady {
		return fmt.Errorf("%w: got status %q", ErrNotReady, reply.Status)
	}
	return nil
}

// Call sends cmd with payload and returns the raw result. An error response
// is returned as a *ResponseError.
func (c *Client) Call(cmd string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID()
	if err := c.send(cmd, id, payload); err != nil {
		return nil, err
	}

	want := strconv.FormatUint(id, 10)
	for {
		reply, err := c.readReply()
		if err != nil {
			return nil, fmt.Errorf("%s: read reply: %w", cmd, err)
		}
		// Lines for earlier requests, such as the trailing ok after an
		// unknown command, are skipped. An error without an id answers a
		// line the worker could not read, which can only be this request.
		if string(reply.ID) != want && !rejectedLine(reply) {
			continue
		}
		switch reply.Status {
		case protocol.StatusOK:
			return reply.Result, nil
		case protocol.StatusError:
			return nil, &ResponseError{Cmd: cmd, Msg: reply.Msg, Trace: reply.Trace}
		default:
			return nil, fmt.Errorf("%s: %w: status %q", cmd, ErrUnexpectedReply, reply.Status)
		}
	}
}

func rejectedLine(reply protocol.Reply) bool {
	if reply.Status != protocol.StatusError {
		return false
	}
	id := strings.TrimSpace(string(reply.ID))
	return id == "" || id == "null"
}

// Exit asks the worker to stop and waits for the bye line. For a worker
// started with Start it also waits for the process to exit.
func (c *Client) Exit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := json.Marshal(struct {
		Cmd string `json:"cmd"`
	}{Cmd: protocol.CmdExit})
	if err != nil {
		return fmt.Errorf("encode exit: %w", err)
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send exit: %w", err)
	}

	for {
		reply, err := c.readReply()
		if err != nil {
			return fmt.Errorf("exit: read reply: %w", err)
		}
		if reply.Status == protocol.StatusBye {
			break
		}
		if len(reply.ID) == 0 || string(reply.ID) == "null" {
			return fmt.Errorf("exit: %w: status %q", ErrUnexpectedReply, reply.Status)
		}
	}

	if c.proc == nil {
		return nil
	}
	_ = c.stdin.Close()
	return c.wait()
}

// Close ends the session without exit by closing the worker's input. For a
// worker started with Start it waits for the process to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		if closer, ok := c.w.(io.Closer); ok {
			return closer.Close()
		}
		return nil
	}
	_ = c.stdin.Close()
	return c.wait()
}

func (c *Client) wait() error {
	err := c.proc.Wait()
	<-c.stderrEnd
	if err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}

// nextID returns the next request ID. IDs start at 1 and skip 0 on wrap.
func (c *Client) nextID() uint64 {
	c.lastID++
	if c.lastID == 0 {
		c.lastID++
	}
	return c.lastID
}

type request struct {
	Cmd     string `json:"cmd"`
	ID      uint64 `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

func (c *Client) send(cmd string, id uint64, payload any) error {
	line, err := json.Marshal(request{Cmd: cmd, ID: id, Payload: payload})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", cmd, err)
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%s: send request: %w", cmd, err)
	}
	return nil
}

func (c *Client) readReply() (protocol.Reply, error) {
	for {
		line, err := c.r.ReadLine()
		if errors.Is(err, io.EOF) {
			return protocol.Reply{}, io.ErrUnexpectedEOF
		}
		if err != nil {
			return protocol.Reply{}, err
		}
		if len(line) == 0 {
			continue
		}
		return protocol.DecodeReply(line)
	}
}
