package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultBinary is the agent executable name when none is configured.
	DefaultBinary = "pi"

	// DefaultStartupGrace is how long Spawn waits to catch processes that
	// die immediately (bad flags, missing session file, broken install).
	DefaultStartupGrace = 500 * time.Millisecond

	// killGrace is how long after SIGTERM the process gets before SIGKILL.
	killGrace = 2 * time.Second

	// maxDiagBytes caps the retained stderr diagnostic output per process.
	maxDiagBytes = 64 * 1024

	// maxLineBytes is the scanner buffer limit for one protocol line.
	maxLineBytes = 1024 * 1024
)

// ChannelOpts holds parameters for spawning an agent process.
type ChannelOpts struct {
	Binary       string // agent binary; defaults to DefaultBinary
	Dir          string // working directory for the agent
	SessionFile  string // resume file passed via --session
	Provider     string // model provider override
	Model        string // model override
	StartupGrace time.Duration // defaults to DefaultStartupGrace
}

// Channel owns exactly one agent subprocess and turns its stdin/stdout into
// a correlate-by-id request/response primitive plus an event stream. Lines
// that are not correlated responses are published to the channel's Hub in
// arrival order; lines that are not JSON objects are dropped as log noise.
type Channel struct {
	pid       int
	stdin     io.WriteCloser
	terminate context.CancelFunc
	hub       *Hub
	diag      *diagBuffer
	doneCh    chan struct{}

	writeMu sync.Mutex // serializes stdin line writes

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	exited  bool
	exit    ExitInfo
}

// pendingRequest is the resolver for one in-flight command, keyed by request
// id. At most one entry exists per id; it is removed when the matching
// response arrives, the deadline fires, or the process exits.
type pendingRequest struct {
	ch    chan commandResult // buffered(1)
	timer *time.Timer
}

type commandResult struct {
	data json.RawMessage
	err  error
}

// responseLine is the inbound shape for correlated command responses.
type responseLine struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Spawn starts an agent process in RPC mode and wires up the protocol loop.
// It returns a SpawnError if the executable cannot be located or started,
// and a StartupError (with collected stderr attached) if the process exits
// within the startup grace window.
func Spawn(ctx context.Context, opts ChannelOpts) (*Channel, error) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	args := []string{"--mode", "rpc"}
	if opts.SessionFile != "" {
		args = append(args, "--session", opts.SessionFile)
	}
	if opts.Provider != "" {
		args = append(args, "--provider", opts.Provider)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cctx, path, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	// Use a process group so SIGTERM reaches the whole tree; escalate to
	// SIGKILL via WaitDelay if the process ignores it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	diag := newDiagBuffer(maxDiagBytes)
	cmd.Stderr = diag

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	c := newChannel(stdin, cancel)
	c.diag = diag
	c.pid = cmd.Process.Pid

	go c.run(stdout, func() ExitInfo {
		return exitInfoFromWait(cmd.Wait())
	})

	grace := opts.StartupGrace
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	select {
	case <-c.doneCh:
		return nil, &StartupError{Exit: c.exit, Stderr: diag.String()}
	case <-time.After(grace):
	}
	return c, nil
}

// newChannel builds a Channel around a stdin writer and a terminate func.
// Spawn is the production caller; tests wire in pipes directly.
func newChannel(stdin io.WriteCloser, terminate context.CancelFunc) *Channel {
	return &Channel{
		stdin:     stdin,
		terminate: terminate,
		hub:       NewHub(),
		diag:      newDiagBuffer(maxDiagBytes),
		doneCh:    make(chan struct{}),
		pending:   make(map[int64]*pendingRequest),
	}
}

// run consumes stdout lines until EOF, then records the exit result.
func (c *Channel) run(stdout io.Reader, wait func() ExitInfo) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.handleLine(scanner.Bytes())
	}
	c.finish(wait())
}

// handleLine classifies one stdout line: correlated response, event, or
// non-protocol noise (silently dropped).
func (c *Channel) handleLine(raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || line[0] != '{' {
		return
	}
	var probe struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return
	}
	if probe.Type == "response" && c.resolve(line) {
		return
	}
	c.hub.Publish(Event{Type: probe.Type, Raw: append([]byte(nil), line...)})
}

// resolve matches a response line to its pending request. Returns false when
// no request with that id is outstanding (the line falls through as an event).
func (c *Channel) resolve(line []byte) bool {
	var resp responseLine
	if err := json.Unmarshal(line, &resp); err != nil {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	if resp.Success {
		p.ch <- commandResult{data: resp.Data}
	} else {
		p.ch <- commandResult{err: fmt.Errorf("bridge: command failed: %s", resp.Error)}
	}
	return true
}

// finish rejects every outstanding request with the same ProcessExitedError,
// publishes the synthesized exit event, and marks the channel done.
func (c *Channel) finish(info ExitInfo) {
	c.mu.Lock()
	c.exited = true
	c.exit = info
	pend := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	exitErr := &ProcessExitedError{Exit: info}
	for _, p := range pend {
		p.timer.Stop()
		p.ch <- commandResult{err: exitErr}
	}

	c.hub.Publish(newExitEvent(info))
	close(c.doneCh)
}

// SendCommand assigns a fresh request id, writes one JSON line, and blocks
// until the matching response arrives, timeout elapses, the process exits,
// or ctx is cancelled.
func (c *Channel) SendCommand(ctx context.Context, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.exited {
		exit := c.exit
		c.mu.Unlock()
		return nil, &ProcessExitedError{Exit: exit}
	}
	c.nextID++
	id := c.nextID
	p := &pendingRequest{ch: make(chan commandResult, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.fail(id, &TimeoutError{RequestID: id, After: timeout})
	})
	c.pending[id] = p
	c.mu.Unlock()

	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["id"] = id

	if err := c.writeLine(msg); err != nil {
		c.drop(id)
		return nil, err
	}

	select {
	case res := <-p.ch:
		return res.data, res.err
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// SendFireAndForget writes one JSON line with no correlation. Used for
// prompts whose result streams back as events rather than a single response.
func (c *Channel) SendFireAndForget(payload map[string]any) error {
	return c.writeLine(payload)
}

// fail rejects a pending request if it is still outstanding.
func (c *Channel) fail(id int64, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.ch <- commandResult{err: err}
	}
}

// drop removes a pending request without delivering a result.
func (c *Channel) drop(id int64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

func (c *Channel) writeLine(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bridge: marshal line: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("bridge: write line: %w", err)
	}
	return nil
}

// Kill sends SIGTERM to the process group and escalates to SIGKILL after the
// kill grace period if the process has not exited.
func (c *Channel) Kill() {
	if c.terminate != nil {
		c.terminate()
	}
}

// Hub returns the channel's event stream.
func (c *Channel) Hub() *Hub { return c.hub }

// Done returns a channel that closes when the process has exited.
func (c *Channel) Done() <-chan struct{} { return c.doneCh }

// Alive reports whether the process is still running.
func (c *Channel) Alive() bool {
	select {
	case <-c.doneCh:
		return false
	default:
		return true
	}
}

// Exit returns how the process terminated. Only valid once Done is closed.
func (c *Channel) Exit() ExitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Diagnostics returns the stderr output collected so far (capped).
func (c *Channel) Diagnostics() string { return c.diag.String() }

// PID returns the process id, or 0 for channels not backed by a real process.
func (c *Channel) PID() int { return c.pid }

// exitInfoFromWait converts a cmd.Wait error into an ExitInfo.
func exitInfoFromWait(err error) ExitInfo {
	if err == nil {
		return ExitInfo{Code: 0}
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitInfo{Code: -1, Signal: ws.Signal().String()}
		}
		return ExitInfo{Code: ee.ProcessState.ExitCode()}
	}
	return ExitInfo{Code: -1}
}

// diagBuffer collects stderr output with a hard size cap. Writes past the
// cap are counted but discarded.
type diagBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newDiagBuffer(max int) *diagBuffer {
	return &diagBuffer{max: max}
}

func (d *diagBuffer) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room := d.max - d.buf.Len(); room > 0 {
		if len(p) > room {
			d.buf.Write(p[:room])
		} else {
			d.buf.Write(p)
		}
	}
	return len(p), nil
}

func (d *diagBuffer) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}
