// Package player drives one external media-player process (mpv-style)
// over its line-delimited JSON IPC socket: lifecycle, request/response
// correlation, and unsolicited event delivery.
package player

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
)

const (
	defaultStartTimeout = 10 * time.Second
	defaultStaleTimeout = 5 * time.Second
	teardownWait        = 5 * time.Second
	socketPollInterval  = 100 * time.Millisecond
	maxLineBytes        = 1 << 20
	eventBufferSize     = 64
)

// State is the controller lifecycle state.
type State int

const (
	Idle State = iota
	Launching
	Connected
	Closed
)

// Config describes how to start the player process.
type Config struct {
	Binary       string   // player executable, e.g. "mpv"
	SocketPath   string   // IPC socket path passed via --input-ipc-server
	Args         []string // extra arguments appended after the IPC flag
	StartTimeout time.Duration
	StaleTimeout time.Duration
}

// Pending is the response handle for one issued command. It resolves at
// most once; if the control channel closes first it never resolves, so
// callers must wait with their own timeout.
type Pending struct {
	ID int64
	ch chan json.RawMessage
}

// Wait blocks until the response arrives or ctx is done.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case resp := <-p.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Controller owns the lifecycle of one player process and the
// correlation table for its in-flight requests.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	conn    net.Conn
	pending map[int64]chan json.RawMessage
	nextID  int64

	events chan json.RawMessage
}

// New creates an idle controller. Launch starts the process.
func New(cfg Config) *Controller {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	return &Controller{
		cfg:     cfg,
		pending: make(map[int64]chan json.RawMessage),
		events:  make(chan json.RawMessage, eventBufferSize),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events delivers control-channel records that carry no request_id
// (player-originated events, e.g. property changes). Records are
// dropped when the buffer is full.
func (c *Controller) Events() <-chan json.RawMessage {
	return c.events
}

// Launch starts the player process and connects its control channel.
// A control channel left over from a previous run must disappear first:
// two live channels on one socket path is a state this controller never
// allows. Returns ErrStartupTimeout if the stale channel does not
// vanish or the new one does not appear within the configured bounds.
func (c *Controller) Launch(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Launching || c.state == Connected {
		c.mu.Unlock()
		return fmt.Errorf("launch: player already running")
	}
	c.state = Launching
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.state == Launching {
			c.state = Idle
		}
		c.mu.Unlock()
		return err
	}

	if err := c.waitForGone(ctx); err != nil {
		return fail(err)
	}

	args := append([]string{"--input-ipc-server=" + c.cfg.SocketPath}, c.cfg.Args...)
	cmd := exec.Command(c.cfg.Binary, args...)
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", c.cfg.Binary, err))
	}
	slog.Info("player started", "binary", c.cfg.Binary, "pid", cmd.Process.Pid, "socket", c.cfg.SocketPath)

	conn, err := c.waitForSocket(ctx)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return fail(err)
	}

	c.mu.Lock()
	if c.state != Launching {
		// Shutdown won the race while the socket was coming up: the
		// process just started must not outlive the controller
		c.mu.Unlock()
		conn.Close()
		cmd.Process.Kill()
		cmd.Wait()
		os.Remove(c.cfg.SocketPath)
		return fmt.Errorf("launch aborted: %w", domain.ErrTransportClosed)
	}
	c.cmd = cmd
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send serializes command with a fresh request id, writes it as one
// line-delimited JSON record and registers the pending entry. The
// returned handle resolves when a response with the same request_id is
// observed, or never if the channel closes first.
func (c *Controller) Send(command ...any) (*Pending, error) {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	c.nextID++
	id := c.nextID
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %d: %w", id, domain.ErrCorrelationCollision)
	}
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	line, err := json.Marshal(struct {
		Command   []any `json:"command"`
		RequestID int64 `json:"request_id"`
	}{Command: command, RequestID: id})
	if err != nil {
		c.abandon(id)
		return nil, err
	}

	if _, err := conn.Write(append(line, '\n')); err != nil {
		c.abandon(id)
		return nil, fmt.Errorf("write command: %w", err)
	}
	return &Pending{ID: id, ch: ch}, nil
}

// Shutdown terminates the player process forcibly and immediately.
// Still-pending requests are discarded without resolving. Safe to call
// multiple times. Returns ErrTeardownTimeout if the process does not
// exit within the teardown window.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.state == Closed || c.state == Idle {
		c.state = Closed
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	conn := c.conn
	cmd := c.cmd
	c.conn = nil
	c.cmd = nil
	c.pending = make(map[int64]chan json.RawMessage)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cmd == nil {
		return nil
	}

	cmd.Process.Kill()
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownWait):
		return fmt.Errorf("pid %d: %w", cmd.Process.Pid, domain.ErrTeardownTimeout)
	}

	os.Remove(c.cfg.SocketPath)
	slog.Info("player stopped", "binary", c.cfg.Binary)
	return nil
}

func (c *Controller) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop splits the inbound stream into lines and parses each one
// independently. A line that fails to parse is logged and skipped. A
// record with a pending request_id resolves exactly that entry; one
// with no request_id is an unsolicited event; anything else is ignored.
func (c *Controller) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var head struct {
			RequestID *int64 `json:"request_id"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			slog.Warn("malformed control line", "error", err)
			continue
		}
		record := json.RawMessage(append([]byte(nil), line...))

		if head.RequestID == nil {
			select {
			case c.events <- record:
			default:
				slog.Debug("event buffer full, dropping record")
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*head.RequestID]
		if ok {
			delete(c.pending, *head.RequestID)
		}
		c.mu.Unlock()

		if ok {
			ch <- record
		} else {
			slog.Debug("response without pending request", "requestId", *head.RequestID)
		}
	}

	// channel gone: whatever is still pending will never resolve
	c.mu.Lock()
	dropped := len(c.pending)
	c.pending = make(map[int64]chan json.RawMessage)
	c.mu.Unlock()
	if dropped > 0 {
		slog.Warn("control channel closed with pending requests", "dropped", dropped)
	}
}

// waitForGone waits, bounded by StaleTimeout, for a leftover socket from
// a previous run to disappear.
func (c *Controller) waitForGone(ctx context.Context) error {
	deadline := time.After(c.cfg.StaleTimeout)
	watch := watchDir(c.cfg.SocketPath)
	if watch != nil {
		defer watch.Close()
	}

	for {
		if _, err := os.Stat(c.cfg.SocketPath); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err := waitTick(ctx, deadline, watch); err != nil {
			return fmt.Errorf("stale control channel at %s: %w", c.cfg.SocketPath, err)
		}
	}
}

// waitForSocket waits, bounded by StartTimeout, for the freshly spawned
// player's socket to appear and accept a connection.
func (c *Controller) waitForSocket(ctx context.Context) (net.Conn, error) {
	deadline := time.After(c.cfg.StartTimeout)
	watch := watchDir(c.cfg.SocketPath)
	if watch != nil {
		defer watch.Close()
	}

	for {
		conn, err := net.DialTimeout("unix", c.cfg.SocketPath, time.Second)
		if err == nil {
			return conn, nil
		}
		if err := waitTick(ctx, deadline, watch); err != nil {
			return nil, fmt.Errorf("control channel at %s: %w", c.cfg.SocketPath, err)
		}
	}
}

// waitTick blocks until the next reason to re-check the socket: an
// fsnotify event in its directory, a poll tick, the deadline
// (ErrStartupTimeout) or ctx cancellation.
func waitTick(ctx context.Context, deadline <-chan time.Time, watch *fsnotify.Watcher) error {
	var events chan fsnotify.Event
	if watch != nil {
		events = watch.Events
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return domain.ErrStartupTimeout
	case <-events:
		return nil
	case <-time.After(socketPollInterval):
		return nil
	}
}

// watchDir returns a watcher on the socket's directory, or nil when one
// cannot be established; callers fall back to pure polling.
func watchDir(socketPath string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := w.Add(filepath.Dir(socketPath)); err != nil {
		w.Close()
		return nil
	}
	return w
}
