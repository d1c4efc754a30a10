package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
)

// fakePlayer listens on the controller's socket path and answers the
// line protocol, standing in for the external player process. The
// controller still spawns a real (trivial) process; only the control
// channel is faked.
type fakePlayer struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
	lines chan map[string]any
}

func startFakePlayer(t *testing.T, socketPath string) *fakePlayer {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	f := &fakePlayer{ln: ln, lines: make(chan map[string]any, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns = append(f.conns, conn)
			f.mu.Unlock()
			go f.readConn(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakePlayer) readConn(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
			f.lines <- req
		}
	}
}

func (f *fakePlayer) write(t *testing.T, line string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.conns)
	_, err := f.conns[len(f.conns)-1].Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (f *fakePlayer) nextRequest(t *testing.T) map[string]any {
	t.Helper()
	select {
	case req := <-f.lines:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request observed on the control channel")
		return nil
	}
}

func newController(path string) *Controller {
	return New(Config{
		Binary:       "true", // the control channel is faked; any spawnable binary works
		SocketPath:   path,
		StartTimeout: 3 * time.Second,
		StaleTimeout: 500 * time.Millisecond,
	})
}

func sockPath(t *testing.T) string {
	t.Helper()
	// keep the path short: unix socket paths are length-limited
	return filepath.Join(t.TempDir(), "p.sock")
}

func launched(t *testing.T, path string) (*Controller, *fakePlayer) {
	t.Helper()
	fake := startFakePlayer(t, path)
	c := newController(path)
	require.NoError(t, c.Launch(context.Background()))
	require.Equal(t, Connected, c.State())
	t.Cleanup(func() { c.Shutdown() })
	return c, fake
}

func TestLaunch_ConnectsToFreshSocket(t *testing.T) {
	path := sockPath(t)

	// socket appears shortly after spawn, as with a real player
	go func() {
		time.Sleep(200 * time.Millisecond)
		startFakePlayer(t, path)
	}()

	c := newController(path)
	require.NoError(t, c.Launch(context.Background()))
	t.Cleanup(func() { c.Shutdown() })
	assert.Equal(t, Connected, c.State())

	err := c.Launch(context.Background())
	assert.Error(t, err, "second launch while connected must be refused")
}

func TestLaunch_StaleSocketNeverVanishes(t *testing.T) {
	path := sockPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	c := newController(path)
	err := c.Launch(context.Background())
	require.ErrorIs(t, err, domain.ErrStartupTimeout)
	assert.Equal(t, Idle, c.State())
}

func TestLaunch_WaitsOutStaleSocket(t *testing.T) {
	path := sockPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	go func() {
		time.Sleep(150 * time.Millisecond)
		os.Remove(path)
		startFakePlayer(t, path)
	}()

	c := newController(path)
	require.NoError(t, c.Launch(context.Background()))
	t.Cleanup(func() { c.Shutdown() })
	assert.Equal(t, Connected, c.State())
}

func TestLaunch_StartupTimeout(t *testing.T) {
	path := sockPath(t)

	c := New(Config{
		Binary:       "true",
		SocketPath:   path,
		StartTimeout: 300 * time.Millisecond,
	})
	err := c.Launch(context.Background())
	require.ErrorIs(t, err, domain.ErrStartupTimeout)
	assert.Equal(t, Idle, c.State())
}

func TestShutdown_DuringLaunch(t *testing.T) {
	path := sockPath(t)

	// socket appears only after Shutdown has already been called
	go func() {
		time.Sleep(250 * time.Millisecond)
		startFakePlayer(t, path)
	}()

	c := newController(path)
	launchErr := make(chan error, 1)
	go func() { launchErr <- c.Launch(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == Launching
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, c.Shutdown())

	select {
	case err := <-launchErr:
		require.Error(t, err, "a launch overtaken by shutdown must not succeed")
	case <-time.After(3 * time.Second):
		t.Fatal("launch never returned")
	}

	// the controller stays closed; no live process was handed over
	assert.Equal(t, Closed, c.State())
	_, err := c.Send("get_property", "pause")
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestSend_Correlation(t *testing.T) {
	path := sockPath(t)
	c, fake := launched(t, path)

	p1, err := c.Send("get_property", "time-pos")
	require.NoError(t, err)
	p2, err := c.Send("get_property", "pause")
	require.NoError(t, err)
	require.NotEqual(t, p1.ID, p2.ID, "request ids unique among in-flight requests")

	req := fake.nextRequest(t)
	assert.Equal(t, []any{"get_property", "time-pos"}, req["command"])
	fake.nextRequest(t)

	// respond out of order: the second request resolves first
	fake.write(t, `{"request_id":2,"error":"success","data":false}`)
	fake.write(t, `{"request_id":1,"error":"success","data":12.5}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp2, err := p2.Wait(ctx)
	require.NoError(t, err)
	var r2 struct {
		RequestID int64 `json:"request_id"`
		Data      any   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp2, &r2))
	assert.Equal(t, p2.ID, r2.RequestID)

	resp1, err := p1.Wait(ctx)
	require.NoError(t, err)
	var r1 struct {
		Data float64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp1, &r1))
	assert.Equal(t, 12.5, r1.Data)
}

func TestReadLoop_UnmatchedAndMalformed(t *testing.T) {
	path := sockPath(t)
	c, fake := launched(t, path)

	p, err := c.Send("get_property", "time-pos")
	require.NoError(t, err)
	fake.nextRequest(t)

	// none of these may resolve or kill the stream
	fake.write(t, `not json at all`)
	fake.write(t, `{"request_id":999,"error":"success"}`)
	fake.write(t, `{"event":"pause"}`)

	select {
	case ev := <-c.Events():
		var e struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(ev, &e))
		assert.Equal(t, "pause", e.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("unsolicited event never delivered")
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = p.Wait(shortCtx)
	assert.Error(t, err, "unmatched response must not resolve a different request")

	// the stream survived: a correct response still resolves
	fake.write(t, `{"request_id":1,"error":"success","data":3.0}`)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	_, err = p.Wait(ctx)
	assert.NoError(t, err)
}

func TestSend_NotConnected(t *testing.T) {
	c := newController(sockPath(t))
	_, err := c.Send("get_property", "pause")
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestShutdown_AbandonsPending(t *testing.T) {
	path := sockPath(t)
	c, fake := launched(t, path)

	p, err := c.Send("get_property", "time-pos")
	require.NoError(t, err)
	fake.nextRequest(t)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, Closed, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.Error(t, err, "no pending handle resolves after shutdown")

	// idempotent
	require.NoError(t, c.Shutdown())

	_, err = c.Send("quit")
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}
