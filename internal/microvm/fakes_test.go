package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/vessel/internal/fcclient"
	"github.com/cochaviz/vessel/internal/netpool"
	"github.com/cochaviz/vessel/internal/spawn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOverlayPool struct {
	mu       sync.Mutex
	next     int
	leased   map[string]bool
	released []string
	err      error
}

func newFakeOverlayPool() *fakeOverlayPool {
	return &fakeOverlayPool{leased: make(map[string]bool)}
}

func (p *fakeOverlayPool) Acquire(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.next++
	path := fmt.Sprintf("/pool/ov-%d.ext4", p.next)
	p.leased[path] = true
	return path, nil
}

func (p *fakeOverlayPool) Release(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leased[path] {
		return fmt.Errorf("overlay %s not leased", path)
	}
	delete(p.leased, path)
	p.released = append(p.released, path)
	return nil
}

func (p *fakeOverlayPool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

type fakeNamespacePool struct {
	mu         sync.Mutex
	free       []netpool.Namespace
	leased     map[string]bool
	err        error
	releaseErr error
	acquires   int
}

func newFakeNamespacePool(size int) *fakeNamespacePool {
	p := &fakeNamespacePool{leased: make(map[string]bool)}
	for i := 0; i < size; i++ {
		p.free = append(p.free, netpool.Namespace{
			Name:         fmt.Sprintf("vsl-%d", i),
			Index:        i,
			GuestIP:      "172.16.0.2",
			TapIP:        "172.16.0.1",
			TapName:      "tap0",
			TapPrefixLen: 30,
			HostIP:       fmt.Sprintf("10.200.0.%d", 4*i+2),
			GatewayIP:    fmt.Sprintf("10.200.0.%d", 4*i+1),
		})
	}
	return p
}

func (p *fakeNamespacePool) Acquire(context.Context) (netpool.Namespace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.err != nil {
		return netpool.Namespace{}, p.err
	}
	if len(p.free) == 0 {
		return netpool.Namespace{}, netpool.ErrExhausted
	}
	ns := p.free[0]
	p.free = p.free[1:]
	p.leased[ns.Name] = true
	return ns, nil
}

func (p *fakeNamespacePool) Release(ns netpool.Namespace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leased[ns.Name] {
		return netpool.ErrUnknown
	}
	delete(p.leased, ns.Name)
	p.free = append(p.free, ns)
	return p.releaseErr
}

func (p *fakeNamespacePool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

type fakeProcess struct {
	pid    int
	done   chan struct{}
	lines  chan spawn.LineEvent
	once   sync.Once
	status spawn.ExitStatus
	kills  atomic.Int32

	// ignoreKill keeps the process alive through Kill.
	ignoreKill bool
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{
		pid:   pid,
		done:  make(chan struct{}),
		lines: make(chan spawn.LineEvent, 4),
	}
	return p
}

func (p *fakeProcess) exit(status spawn.ExitStatus) {
	p.once.Do(func() {
		p.status = status
		close(p.done)
		p.lines <- spawn.LineEvent{Closed: true}
		close(p.lines)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.kills.Add(1)
	if !p.ignoreKill {
		p.exit(spawn.ExitStatus{Code: -1, Signal: "killed"})
	}
	return nil
}

func (p *fakeProcess) Kill() error { return p.Signal(os.Kill) }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() spawn.ExitStatus { return p.status }

func (p *fakeProcess) Lines() <-chan spawn.LineEvent { return p.lines }

type fakeSpawner struct {
	mu       sync.Mutex
	requests []spawn.Request
	procs    []*fakeProcess
	err      error

	// onStart customises each process before it is returned.
	onStart func(*fakeProcess)
}

func (s *fakeSpawner) Start(_ context.Context, req spawn.Request) (spawn.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	proc := newFakeProcess(1000 + len(s.procs))
	if s.onStart != nil {
		s.onStart(proc)
	}
	s.procs = append(s.procs, proc)
	return proc, nil
}

func (s *fakeSpawner) lastRequest() spawn.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type fakeControl struct {
	mu       sync.Mutex
	socket   string
	readyErr error
	loadErr  error
	loads    []fcclient.LoadRequest

	// blockReady makes WaitForReady wait for its context.
	blockReady bool
}

func (c *fakeControl) WaitForReady(ctx context.Context) error {
	if c.blockReady {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.readyErr
}

func (c *fakeControl) LoadSnapshot(_ context.Context, req fcclient.LoadRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads = append(c.loads, req)
	return c.loadErr
}

func (c *fakeControl) factory() func(string, *slog.Logger) ControlClient {
	return func(socket string, _ *slog.Logger) ControlClient {
		c.mu.Lock()
		c.socket = socket
		c.mu.Unlock()
		return c
	}
}

var errBoom = errors.New("boom")
