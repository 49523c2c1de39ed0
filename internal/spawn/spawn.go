// Package spawn starts hypervisor processes inside a network namespace, as a
// given user, optionally behind private bind mounts.
//
// Processes that need bind mounts are started through a helper: the running
// binary is re-executed in a fresh mount namespace, performs the mounts while
// still privileged, drops to the target identity and execs the hypervisor.
// Binaries using this package must call Init first thing in main.
package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/cochaviz/vessel/internal/logging"
)

// Bind describes a bind mount performed before the hypervisor starts.
type Bind struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Request describes a process to start.
type Request struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string

	// Netns is the name of the network namespace to start in. Empty keeps
	// the caller's namespace.
	Netns string
	// Identity is the user the process runs as. Nil keeps the caller's.
	Identity *Identity
	// Binds are applied in a private mount namespace, in order.
	Binds []Bind
}

func (r Request) validate() error {
	if r.Binary == "" {
		return errors.New("binary is required")
	}
	for _, b := range r.Binds {
		if b.Source == "" || b.Target == "" {
			return fmt.Errorf("bind %q -> %q needs source and target", b.Source, b.Target)
		}
	}
	return nil
}

// Process is a started process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus
	// Lines delivers output lines followed by one event with Closed set.
	// Consumers must drain it.
	Lines() <-chan LineEvent
}

// Spawner starts processes.
type Spawner interface {
	Start(ctx context.Context, req Request) (Process, error)
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "signal " + s.Signal
	case s.Err != nil:
		return s.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Exec starts processes with os/exec.
type Exec struct {
	// HelperPath is the binary re-executed as spawn helper. Defaults to
	// /proc/self/exe.
	HelperPath string
	// LineBuffer bounds the output event queue. Defaults to 256.
	LineBuffer int
	Logger     *slog.Logger
}

const (
	defaultHelperPath = "/proc/self/exe"
	defaultLineBuffer = 256
)

// Start launches req. The returned process is independent of ctx.
func (e *Exec) Start(ctx context.Context, req Request) (Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := logging.Ensure(e.Logger).With(logging.ComponentKey, "spawn", "binary", req.Binary, "netns", req.Netns)

	cmd, err := e.command(req)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := enterNetns(req.Netns, cmd.Start); err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		return nil, fmt.Errorf("start %s: %w", req.Binary, err)
	}
	logger.Debug("process started", "pid", cmd.Process.Pid, "args", strings.Join(req.Args, " "), "binds", len(req.Binds))

	buffer := e.LineBuffer
	if buffer <= 0 {
		buffer = defaultLineBuffer
	}
	return newExecProcess(cmd, stdout, stderr, buffer), nil
}

func (e *Exec) command(req Request) (*exec.Cmd, error) {
	env := req.Env
	if env == nil {
		env = os.Environ()
	}
	binary, err := exec.LookPath(req.Binary)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", req.Binary, err)
	}

	if len(req.Binds) == 0 {
		cmd := exec.Command(binary, req.Args...)
		cmd.Dir = req.Dir
		cmd.Env = env
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:    true,
			Credential: req.Identity.credential(),
		}
		return cmd, nil
	}

	p := plan{
		Binary: binary,
		Args:   req.Args,
		Dir:    req.Dir,
		Binds:  req.Binds,
	}
	if cred := req.Identity.credential(); cred != nil {
		p.SwitchUser = true
		p.UID = int(cred.Uid)
		p.GID = int(cred.Gid)
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode spawn plan: %w", err)
	}

	helper := e.HelperPath
	if helper == "" {
		helper = defaultHelperPath
	}
	cmd := &exec.Cmd{
		Path: helper,
		Args: []string{HelperName},
		Env:  append(append([]string(nil), env...), planEnv+"="+string(encoded)),
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid:      true,
			Unshareflags: syscall.CLONE_NEWNS,
		},
	}
	return cmd, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	lines  *lineStream
	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
}

func newExecProcess(cmd *exec.Cmd, stdout, stderr io.Reader, buffer int) *execProcess {
	p := &execProcess{
		cmd:   cmd,
		lines: newLineStream(buffer),
		done:  make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		p.lines.pump(Stdout, stdout)
	}()
	go func() {
		defer pumps.Done()
		p.lines.pump(Stderr, stderr)
	}()

	go func() {
		// pipes must be drained before Wait closes them
		pumps.Wait()
		status := exitStatus(cmd.Wait(), cmd.ProcessState)
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		close(p.done)
		p.lines.close()
	}()
	return p
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *execProcess) Lines() <-chan LineEvent {
	return p.lines.events
}

func exitStatus(waitErr error, state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: state.ExitCode()}
}
