// Package ptyproc owns PTY-backed shell process lifecycle: spawning,
// resizing, signaling, and reaping. The pump loops that shuttle bytes
// between a PTY and its WebSocket live in internal/termgateway; this package
// only owns the process side.
package ptyproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"termgateway/internal/ids"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
)

var log = logger.WithComponent("PTYPROC")

const (
	// DefaultCols and DefaultRows match the terminal size assumed before a
	// client's first resize frame arrives.
	DefaultCols = 80
	DefaultRows = 24
)

// Limits bounds the host resources a spawned shell (and its descendants)
// may consume, applied to the child via prlimit(2) once it has been
// started. Zero fields leave the corresponding limit unset.
type Limits struct {
	// MaxProcesses caps the number of processes/threads the shell's user
	// may have live at once (RLIMIT_NPROC), the fork-bomb backstop
	// config.Session.MaxProcesses maps onto.
	MaxProcesses uint64
}

// SpawnOptions describes the shell process a session starts.
type SpawnOptions struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Cols  int
	Rows  int

	// Credential, when non-nil, runs the shell under a different uid/gid.
	Credential *syscall.Credential

	// Limits bounds the resources the spawned process may consume.
	Limits Limits
}

// Handle is a live PTY-backed process. All methods are safe for concurrent
// use.
type Handle struct {
	id        ids.ProcessId
	cmd       *exec.Cmd
	ptmx      *os.File
	startedAt time.Time

	mu       sync.Mutex
	exited   bool
	exitCode int

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// ID returns the process's internal identifier.
func (h *Handle) ID() ids.ProcessId { return h.id }

// Pid returns the OS process id of the spawned shell.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Reader returns the PTY's read side (shell stdout+stderr, interleaved).
func (h *Handle) Reader() io.Reader { return h.ptmx }

// Writer returns the PTY's write side (shell stdin).
func (h *Handle) Writer() io.Writer { return h.ptmx }

// MaxCols and MaxRows bound the window size a client may request; rejecting
// outsized values keeps a misbehaving client from requesting an absurd
// allocation from the host tty layer.
const (
	MaxCols = 500
	MaxRows = 200
)

// Resize updates the PTY's terminal dimensions.
func (h *Handle) Resize(cols, rows int) error {
	if cols < 1 || cols > MaxCols || rows < 1 || rows > MaxRows {
		return fmt.Errorf("ptyproc: invalid dimensions %dx%d", cols, rows)
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Signal delivers sig to the shell's entire process group, so that
// descendants spawned by the shell (e.g. a long-running foreground command)
// are reached as well, not just the shell itself.
func (h *Handle) Signal(sig syscall.Signal) error {
	pid := h.Pid()
	if pid == 0 {
		return fmt.Errorf("ptyproc: process not started")
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// Kill forcibly terminates the process group.
func (h *Handle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// IsAlive reports whether the process has not yet exited.
func (h *Handle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// ExitCode returns the process's exit code, valid only after Wait returns.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Wait blocks until the process exits, then closes the PTY. Safe to call
// from multiple goroutines; all callers observe the same result.
func (h *Handle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		h.mu.Lock()
		h.exited = true
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
				h.waitErr = err
			}
		}
		h.mu.Unlock()
		h.ptmx.Close()
		close(h.done)
	})
	<-h.done
	return h.exitCode, h.waitErr
}

// Done returns a channel closed once the process has exited and Wait has
// recorded its result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Manager tracks every live PTY process so the gateway can enumerate,
// reap, and bulk-terminate them at shutdown.
type Manager struct {
	mu      sync.Mutex
	handles map[ids.ProcessId]*Handle

	// Metrics, when set, tracks how many processes are currently live.
	Metrics *metrics.Collectors
}

// NewManager returns an empty process manager.
func NewManager() *Manager {
	return &Manager{handles: make(map[ids.ProcessId]*Handle)}
}

func (m *Manager) reportCountLocked() {
	if m.Metrics != nil {
		m.Metrics.ActiveProcesses.Set(float64(len(m.handles)))
	}
}

// Spawn starts a new PTY-backed shell process and begins tracking it.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.CommandContext(ctx, shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if opts.Credential != nil {
		cmd.SysProcAttr.Credential = opts.Credential
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: spawn %s: %w", shell, err)
	}

	h := &Handle{
		id:        ids.NewProcessId(),
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	applyLimits(h.Pid(), opts.Limits)

	m.mu.Lock()
	m.handles[h.id] = h
	m.reportCountLocked()
	m.mu.Unlock()

	// One background task per handle scrapes the child-exit notification so
	// Done() transitions without any reader/writer having to drive cmd.Wait
	// itself; Wait() is safe to call again afterward since waitOnce already
	// recorded the result.
	go h.Wait()

	log.Debug("process spawned | id=%s pid=%d dir=%s", h.id, h.Pid(), opts.Dir)
	return h, nil
}

// applyLimits sets the resource limits requested in opts.Limits on the
// already-started child identified by pid, via prlimit(2) rather than a
// setrlimit call in the gateway process itself — the gateway's own process
// must keep whatever limits its operator configured, only the spawned
// shell's are bounded. Best-effort: a host that doesn't support prlimit (or
// a race where the child has already exited) just logs and leaves the
// process unbounded rather than failing the spawn.
func applyLimits(pid int, limits Limits) {
	if limits.MaxProcesses == 0 || pid == 0 {
		return
	}
	if runtime.GOOS != "linux" {
		log.Debug("process limits unsupported on %s, skipping | pid=%d", runtime.GOOS, pid)
		return
	}
	rlimit := &unix.Rlimit{Cur: limits.MaxProcesses, Max: limits.MaxProcesses}
	if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, rlimit, nil); err != nil {
		log.Warn("failed to apply RLIMIT_NPROC | pid=%d limit=%d err=%v", pid, limits.MaxProcesses, err)
	}
}

// Get looks up a tracked process by id.
func (m *Manager) Get(id ids.ProcessId) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Remove stops tracking a process. It does not signal or wait on it; callers
// are expected to have already done so (typically via Wait's Done channel).
func (m *Manager) Remove(id ids.ProcessId) {
	m.mu.Lock()
	delete(m.handles, id)
	m.reportCountLocked()
	m.mu.Unlock()
}

// Count returns the number of tracked processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// ReapDead removes and returns the ids of processes that have already
// exited, for a reaper loop to log and clean up session state against.
func (m *Manager) ReapDead() []ids.ProcessId {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []ids.ProcessId
	for id, h := range m.handles {
		if !h.IsAlive() {
			dead = append(dead, id)
			delete(m.handles, id)
		}
	}
	if len(dead) > 0 {
		m.reportCountLocked()
	}
	return dead
}

// Shutdown signals every tracked process to terminate and waits up to grace
// for them to exit, force-killing any stragglers afterward.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Signal(syscall.SIGTERM); err != nil {
			log.Debug("shutdown signal failed | id=%s err=%v", h.id, err)
		}
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	expired := false
	for _, h := range handles {
		if expired {
			select {
			case <-h.Done():
			default:
				h.Kill()
			}
			continue
		}
		select {
		case <-h.Done():
		case <-deadline.C:
			expired = true
			h.Kill()
		}
	}
}
