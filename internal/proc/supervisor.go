// Package proc owns agent child-process lifecycles: spawning, stdout/stderr
// byte streams, signal delivery, pooled reuse for resume-capable agents, and
// graceful shutdown of everything still tracked.
package proc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/sudocode-ai/sudocode/internal/ids"
)

// Mode selects how the child's terminal is wired.
type Mode string

const (
	// ModeLine runs the child with plain pipes. Sufficient for structured
	// agents that emit one JSON object per line.
	ModeLine Mode = "line"
	// ModePTY allocates a pseudo-terminal. Required for interactive agents.
	ModePTY Mode = "pty"
)

// Config describes one agent invocation.
type Config struct {
	Executable string
	Args       []string
	Env        []string
	WorkDir    string
	Mode       Mode
	// Stdin, when non-empty, is written to the child's stdin and then closed.
	Stdin string
	// Terminal dimensions, PTY mode only. Zero values use 24x80.
	Rows uint16
	Cols uint16
}

// Fingerprint identifies a config for pool reuse. Two configs with the same
// fingerprint launch interchangeable processes.
func (c Config) Fingerprint() string {
	h := sha256.New()
	io.WriteString(h, c.Executable)
	io.WriteString(h, "\x00")
	io.WriteString(h, strings.Join(c.Args, "\x00"))
	io.WriteString(h, "\x00")
	io.WriteString(h, strings.Join(c.Env, "\x00"))
	io.WriteString(h, "\x00")
	io.WriteString(h, c.WorkDir)
	io.WriteString(h, "\x00")
	io.WriteString(h, string(c.Mode))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// SpawnError is returned when the child process cannot be started.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Handle is a live (or exited) child process tracked by a Supervisor.
type Handle struct {
	ID  string
	cfg Config

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	ptmx   *os.File // non-nil in PTY mode

	spawnedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	exited       bool
	exitCode     int
	exitErr      error
	onExit       []func(code int, err error)
	released     bool

	exitCh chan struct{}
}

// Stdout returns the child's stdout byte stream. In PTY mode this is the
// terminal master and interleaves stderr.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the child's stderr byte stream. Empty in PTY mode.
func (h *Handle) Stderr() io.Reader { return h.stderr }

func (h *Handle) Config() Config { return h.cfg }

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) SpawnedAt() time.Time { return h.spawnedAt }

// TouchActivity records output activity; consumers call it as bytes arrive.
func (h *Handle) TouchActivity() {
	h.mu.Lock()
	h.lastActivity = time.Now().UTC()
	h.mu.Unlock()
}

func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// OnExit registers a callback invoked once after the process exits. If the
// process already exited the callback fires immediately.
func (h *Handle) OnExit(fn func(code int, err error)) {
	h.mu.Lock()
	if h.exited {
		code, err := h.exitCode, h.exitErr
		h.mu.Unlock()
		fn(code, err)
		return
	}
	h.onExit = append(h.onExit, fn)
	h.mu.Unlock()
}

// Exited reports whether the process has terminated, with its exit code.
func (h *Handle) Exited() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitCode
}

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.exitCh }

// Signal delivers sig to the child's process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	return killProcessGroup(h.cmd, sig)
}

// Kill terminates the child: SIGTERM, then SIGKILL after grace. Safe to call
// on an exited process.
func (h *Handle) Kill(grace time.Duration) {
	if done, _ := h.Exited(); done {
		return
	}
	_ = h.Signal(syscall.SIGTERM)
	if grace > 0 {
		select {
		case <-h.exitCh:
			return
		case <-time.After(grace):
		}
	}
	_ = h.Signal(syscall.SIGKILL)
}

func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.exitCode = code
	h.exitErr = err
	fns := h.onExit
	h.onExit = nil
	h.mu.Unlock()
	close(h.exitCh)
	for _, fn := range fns {
		fn(code, err)
	}
}

// Supervisor tracks every spawned process and owns the idle pool.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*Handle
	pool   map[string][]*Handle // fingerprint -> idle resume-capable handles
	closed bool
	grace  time.Duration
	logger *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithKillGrace sets the SIGTERM-to-SIGKILL grace period (default 5s).
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:  map[string]*Handle{},
		pool:   map[string][]*Handle{},
		grace:  5 * time.Second,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire returns a handle for cfg. A pooled process is reused only when
// resumable is true and a live handle with a matching fingerprint is idle;
// otherwise a fresh child is spawned.
func (s *Supervisor) Acquire(cfg Config, resumable bool) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SpawnError{Executable: cfg.Executable, Err: fmt.Errorf("supervisor is shut down")}
	}
	if resumable {
		fp := cfg.Fingerprint()
		idle := s.pool[fp]
		for len(idle) > 0 {
			h := idle[len(idle)-1]
			idle = idle[:len(idle)-1]
			if done, _ := h.Exited(); !done {
				s.pool[fp] = idle
				h.mu.Lock()
				h.released = false
				h.mu.Unlock()
				s.mu.Unlock()
				s.logger.Debug("proc: reused pooled process", "pid", h.PID(), "fingerprint", fp)
				return h, nil
			}
		}
		s.pool[fp] = nil
	}
	s.mu.Unlock()

	h, err := spawn(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.procs[h.ID] = h
	s.mu.Unlock()

	h.OnExit(func(code int, err error) {
		s.mu.Lock()
		delete(s.procs, h.ID)
		s.mu.Unlock()
		s.logger.Debug("proc: exited", "pid", h.PID(), "code", code)
	})
	s.logger.Debug("proc: spawned", "pid", h.PID(), "executable", cfg.Executable, "mode", string(cfg.Mode))
	return h, nil
}

// Release returns a handle to the pool when it is resume-capable and still
// alive, otherwise terminates it. Idempotent.
func (s *Supervisor) Release(h *Handle, resumable bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	exited, _ := h.Exited()
	if resumable && !exited {
		s.mu.Lock()
		if !s.closed {
			fp := h.cfg.Fingerprint()
			s.pool[fp] = append(s.pool[fp], h)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
	h.Kill(s.grace)
}

// Tracked returns the number of live tracked processes.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Shutdown terminates all tracked processes with SIGTERM, then SIGKILL after
// the grace period. Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.pool = map[string][]*Handle{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Kill(s.grace)
		}(h)
	}
	wg.Wait()
	s.logger.Info("proc: supervisor shut down", "terminated", len(handles))
}

func spawn(cfg Config) (*Handle, error) {
	if strings.TrimSpace(cfg.Executable) == "" {
		return nil, &SpawnError{Executable: cfg.Executable, Err: fmt.Errorf("executable is required")}
	}
	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	h := &Handle{
		ID:        ids.NewULID(),
		cfg:       cfg,
		cmd:       cmd,
		spawnedAt: time.Now().UTC(),
		exitCh:    make(chan struct{}),
	}
	h.lastActivity = h.spawnedAt

	switch cfg.Mode {
	case ModePTY:
		rows, cols := cfg.Rows, cfg.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 80
		}
		// pty.StartWithSize puts the child in its own session, so the
		// process-group kill below still reaches it.
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err != nil {
			return nil, &SpawnError{Executable: cfg.Executable, Err: err}
		}
		h.ptmx = ptmx
		h.stdout = ptmx
		h.stderr = io.NopCloser(strings.NewReader(""))
		if cfg.Stdin != "" {
			go func() {
				_, _ = io.WriteString(ptmx, cfg.Stdin)
			}()
		}
	default:
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if cfg.Stdin != "" {
			cmd.Stdin = strings.NewReader(cfg.Stdin)
		} else {
			// Avoid interactive reads if the CLI tries stdin for confirmations.
			cmd.Stdin = strings.NewReader("")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, &SpawnError{Executable: cfg.Executable, Err: err}
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, &SpawnError{Executable: cfg.Executable, Err: err}
		}
		h.stdout = stdout
		h.stderr = stderr
		if err := cmd.Start(); err != nil {
			return nil, &SpawnError{Executable: cfg.Executable, Err: err}
		}
	}

	go func() {
		err := cmd.Wait()
		if h.ptmx != nil {
			_ = h.ptmx.Close()
		}
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err == nil {
			h.finish(code, nil)
			return
		}
		h.finish(code, err)
	}()
	return h, nil
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
