// Package supervisor owns the single supervised child: it spawns it with
// piped stdio, watches for its exit with a bounded poll, and kills or
// restarts it on request.
package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/logger"
)

// DefaultPollInterval bounds how long the monitor waits before checking the
// child's exit status, and therefore how late it can notice a kill request.
const DefaultPollInterval = 2 * time.Second

// signalTree is replaced in tests to observe kill attempts.
var signalTree = killTree

// StartupError reports a spawn failure nothing downstream can recover from,
// such as a missing runtime or working directory.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string { return fmt.Sprintf("startup: %s: %v", e.Op, e.Err) }
func (e *StartupError) Unwrap() error { return e.Err }

// Streams are the read ends of the child's stdout and stderr. Whoever
// consumes them is responsible for closing them.
type Streams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	PID    int
}

type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Supervisor is one spawned child and its monitor goroutine. A Supervisor is
// single-use: Restart tears it down and returns a new one.
type Supervisor struct {
	spec Spec
	opts Options
	log  *slog.Logger

	cmd     *exec.Cmd
	pid     int
	streams Streams
	stdin   io.WriteCloser

	stopped atomic.Bool
	exitErr error         // written before exited is closed
	exited  chan struct{} // closed when cmd.Wait returns

	killOnce sync.Once
	killCh   chan struct{}
	done     chan struct{} // closed when the monitor returns
}

// Start spawns spec in spec.WorkDir and starts its monitor.
func Start(spec Spec, opts Options) (*Supervisor, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s := &Supervisor{
		spec:   spec,
		opts:   opts,
		log:    opts.Logger.With(logger.ComponentKey, "supervisor"),
		exited: make(chan struct{}),
		killCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.spawn(); err != nil {
		return nil, err
	}
	go s.wait()
	go s.monitor()
	return s, nil
}

func (s *Supervisor) spawn() error {
	cmd, err := s.spec.BuildCommand()
	if err != nil {
		return &StartupError{Op: "build command", Err: err}
	}
	// exec.Command records a failed PATH lookup in cmd.Err.
	if cmd.Err != nil {
		return &StartupError{Op: "lookup " + cmd.Args[0], Err: cmd.Err}
	}
	if s.spec.WorkDir != "" {
		st, err := os.Stat(s.spec.WorkDir)
		if err != nil {
			return &StartupError{Op: "working directory", Err: err}
		}
		if !st.IsDir() {
			return &StartupError{Op: "working directory", Err: fmt.Errorf("%s is not a directory", s.spec.WorkDir)}
		}
		cmd.Dir = s.spec.WorkDir
	}
	if len(s.spec.Env) > 0 {
		cmd.Env = env.ForChild(s.spec.Env)
	}
	configureSysProcAttr(cmd)

	// Real pipes instead of cmd.StdoutPipe: cmd.Wait must not close the read
	// ends while the log manager is still draining a crash trace.
	p, err := newPipes()
	if err != nil {
		return &StartupError{Op: "pipes", Err: err}
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = p.inR, p.outW, p.errW
	if err := cmd.Start(); err != nil {
		p.closeAll()
		return &StartupError{Op: "start " + cmd.Path, Err: err}
	}
	p.closeChildEnds()

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.stdin = p.inW
	s.streams = Streams{Stdout: p.outR, Stderr: p.errR, PID: s.pid}
	s.log.Info("Acquired PID", "pid", s.pid, "command", s.spec.Command, "dir", s.spec.WorkDir)
	return nil
}

func (s *Supervisor) wait() {
	s.exitErr = s.cmd.Wait()
	close(s.exited)
}

// monitor waits at most PollInterval per cycle for a kill request, then
// checks whether the child exited on its own.
func (s *Supervisor) monitor() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.killCh:
			select {
			case <-s.exited:
				// Reaped already: the pid and its group may have been reused.
				s.log.Info("Child Already Exited", "pid", s.pid, "exit", exitString(s.exitErr))
				return
			default:
			}
			s.log.Info("Attempting To Kill Child", "pid", s.pid)
			signalTree(s.pid)
			<-s.exited
			s.log.Info("Child Successfully Killed", "pid", s.pid)
			return
		case <-ticker.C:
			select {
			case <-s.exited:
				s.stopped.Store(true)
				s.log.Warn("Child Stopped", "pid", s.pid, "exit", exitString(s.exitErr))
				return
			default:
			}
		}
	}
}

// PID returns the child's process id.
func (s *Supervisor) PID() int { return s.pid }

// Streams returns the child's output handles.
func (s *Supervisor) Streams() Streams { return s.streams }

// Spec returns the spec the child was started from.
func (s *Supervisor) Spec() Spec { return s.spec }

// Stopped reports whether the monitor observed the child exit on its own.
// It stays false for a child ended by Kill.
func (s *Supervisor) Stopped() bool { return s.stopped.Load() }

// ExitErr returns the result of cmd.Wait once the child has exited.
func (s *Supervisor) ExitErr() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

// Kill asks the monitor to force-kill the child and blocks until the child
// has been reaped and the monitor returned. Calling it again, or after the
// child exited by itself, sends no signal.
func (s *Supervisor) Kill() {
	s.killOnce.Do(func() { close(s.killCh) })
	<-s.done
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
}

// ForceKill sends SIGKILL to the child's tree without waiting. It is meant
// for panic and signal paths where joining the monitor is not an option.
func (s *Supervisor) ForceKill() {
	select {
	case <-s.exited:
	default:
		signalTree(s.pid)
	}
}

// Restart kills this child and spawns a fresh one with the same spec.
// The receiver must not be used afterwards.
func (s *Supervisor) Restart() (*Supervisor, error) {
	s.Kill()
	return Start(s.spec, s.opts)
}

func exitString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

type pipes struct {
	inR, inW   *os.File
	outR, outW *os.File
	errR, errW *os.File
}

func newPipes() (*pipes, error) {
	p := &pipes{}
	var err error
	if p.inR, p.inW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if p.outR, p.outW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if p.errR, p.errW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	return p, nil
}

func (p *pipes) closeChildEnds() {
	for _, f := range []*os.File{p.inR, p.outW, p.errW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *pipes) closeAll() {
	p.closeChildEnds()
	for _, f := range []*os.File{p.inW, p.outR, p.errR} {
		if f != nil {
			_ = f.Close()
		}
	}
}
