// Package watchdog runs the supervision loop: it keeps one child alive,
// routes its output into the log manager, restarts it on schedule, on crash
// or on request, and clears the status file when crashes come too fast.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/crashloop"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/logfile"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/schedule"
	"github.com/loykin/warden/internal/snapshot"
	"github.com/loykin/warden/internal/supervisor"
)

// LockFileName is created in the log directory to keep a second watchdog
// from writing the same log.
const LockFileName = "warden.lock"

// ErrAlreadyRunning is returned when another watchdog holds the lock.
var ErrAlreadyRunning = errors.New("another warden is already running for this log directory")

// Deps are the watchdog's outer collaborators. Zero values fall back to
// the process stdio, a discarding logger, no history and the wall clock.
type Deps struct {
	Input   io.Reader
	Console io.Writer
	Logger  *slog.Logger
	History history.Sink
	Now     func() time.Time
}

type Watchdog struct {
	cfg     *config.Config
	deps    Deps
	log     *slog.Logger
	rec     *history.Recorder
	spec    supervisor.Spec
	supOpts supervisor.Options
	logOpts logfile.Options

	breaker *crashloop.Breaker
	daily   *schedule.Daily
	lock    *flock.Flock

	// owned by the Run goroutine
	sup      *supervisor.Supervisor
	logs     *logfile.Manager
	input    *console.Reader
	lastTick time.Time
}

// New validates cfg and prepares a watchdog. Nothing is spawned until Run.
func New(cfg *config.Config, deps Deps) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Input == nil {
		deps.Input = os.Stdin
	}
	if deps.Console == nil {
		deps.Console = os.Stdout
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	daily, err := schedule.NewDaily(cfg.RestartTime, deps.Now())
	if err != nil {
		return nil, err
	}

	log := deps.Logger.With(logger.ComponentKey, "watchdog")
	return &Watchdog{
		cfg:  cfg,
		deps: deps,
		log:  log,
		rec:  history.NewRecorder(deps.History, deps.Logger),
		spec: supervisor.Spec{Command: cfg.Command, WorkDir: cfg.ServerFolder, Env: cfg.Env},
		supOpts: supervisor.Options{
			PollInterval: cfg.MonitorPoll(),
			Logger:       deps.Logger,
		},
		logOpts: logfile.Options{
			Dir:             cfg.LogDir,
			MaxFileSize:     cfg.MaxFileSize,
			CrashDrainDelay: cfg.CrashDrainDelay(),
			Console:         deps.Console,
			Logger:          deps.Logger,
			Now:             deps.Now,
		},
		breaker: crashloop.New(cfg.MaxCrashCount, cfg.CrashWindow()),
		daily:   daily,
	}, nil
}

// RunID identifies this run in the history journal.
func (w *Watchdog) RunID() string { return w.rec.RunID() }

// Run starts the child and loops until an exit command, a failed crash-loop
// reset, a restart failure or ctx cancellation. Every path out of Run kills
// the child; a panic force-kills it before propagating.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.start(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if w.sup != nil {
				w.sup.ForceKill()
			}
			panic(r)
		}
	}()

	w.log.Info("watching child", "pid", w.sup.PID(), "restart_time", w.daily.String(), "next_restart", w.daily.Next().Format(time.DateTime))
	ticker := time.NewTicker(w.cfg.TickInterval())
	defer ticker.Stop()
	for {
		done, err := w.tick(ctx)
		if err != nil {
			w.shutdown(ctx, "error: "+err.Error())
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			w.log.Info("shutdown requested", "reason", context.Cause(ctx))
			w.shutdown(ctx, "signal")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.LogDir, 0o755); err != nil {
		return &supervisor.StartupError{Op: "log directory", Err: err}
	}
	w.lock = flock.New(filepath.Join(w.cfg.LogDir, LockFileName))
	locked, err := w.lock.TryLock()
	if err != nil {
		return &supervisor.StartupError{Op: "instance lock", Err: err}
	}
	if !locked {
		return &supervisor.StartupError{Op: "instance lock", Err: ErrAlreadyRunning}
	}

	sup, err := supervisor.Start(w.spec, w.supOpts)
	if err != nil {
		_ = w.lock.Unlock()
		return err
	}
	logs, err := logfile.Open(streamsOf(sup), w.logOpts)
	if err != nil {
		sup.Kill()
		_ = w.lock.Unlock()
		return &supervisor.StartupError{Op: "open log", Err: err}
	}
	w.sup, w.logs = sup, logs
	w.input = console.NewReader(w.deps.Input, w.deps.Logger)
	w.lastTick = w.deps.Now()
	w.rec.Record(ctx, history.EventSpawn, sup.PID(), w.spec.Command)
	return nil
}

// tick runs one iteration of the loop. done is true once the watchdog has
// shut down on an exit command.
func (w *Watchdog) tick(ctx context.Context) (done bool, err error) {
	now := w.deps.Now()
	elapsed := now.Sub(w.lastTick)
	w.lastTick = now

	cmd := w.input.Poll()
	scheduled := w.daily.Due(now)
	stopped := w.sup.Stopped()
	tripped := w.breaker.Update(elapsed, stopped)
	if stopped {
		w.log.Warn("child exited on its own", "pid", w.sup.PID(), "exit", fmt.Sprint(w.sup.ExitErr()), "crashes", w.breaker.Count())
		w.logs.ReportCrash()
		w.rec.Record(ctx, history.EventExit, w.sup.PID(), fmt.Sprint(w.sup.ExitErr()))
	}

	recovered := false
	if tripped {
		w.log.Error("crash loop detected, resetting status file",
			"crashes", w.breaker.Count(), "window", w.cfg.CrashWindow(), "file", w.cfg.GlobalDataFile)
		if err := snapshot.Reset(w.cfg.GlobalDataFile); err != nil {
			w.log.Error("status reset failed, shutting down", "error", err)
			w.rec.Record(ctx, history.EventCrashLoop, w.sup.PID(), "reset failed: "+err.Error())
			cmd = console.Exit
		} else {
			w.breaker.Reset()
			recovered = true
			w.rec.Record(ctx, history.EventCrashLoop, w.sup.PID(), "status reset")
		}
	}

	if cmd != console.Exit {
		switch {
		case stopped && recovered:
			err = w.restart(ctx, CrashLoopRecovery)
		case stopped:
			err = w.restart(ctx, SpontaneousCrash)
		case scheduled:
			err = w.restart(ctx, Scheduled)
		}
		if err != nil {
			return false, err
		}
	}

	switch cmd {
	case console.Restart:
		if err := w.restart(ctx, UserRequested); err != nil {
			return false, err
		}
	case console.ListServers:
		w.listServers()
	case console.Exit:
		w.shutdown(ctx, "exit command")
		return true, nil
	case console.Help:
		console.PrintUsage(w.deps.Console)
	case console.Invalid:
		w.log.Warn("invalid command, type help for the list of commands")
	case console.None:
	}
	return false, nil
}

// restart replaces the child. A scheduled restart rotates the log; every
// other intent hands the new streams to the running capture loop.
func (w *Watchdog) restart(ctx context.Context, intent RestartIntent) error {
	oldPID := w.sup.PID()
	next, err := w.sup.Restart()
	if err != nil {
		w.sup = nil
		return err
	}
	w.sup = next

	if intent.FreshLog() {
		w.logs.Kill()
		logs, err := logfile.Open(streamsOf(next), w.logOpts)
		if err != nil {
			w.logs = nil
			st := next.Streams()
			_ = st.Stdout.Close()
			_ = st.Stderr.Close()
			return &supervisor.StartupError{Op: "open log", Err: err}
		}
		w.logs = logs
	} else {
		w.logs.NewProcessOut(streamsOf(next))
	}
	w.log.Info("child restarted", "intent", intent.String(), "old_pid", oldPID, "pid", next.PID())
	w.rec.Record(ctx, history.EventRestart, next.PID(), intent.String())
	return nil
}

func (w *Watchdog) listServers() {
	servers, err := snapshot.Load(w.cfg.GlobalDataFile)
	if err != nil || len(servers) == 0 {
		if err != nil {
			w.log.Debug("status file unavailable", "error", err)
		}
		_, _ = fmt.Fprintln(w.deps.Console, snapshot.ErrNoServers)
		return
	}
	if err := snapshot.Render(w.deps.Console, servers); err != nil {
		w.log.Error("render servers", "error", err)
	}
}

// shutdown kills the child, stops the console reader and closes the log,
// in that order.
func (w *Watchdog) shutdown(ctx context.Context, reason string) {
	pid := 0
	if w.sup != nil {
		pid = w.sup.PID()
		w.sup.Kill()
	}
	w.input.Stop()
	if w.logs != nil {
		w.logs.Kill()
	}
	// ctx may already be cancelled; the last entry is still wanted
	w.rec.Record(context.WithoutCancel(ctx), history.EventShutdown, pid, reason)
	if err := w.lock.Unlock(); err != nil {
		w.log.Error("release instance lock", "error", err)
	}
	w.log.Info("watchdog stopped", "reason", reason)
}

func streamsOf(s *supervisor.Supervisor) logfile.Streams {
	st := s.Streams()
	return logfile.Streams{Stdout: st.Stdout, Stderr: st.Stderr}
}
