// Package logfile captures the supervised child's output into logs/log.txt.
// It timestamps every line, echoes it to the console, stops persisting once
// the file reaches its size cap, retires the previous file into a bounded
// archive directory and can switch to a restarted child's streams without
// rotating.
package logfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/warden/internal/logger"
)

const (
	DefaultDir             = "logs"
	FileName               = "log.txt"
	ArchiveDirName         = "archives"
	DefaultCrashDrainDelay = 10 * time.Millisecond
	DefaultPollInterval    = 50 * time.Millisecond
)

// Options configures a Manager. Zero values take the defaults above;
// MaxFileSize <= 0 disables the size cap.
type Options struct {
	Dir             string
	MaxFileSize     int64
	CrashDrainDelay time.Duration
	PollInterval    time.Duration
	Console         io.Writer
	Logger          *slog.Logger
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.CrashDrainDelay <= 0 {
		o.CrashDrainDelay = DefaultCrashDrainDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Console == nil {
		o.Console = io.Discard
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager owns the current log file. Only its capture goroutine writes to
// the file, so lines are strictly ordered.
type Manager struct {
	opts Options
	log  *slog.Logger
	path string

	file    *os.File
	w       *bufio.Writer
	written int64
	warned  bool

	swapCh   chan Streams
	crashCh  chan struct{}
	killCh   chan struct{}
	killOnce sync.Once
	done     chan struct{}
}

// Open prepares <Dir>/log.txt, archiving any previous file, and starts
// capturing streams into it.
func Open(streams Streams, opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	m := &Manager{
		opts:    opts,
		log:     opts.Logger.With(logger.ComponentKey, "log"),
		path:    filepath.Join(opts.Dir, FileName),
		swapCh:  make(chan Streams),
		crashCh: make(chan struct{}),
		killCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", opts.Dir, err)
	}

	f, err := m.openFile()
	if err != nil {
		return nil, err
	}
	m.file = f
	m.w = bufio.NewWriter(f)

	go m.run(newSource(streams, opts.Now))
	return m, nil
}

func (m *Manager) openFile() (*os.File, error) {
	existing, err := os.OpenFile(m.path, os.O_RDONLY, 0)
	switch {
	case err == nil:
		a := &Archiver{Dir: filepath.Join(m.opts.Dir, ArchiveDirName), Now: m.opts.Now, Logger: m.log}
		return a.Archive(existing)
	case errors.Is(err, fs.ErrNotExist):
		f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", m.path, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("open %s: %w", m.path, err)
	}
}

// Path returns the live log file path.
func (m *Manager) Path() string { return m.path }

// NewProcessOut makes the capture loop read from streams from now on. The
// old streams are closed and whatever they still held is dropped. It
// returns once the loop has switched.
func (m *Manager) NewProcessOut(streams Streams) {
	select {
	case m.swapCh <- streams:
	case <-m.done:
		newSource(streams, m.opts.Now).close()
	}
}

// ReportCrash asks the loop to persist the trailing stderr of the current
// streams. The drain itself runs on the capture goroutine after the
// configured grace delay.
func (m *Manager) ReportCrash() {
	select {
	case m.crashCh <- struct{}{}:
	case <-m.done:
	}
}

// Kill stops the capture loop after its current line, flushes and closes
// the file, and waits for the loop to return.
func (m *Manager) Kill() {
	m.killOnce.Do(func() { close(m.killCh) })
	<-m.done
}

func (m *Manager) run(src *source) {
	defer close(m.done)
	defer func() {
		src.close()
		if err := m.w.Flush(); err != nil {
			m.log.Error("flush log file", "error", err)
		}
		if err := m.file.Close(); err != nil {
			m.log.Error("close log file", "error", err)
		}
	}()

	stdout := src.stdout
	for {
		// Requests win over pending output so nothing from a retired
		// stream is captured once the swap call has returned.
		select {
		case <-m.killCh:
			return
		case <-m.crashCh:
			m.drainCrash(src)
			continue
		case next := <-m.swapCh:
			src.close()
			src = newSource(next, m.opts.Now)
			stdout = src.stdout
			continue
		default:
		}

		select {
		case <-m.killCh:
			return
		case <-m.crashCh:
			m.drainCrash(src)
		case next := <-m.swapCh:
			src.close()
			src = newSource(next, m.opts.Now)
			stdout = src.stdout
		case line, ok := <-stdout:
			if !ok {
				// stream ended; wait for a swap or kill
				stdout = nil
				continue
			}
			m.capture(line, m.opts.Now())
		}
	}
}

// drainCrash waits the grace delay, then captures stderr until the stream
// is exhausted or stays quiet for one poll interval.
func (m *Manager) drainCrash(src *source) {
	grace := time.NewTimer(m.opts.CrashDrainDelay)
	select {
	case <-grace.C:
	case <-m.killCh:
		grace.Stop()
		return
	}

	quiet := time.NewTimer(m.opts.PollInterval)
	defer quiet.Stop()
	n := 0
	for {
		select {
		case line, ok := <-src.stderr:
			if !ok {
				m.log.Debug("crash output drained", "lines", n)
				return
			}
			m.capture(line.text, line.at)
			n++
			quiet.Reset(m.opts.PollInterval)
		case <-quiet.C:
			m.log.Debug("crash output drained", "lines", n)
			return
		case <-m.killCh:
			return
		}
	}
}

// capture stamps line with at, echoes it to the console and appends it to
// the file while the byte count stays under the cap. The count includes
// dropped lines.
func (m *Manager) capture(line string, at time.Time) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	stamped := "[" + at.Format(logger.TimeLayout) + "]: " + line
	_, _ = io.WriteString(m.opts.Console, stamped)

	m.written += int64(len(line))
	if m.opts.MaxFileSize > 0 && m.written >= m.opts.MaxFileSize {
		if !m.warned {
			m.warned = true
			m.log.Warn("log file reached its size limit, further output is not saved",
				"file", m.path, "max_file_size", m.opts.MaxFileSize)
		}
		return
	}
	if _, err := m.w.WriteString(stamped); err != nil {
		m.log.Error("write log file", "error", err)
		return
	}
	if err := m.w.Flush(); err != nil {
		m.log.Error("flush log file", "error", err)
	}
}
