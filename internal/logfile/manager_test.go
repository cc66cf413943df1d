package logfile

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/logger"
)

// syncBuffer is a goroutine-safe bytes.Buffer for console and log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type pipe struct {
	r *os.File
	w *os.File
}

func newPipe(t *testing.T) pipe {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return pipe{r: r, w: w}
}

func (p pipe) println(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(p.w, s+"\n")
	require.NoError(t, err)
}

type harness struct {
	dir     string
	console *syncBuffer
	diag    *syncBuffer
	opts    Options
}

func newHarness(t *testing.T) *harness {
	h := &harness{dir: filepath.Join(t.TempDir(), "logs"), console: &syncBuffer{}, diag: &syncBuffer{}}
	h.opts = Options{
		Dir:             h.dir,
		CrashDrainDelay: 5 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
		Console:         h.console,
		Logger:          slog.New(logger.NewColorTextHandler(h.diag, &slog.HandlerOptions{Level: slog.LevelDebug}, false)),
		Now:             fixedNow(time.Date(2024, 7, 4, 9, 8, 7, 0, time.Local)),
	}
	return h
}

func (h *harness) file(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(h.dir, FileName))
	require.NoError(t, err)
	return string(b)
}

func (h *harness) waitConsole(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(h.console.String(), substr) },
		2*time.Second, 5*time.Millisecond, "console never showed %q", substr)
}

func TestOpen_CreatesDirAndStampsLines(t *testing.T) {
	h := newHarness(t)
	out := newPipe(t)
	m, err := Open(Streams{Stdout: out.r}, h.opts)
	require.NoError(t, err)

	out.println(t, "server listening")
	h.waitConsole(t, "server listening")
	m.Kill()

	want := "[07/04/24 09:08:07]: server listening\n"
	assert.Equal(t, want, h.file(t))
	assert.Equal(t, want, h.console.String())
	assert.Equal(t, filepath.Join(h.dir, FileName), m.Path())
}

func TestOpen_ArchivesPreviousLog(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, FileName), []byte("last run\n"), 0o644))

	m, err := Open(Streams{}, h.opts)
	require.NoError(t, err)
	m.Kill()

	assert.Empty(t, h.file(t))
	got, err := os.ReadFile(filepath.Join(h.dir, ArchiveDirName, "log 07-04-24 09:08"))
	require.NoError(t, err)
	assert.Equal(t, "last run\n", string(got))
}

func TestCapture_StopsPersistingAtSizeLimit(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxFileSize = 100
	out := newPipe(t)
	m, err := Open(Streams{Stdout: out.r}, h.opts)
	require.NoError(t, err)

	var lines []string
	for i := 1; i <= 5; i++ {
		line := strings.Repeat(string(rune('0'+i)), 29)
		lines = append(lines, line)
		out.println(t, line)
	}
	h.waitConsole(t, lines[4])
	m.Kill()

	saved := h.file(t)
	for _, l := range lines[:3] {
		assert.Contains(t, saved, l)
	}
	for _, l := range lines[3:] {
		assert.NotContains(t, saved, l)
		assert.Contains(t, h.console.String(), l, "dropped lines are still echoed")
	}
	assert.Equal(t, 1, strings.Count(h.diag.String(), "size limit"))
}

func TestCapture_UnlimitedWhenNoCap(t *testing.T) {
	h := newHarness(t)
	out := newPipe(t)
	m, err := Open(Streams{Stdout: out.r}, h.opts)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		out.println(t, strings.Repeat("z", 100))
	}
	out.println(t, "last")
	h.waitConsole(t, "last")
	m.Kill()

	assert.Equal(t, 51, strings.Count(h.file(t), "\n"))
	assert.NotContains(t, h.diag.String(), "size limit")
}

func TestNewProcessOut_OnlyNewStreamAfterSwap(t *testing.T) {
	h := newHarness(t)
	old := newPipe(t)
	m, err := Open(Streams{Stdout: old.r}, h.opts)
	require.NoError(t, err)

	old.println(t, "old-1")
	h.waitConsole(t, "old-1")

	next := newPipe(t)
	m.NewProcessOut(Streams{Stdout: next.r})
	_, _ = io.WriteString(old.w, "old-2\n") // reader is closed; may fail
	next.println(t, "new-1")
	h.waitConsole(t, "new-1")
	m.Kill()

	saved := h.file(t)
	assert.Contains(t, saved, "old-1")
	assert.Contains(t, saved, "new-1")
	assert.NotContains(t, saved, "old-2")
}

func TestNewProcessOut_KeepsFileAndCounter(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxFileSize = 50
	old := newPipe(t)
	m, err := Open(Streams{Stdout: old.r}, h.opts)
	require.NoError(t, err)

	old.println(t, strings.Repeat("a", 29))
	h.waitConsole(t, "aaa")
	next := newPipe(t)
	m.NewProcessOut(Streams{Stdout: next.r})
	next.println(t, strings.Repeat("b", 29))
	h.waitConsole(t, "bbb")
	m.Kill()

	saved := h.file(t)
	assert.Contains(t, saved, "aaa")
	assert.NotContains(t, saved, "bbb", "the cap spans both streams of one file")
}

func TestReportCrash_PersistsTrailingStderr(t *testing.T) {
	h := newHarness(t)
	out, errp := newPipe(t), newPipe(t)
	m, err := Open(Streams{Stdout: out.r, Stderr: errp.r}, h.opts)
	require.NoError(t, err)

	errp.println(t, "thread 'main' panicked at src/main.rs:10:5")
	errp.println(t, "note: run with RUST_BACKTRACE=1")
	out.println(t, "before crash")
	h.waitConsole(t, "before crash")
	assert.NotContains(t, h.console.String(), "panicked", "stderr is only persisted on a crash")

	require.NoError(t, errp.w.Close())
	m.ReportCrash()
	h.waitConsole(t, "RUST_BACKTRACE")

	out.println(t, "after crash")
	h.waitConsole(t, "after crash")
	m.Kill()

	saved := h.file(t)
	panicAt := strings.Index(saved, "panicked")
	noteAt := strings.Index(saved, "RUST_BACKTRACE")
	require.GreaterOrEqual(t, panicAt, 0)
	assert.Less(t, panicAt, noteAt)
	assert.Less(t, noteAt, strings.Index(saved, "after crash"))
}

// stepClock is a settable time source that counts its readers.
type stepClock struct {
	mu    sync.Mutex
	t     time.Time
	calls int
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *stepClock) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestReportCrash_StampsBacklogWithReadTime(t *testing.T) {
	h := newHarness(t)
	clk := &stepClock{t: time.Date(2024, 7, 4, 9, 8, 7, 0, time.Local)}
	h.opts.Now = clk.Now
	out, errp := newPipe(t), newPipe(t)
	m, err := Open(Streams{Stdout: out.r, Stderr: errp.r}, h.opts)
	require.NoError(t, err)

	errp.println(t, "warning: deprecated flag")
	// the stderr pump is the only clock reader until stdout produces a line
	require.Eventually(t, func() bool { return clk.Calls() >= 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Set(time.Date(2024, 7, 4, 11, 30, 0, 0, time.Local))
	require.NoError(t, errp.w.Close())
	m.ReportCrash()
	h.waitConsole(t, "deprecated flag")
	out.println(t, "after crash")
	h.waitConsole(t, "after crash")
	m.Kill()

	saved := h.file(t)
	assert.Contains(t, saved, "[07/04/24 09:08:07]: warning: deprecated flag\n")
	assert.Contains(t, saved, "[07/04/24 11:30:00]: after crash\n")
}

func TestReportCrash_QuietStreamEndsDrain(t *testing.T) {
	h := newHarness(t)
	out, errp := newPipe(t), newPipe(t)
	m, err := Open(Streams{Stdout: out.r, Stderr: errp.r}, h.opts)
	require.NoError(t, err)

	m.ReportCrash()
	out.println(t, "still capturing")
	h.waitConsole(t, "still capturing")
	m.Kill()
	assert.Contains(t, h.file(t), "still capturing")
}

func TestKill_AfterStreamsClosedAndTwice(t *testing.T) {
	h := newHarness(t)
	out := newPipe(t)
	m, err := Open(Streams{Stdout: out.r}, h.opts)
	require.NoError(t, err)
	out.println(t, "bye")
	require.NoError(t, out.w.Close())
	h.waitConsole(t, "bye")

	m.Kill()
	m.Kill()
	m.ReportCrash()
	m.NewProcessOut(Streams{})
	assert.Contains(t, h.file(t), "bye")
}
