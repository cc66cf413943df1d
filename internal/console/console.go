// Package console turns operator input lines into watchdog commands.
package console

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loykin/warden/internal/logger"
)

type Command int

const (
	None Command = iota
	Restart
	ListServers
	Exit
	Help
	Invalid
)

func (c Command) String() string {
	switch c {
	case Restart:
		return "restart"
	case ListServers:
		return "list-servers"
	case Exit:
		return "exit"
	case Help:
		return "help"
	case Invalid:
		return "invalid"
	default:
		return "none"
	}
}

// Parse maps a trimmed input line to a Command.
func Parse(line string) Command {
	switch strings.TrimSpace(line) {
	case "":
		return None
	case "restart":
		return Restart
	case "list-servers":
		return ListServers
	case "exit", "stop":
		return Exit
	case "help":
		return Help
	default:
		return Invalid
	}
}

// Usage is printed for the help command.
const Usage = `Commands:
  restart       restart the child and keep appending to the current log
  list-servers  show the queues from the status file
  exit, stop    kill the child and quit
  help          show this message
`

// PrintUsage writes Usage to w.
func PrintUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, Usage)
}

// Reader reads lines in the background and keeps the latest one until it
// is polled. It returns after an exit command, at end of input, or at the
// first read after Stop.
type Reader struct {
	log *slog.Logger

	mu      sync.Mutex
	pending string

	stopped atomic.Bool
	done    chan struct{}
}

// NewReader starts reading r. A nil logger discards diagnostics.
func NewReader(r io.Reader, log *slog.Logger) *Reader {
	if log == nil {
		log = logger.Discard()
	}
	c := &Reader{log: log.With(logger.ComponentKey, "console"), done: make(chan struct{})}
	go c.read(r)
	return c
}

func (c *Reader) read(r io.Reader) {
	defer close(c.done)
	sc := bufio.NewScanner(r)
	for {
		if c.stopped.Load() {
			return
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				c.log.Error("read console input", "error", err)
			}
			return
		}
		line := strings.TrimSpace(sc.Text())
		c.mu.Lock()
		c.pending = line
		c.mu.Unlock()
		if Parse(line) == Exit {
			return
		}
	}
}

// Poll returns the pending command and clears it. It never blocks.
func (c *Reader) Poll() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := Parse(c.pending)
	c.pending = ""
	return cmd
}

// Stop flags the reader to exit before its next read. A reader blocked on
// input is not waited for; Done reports when it has actually returned.
func (c *Reader) Stop() {
	c.stopped.Store(true)
}

// Done is closed once the reader goroutine has returned.
func (c *Reader) Done() <-chan struct{} { return c.done }
