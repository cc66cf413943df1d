package logfile

import (
	"bufio"
	"io"
	"sync"
	"time"
)

const (
	stdoutBuffer  = 64
	stderrBacklog = 256
)

// Streams are the child output handles the capture loop reads from. Either
// may be nil.
type Streams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// backlogLine is a stderr line and the time the pump read it.
type backlogLine struct {
	text string
	at   time.Time
}

// source pumps one generation of streams into line channels. stdout blocks
// when the loop falls behind; stderr keeps only the most recent lines so a
// chatty child never stalls on a full pipe.
type source struct {
	streams Streams
	now     func() time.Time
	stdout  chan string
	stderr  chan backlogLine
	quit    chan struct{}
	once    sync.Once
}

func newSource(st Streams, now func() time.Time) *source {
	s := &source{
		streams: st,
		now:     now,
		stdout:  make(chan string, stdoutBuffer),
		stderr:  make(chan backlogLine, stderrBacklog),
		quit:    make(chan struct{}),
	}
	go s.pumpStdout()
	go s.pumpStderr()
	return s
}

func (s *source) pumpStdout() {
	defer close(s.stdout)
	if s.streams.Stdout == nil {
		return
	}
	r := bufio.NewReader(s.streams.Stdout)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case s.stdout <- line:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *source) pumpStderr() {
	defer close(s.stderr)
	if s.streams.Stderr == nil {
		return
	}
	r := bufio.NewReader(s.streams.Stderr)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			s.keep(backlogLine{text: line, at: s.now()})
		}
		if err != nil {
			return
		}
		select {
		case <-s.quit:
			return
		default:
		}
	}
}

// keep appends line to the stderr backlog, dropping the oldest entry when
// it is full. The pump is the only sender.
func (s *source) keep(line backlogLine) {
	select {
	case s.stderr <- line:
		return
	default:
	}
	select {
	case <-s.stderr:
	default:
	}
	select {
	case s.stderr <- line:
	default:
	}
}

// close retires the generation. Unread lines are abandoned and the readers
// are closed so the pumps return.
func (s *source) close() {
	s.once.Do(func() {
		close(s.quit)
		if s.streams.Stdout != nil {
			_ = s.streams.Stdout.Close()
		}
		if s.streams.Stderr != nil {
			_ = s.streams.Stderr.Close()
		}
	})
}
