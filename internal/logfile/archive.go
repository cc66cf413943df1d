package logfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/warden/internal/logger"
)

const (
	// MaxArchives is the listing size above which archival evicts the oldest
	// entry instead of writing a new one.
	MaxArchives = 15
	// ArchiveNameLayout names archives after the minute they were taken.
	ArchiveNameLayout = "log 01-02-06 15:04"

	maxChunk = 1 << 20
)

// ArchiveEntry is one retired log file found in the archive directory.
type ArchiveEntry struct {
	CreatedAt time.Time
	Path      string
	Name      string
	// Parsed is false when CreatedAt fell back to the listing time because
	// the name carried no readable timestamp.
	Parsed bool
}

// Archiver retires log files into Dir.
type Archiver struct {
	Dir    string
	Now    func() time.Time
	Logger *slog.Logger
}

func (a *Archiver) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Archiver) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return logger.Discard()
}

// ListArchives lists the archives in dir in directory order.
func ListArchives(dir string) ([]ArchiveEntry, error) {
	return (&Archiver{Dir: dir}).List()
}

// List returns the archive entries in directory order. Names without "log"
// are skipped with a warning; unparsable timestamps fall back to now.
func (a *Archiver) List() ([]ArchiveEntry, error) {
	ents, err := os.ReadDir(a.Dir)
	if err != nil {
		return nil, err
	}
	out := make([]ArchiveEntry, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if name == ".DS_Store" || e.IsDir() {
			continue
		}
		if !strings.Contains(name, "log") {
			a.logger().Warn("unexpected file in archive directory", "name", name)
			continue
		}
		entry := ArchiveEntry{Path: filepath.Join(a.Dir, name), Name: name}
		if ts, err := ParseArchiveName(name); err == nil {
			entry.CreatedAt, entry.Parsed = ts, true
		} else {
			a.logger().Warn("could not read archive timestamp, treating it as new", "name", name, "error", err)
			entry.CreatedAt = a.now()
		}
		out = append(out, entry)
	}
	return out, nil
}

// ParseArchiveName reads the timestamp out of an archive file name, ignoring
// the " (n)" suffix added on same-minute collisions.
func ParseArchiveName(name string) (time.Time, error) {
	if i := strings.LastIndex(name, " ("); i > 0 && strings.HasSuffix(name, ")") {
		name = name[:i]
	}
	return time.ParseInLocation(ArchiveNameLayout, name, time.Local)
}

// Oldest returns the index of the entry with the smallest timestamp, the
// first one in listing order on ties, or -1 for an empty listing.
func Oldest(entries []ArchiveEntry) int {
	idx := -1
	for i, e := range entries {
		if idx < 0 || e.CreatedAt.Before(entries[idx].CreatedAt) {
			idx = i
		}
	}
	return idx
}

// Archive retires existing and returns the same path reopened empty.
// With more than MaxArchives entries on disk it only evicts the oldest one.
// Failures to create the archive are logged and never prevent the fresh log
// from being returned.
func (a *Archiver) Archive(existing *os.File) (*os.File, error) {
	path := existing.Name()
	log := a.logger()

	if err := a.retire(existing); err != nil {
		log.Error("archival skipped", "file", path, "error", err)
	}
	_ = existing.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	return f, nil
}

func (a *Archiver) retire(existing *os.File) error {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	entries, err := a.List()
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	if len(entries) > MaxArchives {
		oldest := entries[Oldest(entries)]
		if err := os.Remove(oldest.Path); err != nil {
			return fmt.Errorf("evict %s: %w", oldest.Name, err)
		}
		a.logger().Info("evicted oldest archive", "name", oldest.Name, "archives", len(entries)-1)
		return nil
	}

	dst, err := a.create()
	if err != nil {
		return err
	}
	st, err := existing.Stat()
	if err != nil {
		_ = dst.Close()
		return fmt.Errorf("stat %s: %w", existing.Name(), err)
	}
	if _, err := existing.Seek(0, io.SeekStart); err != nil {
		_ = dst.Close()
		return fmt.Errorf("rewind %s: %w", existing.Name(), err)
	}
	n, err := copyShrinking(dst, existing, st.Size())
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy into %s: %w", dst.Name(), err)
	}
	a.logger().Info("archived log", "archive", filepath.Base(dst.Name()), "bytes", n)
	return nil
}

// create opens a new archive named after the current minute, numbering it
// when that minute is already taken.
func (a *Archiver) create() (*os.File, error) {
	base := a.now().Format(ArchiveNameLayout)
	name := base
	for i := 2; ; i++ {
		f, err := os.OpenFile(filepath.Join(a.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) || i > 1000 {
			return nil, fmt.Errorf("create archive: %w", err)
		}
		name = fmt.Sprintf("%s (%d)", base, i)
	}
}

// copyShrinking copies src to dst starting from a chunk of min(1MiB, size)
// bytes, halving the chunk after every non-empty read down to one byte and
// stopping at the first empty read. A size that understates the content
// only makes the copy take more reads.
func copyShrinking(dst io.Writer, src io.Reader, size int64) (int64, error) {
	chunk := size
	if chunk > maxChunk {
		chunk = maxChunk
	}
	if chunk < 1 {
		chunk = 1
	}
	buf := make([]byte, chunk)
	r := bufio.NewReaderSize(src, maxChunk)

	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if len(buf) > 1 {
				buf = buf[:len(buf)/2]
			}
		}
		if err == io.EOF || (n == 0 && err == nil) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
