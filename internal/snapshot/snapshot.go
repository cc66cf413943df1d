// Package snapshot reads the child's JSON state file for display and
// clears it when the watchdog needs to break a crash loop.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// ErrNoServers is the console message for an empty or unreadable snapshot.
const ErrNoServers = "no servers found or an error occurred"

type Song struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Duration uint32 `json:"duration"`
}

type queue struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Songs       []Song `json:"songs"`
	CurrentSong []Song `json:"currentsong"`
}

type document struct {
	Queues []queue `json:"queues"`
}

// Server is one queue as shown to the operator.
type Server struct {
	ID      string
	Name    string
	Songs   []Song
	Current *Song
}

// Load parses the state file at path.
func Load(path string) ([]Server, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	servers := make([]Server, 0, len(doc.Queues))
	for _, q := range doc.Queues {
		s := Server{ID: q.ID, Name: q.Name, Songs: q.Songs}
		if n := len(q.CurrentSong); n > 0 {
			cur := q.CurrentSong[n-1]
			s.Current = &cur
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// Render prints every server followed by a table of its queue.
func Render(w io.Writer, servers []Server) error {
	for _, s := range servers {
		if _, err := fmt.Fprintf(w, "VC: %s\n", s.Name); err != nil {
			return err
		}
		if s.Current != nil {
			_, _ = fmt.Fprintf(w, "Current Song: %s [%s] %s\n", s.Current.Title, FormatDuration(s.Current.Duration), s.Current.URL)
		} else {
			_, _ = fmt.Fprintln(w, "Current Song: No Song Currently Playing")
		}
		if len(s.Songs) == 0 {
			_, _ = fmt.Fprintln(w, "No Other Songs In Queue")
			continue
		}

		table := tablewriter.NewWriter(w)
		table.Header("#", "Title", "Duration", "URL")
		for i, song := range s.Songs {
			if err := table.Append([]string{strconv.Itoa(i), song.Title, FormatDuration(song.Duration), song.URL}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}
	return nil
}

// FormatDuration renders seconds as m:ss, or h:mm:ss past an hour.
func FormatDuration(sec uint32) string {
	h, m, s := sec/3600, sec/60%60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// Reset empties the queues and idle disconnects in the state file, keeping
// any other top-level keys. The file is replaced atomically.
func Reset(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	doc["queues"] = json.RawMessage("[]")
	doc["disconnectIdles"] = json.RawMessage("[]")
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("reset snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("reset snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("reset snapshot: %w", err)
	}
	return nil
}
