// Package blacklist decides which (sensor, user) pairs must not be stored.
//
// The blacklist file holds one entry per line:
//
//	<sensor-pattern> <user>
//
// The sensor pattern is a path.Match glob ("*" matches every sensor); the user
// is compared exactly. Blank lines and lines starting with '#' are ignored.
package blacklist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is how long Watch waits after the last file event before reloading.
const DebounceDelay = 100 * time.Millisecond

// Entry is a single blacklist rule.
type Entry struct {
	Sensor string
	User   string
}

type exactKey struct {
	sensor, user string
}

// snapshot is an immutable view of the blacklist.
type snapshot struct {
	exact map[exactKey]struct{}
	globs map[string][]string // user -> sensor patterns
	count int
}

func newSnapshot(entries []Entry) *snapshot {
	s := &snapshot{
		exact: make(map[exactKey]struct{}),
		globs: make(map[string][]string),
	}
	for _, e := range entries {
		if strings.ContainsAny(e.Sensor, `*?[\`) {
			s.globs[e.User] = append(s.globs[e.User], e.Sensor)
		} else {
			s.exact[exactKey{e.Sensor, e.User}] = struct{}{}
		}
		s.count++
	}
	return s
}

// Blacklist is safe for concurrent use. Readers never block each other or
// Reload; Reload swaps in a complete new snapshot.
type Blacklist struct {
	path    string
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// New returns an empty blacklist backed by path. Call Reload to read it.
func New(path string, logger *slog.Logger) *Blacklist {
	b := &Blacklist{path: path, logger: logger}
	b.current.Store(newSnapshot(nil))
	return b
}

// Load creates a blacklist and reads path.
func Load(path string, logger *slog.Logger) (*Blacklist, error) {
	b := New(path, logger)
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// FromEntries builds a blacklist that is not backed by a file.
func FromEntries(entries []Entry, logger *slog.Logger) *Blacklist {
	b := New("", logger)
	b.current.Store(newSnapshot(entries))
	return b
}

// Has reports whether events for user on sensor are blacklisted.
func (b *Blacklist) Has(sensor, user string) bool {
	s := b.current.Load()
	if _, ok := s.exact[exactKey{sensor, user}]; ok {
		return true
	}
	for _, pattern := range s.globs[user] {
		if ok, _ := path.Match(pattern, sensor); ok {
			return true
		}
	}
	return false
}

// Len returns the number of entries in the current snapshot.
func (b *Blacklist) Len() int {
	return b.current.Load().count
}

// Reload re-reads the backing file. On a parse error the previous entries
// stay in effect. A missing file yields an empty blacklist.
func (b *Blacklist) Reload() error {
	if b.path == "" {
		return nil
	}
	f, err := os.Open(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.current.Store(newSnapshot(nil))
			return nil
		}
		return fmt.Errorf("blacklist: open: %w", err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return fmt.Errorf("blacklist: %s: %w", b.path, err)
	}
	b.current.Store(newSnapshot(entries))
	return nil
}

// Parse reads blacklist entries from r.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"<sensor> <user>\", got %q", lineNo, line)
		}
		if _, err := path.Match(fields[0], ""); err != nil {
			return nil, fmt.Errorf("line %d: bad sensor pattern %q: %w", lineNo, fields[0], err)
		}
		entries = append(entries, Entry{Sensor: fields[0], User: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Watch reloads the blacklist whenever its file changes. It watches the
// parent directory so that editors replacing the file are noticed. It blocks
// until ctx is cancelled.
func (b *Blacklist) Watch(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("blacklist: watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(b.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("blacklist: watch %s: %w", filepath.Dir(target), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				pending = time.After(DebounceDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("blacklist: watcher error", "err", err)
		case <-pending:
			pending = nil
			if err := b.Reload(); err != nil {
				b.logger.Error("blacklist: reload failed", "err", err)
				continue
			}
			b.logger.Info("blacklist reloaded", "path", b.path, "entries", b.Len())
		}
	}
}
