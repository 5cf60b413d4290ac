// Package playlist maintains the per-session concat list that the encoder
// reads as one continuous input. Switching content rewrites this file; the
// encoder itself is never restarted for a switch.
package playlist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmylchreest/rtmpush/internal/storage"
)

const header = "ffconcat version 1.0"

// NotFoundError reports a media path that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "media file not found: " + e.Path
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Playlist is the concat list of one session.
type Playlist struct {
	sb   *storage.Sandbox
	name string

	mu      sync.Mutex
	entries []string
}

// New returns the playlist for sessionID inside sb. Nothing is written
// until Create or Append is called.
func New(sb *storage.Sandbox, sessionID string) *Playlist {
	return &Playlist{sb: sb, name: sessionID + ".txt"}
}

// Path returns the absolute path of the playlist file.
func (p *Playlist) Path() string {
	return filepath.Join(p.sb.BaseDir(), p.name)
}

// Create replaces the playlist with one entry per path. Every path must exist.
func (p *Playlist) Create(paths []string) error {
	entries := make([]string, 0, len(paths))
	for _, path := range paths {
		abs, err := checkMedia(path)
		if err != nil {
			return err
		}
		entries = append(entries, abs)
	}

	var buf bytes.Buffer
	buf.WriteString(header + "\n")
	for _, e := range entries {
		buf.WriteString(entryLine(e))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sb.AtomicWrite(p.name, buf.Bytes()); err != nil {
		return fmt.Errorf("writing playlist: %w", err)
	}
	p.entries = entries
	return nil
}

// CreateLoop writes a single-entry playlist for standby playback. The
// entry is extended by AppendN while the standby plays.
func (p *Playlist) CreateLoop(path string) error {
	return p.Create([]string{path})
}

// ReplaceWithSingle atomically replaces all entries with path.
func (p *Playlist) ReplaceWithSingle(path string) error {
	return p.Create([]string{path})
}

// Append adds one entry without rewriting the file.
func (p *Playlist) Append(path string) error {
	return p.AppendN(path, 1)
}

// AppendN adds n copies of path in a single write.
func (p *Playlist) AppendN(path string, n int) error {
	if n <= 0 {
		return nil
	}
	abs, err := checkMedia(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var buf bytes.Buffer
	if !p.sb.Exists(p.name) {
		buf.WriteString(header + "\n")
		p.entries = nil
	}
	line := entryLine(abs)
	for range n {
		buf.WriteString(line)
	}

	f, err := p.sb.OpenAppend(p.name)
	if err != nil {
		return fmt.Errorf("opening playlist: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("appending to playlist: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing playlist: %w", err)
	}

	for range n {
		p.entries = append(p.entries, abs)
	}
	return nil
}

// Exists reports whether the playlist file is present.
func (p *Playlist) Exists() bool {
	return p.sb.Exists(p.name)
}

// Entries returns the current entries. A playlist object created for an
// existing file reads it from disk.
func (p *Playlist) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries == nil {
		if data, err := p.sb.ReadFile(p.name); err == nil {
			if parsed, err := Parse(bytes.NewReader(data)); err == nil {
				p.entries = parsed
			}
		}
	}
	return append([]string(nil), p.entries...)
}

// Len returns the number of entries written so far.
func (p *Playlist) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Cleanup deletes the playlist file and forgets its entries. It is safe to
// call repeatedly.
func (p *Playlist) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = nil
	if err := p.sb.Remove(p.name); err != nil {
		return fmt.Errorf("removing playlist: %w", err)
	}
	return nil
}

// Parse reads the file entries of a concat list.
func Parse(r io.Reader) ([]string, error) {
	var entries []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "file ")
		if !ok {
			continue
		}
		entries = append(entries, unquote(strings.TrimSpace(rest)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}
	return entries, nil
}

func checkMedia(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", &NotFoundError{Path: path}
	}
	return abs, nil
}

// entryLine renders one "file" directive with a forward-slash path. Single
// quotes are closed, escaped and reopened as the concat syntax requires.
func entryLine(abs string) string {
	p := filepath.ToSlash(abs)
	return "file '" + strings.ReplaceAll(p, "'", `'\''`) + "'\n"
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}
	return s
}
