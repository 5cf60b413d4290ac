// Package catalog indexes the local media directory so sessions can refer
// to files by a stable id.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/observability"
	"github.com/jmylchreest/rtmpush/internal/storage"
)

// ErrFileNotFound is returned when an id is not in the catalog.
var ErrFileNotFound = errors.New("media file not found")

var mediaExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true, ".webm": true,
	".flv": true, ".ts": true, ".avi": true, ".mpg": true, ".mpeg": true,
	".mp3": true, ".aac": true, ".wav": true,
}

// IsMedia reports whether path has a playable extension.
func IsMedia(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))] || models.IsImagePath(path)
}

// Entry is one indexed file.
type Entry struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	DisplayName string    `json:"display_name"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
}

const indexName = "catalog.json"

// Catalog maps ids to files below a media directory. Ids are persisted so
// they survive restarts and rescans.
type Catalog struct {
	root   string
	index  *storage.Sandbox
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[string]Entry
	idByRe map[string]string // relative path -> id
}

// New creates a catalog of mediaDir whose id index lives in indexDir.
func New(mediaDir, indexDir string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	root, err := filepath.Abs(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("resolving media dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating media dir: %w", err)
	}
	sb, err := storage.NewSandbox(indexDir)
	if err != nil {
		return nil, fmt.Errorf("creating catalog index dir: %w", err)
	}

	c := &Catalog{
		root:   root,
		index:  sb,
		logger: observability.WithComponent(log, "catalog"),
		byID:   make(map[string]Entry),
		idByRe: make(map[string]string),
	}
	c.loadIndex()
	return c, nil
}

// Root returns the absolute media directory.
func (c *Catalog) Root() string {
	return c.root
}

func (c *Catalog) loadIndex() {
	data, err := c.index.ReadFile(indexName)
	if err != nil {
		return
	}
	var ids map[string]string
	if err := json.Unmarshal(data, &ids); err != nil {
		c.logger.Warn("ignoring unreadable catalog index", slog.Any("error", err))
		return
	}
	c.idByRe = ids
}

func (c *Catalog) saveIndex(ids map[string]string) error {
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return c.index.AtomicWrite(indexName, data)
}

// Scan walks the media directory and rebuilds the index. Files keep their
// id across scans; vanished files drop out.
func (c *Catalog) Scan(ctx context.Context) error {
	c.mu.RLock()
	known := c.idByRe
	c.mu.RUnlock()

	byID := make(map[string]Entry)
	ids := make(map[string]string)

	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != c.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !IsMedia(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		id, ok := known[rel]
		if !ok {
			id = models.NewULID().String()
		}
		ids[rel] = id
		byID[id] = Entry{
			ID:          id,
			Path:        path,
			DisplayName: strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning media dir: %w", err)
	}

	if err := c.saveIndex(ids); err != nil {
		return fmt.Errorf("saving catalog index: %w", err)
	}

	c.mu.Lock()
	c.byID = byID
	c.idByRe = ids
	c.mu.Unlock()

	c.logger.Debug("media catalog scanned", slog.Int("files", len(byID)))
	return nil
}

// Lookup returns the entry for id, or ErrFileNotFound.
func (c *Catalog) Lookup(id string) (Entry, error) {
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return e, nil
}

// Resolve returns the absolute path for id.
func (c *Catalog) Resolve(_ context.Context, id string) (string, error) {
	e, err := c.Lookup(id)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// List returns all entries sorted by display name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.byID))
	for _, e := range c.byID {
		out = append(out, e)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if n := strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); n != 0 {
			return n
		}
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

// Watch rescans whenever the media tree changes, coalescing bursts of
// events into one scan per debounce interval. It blocks until ctx ends.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	c.watchTree(w)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("media watcher error", slog.Any("error", err))
		case <-fire:
			timer, fire = nil, nil
			if err := c.Scan(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("media rescan failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Catalog) watchTree(w *fsnotify.Watcher) {
	_ = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != c.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			c.logger.Warn("cannot watch media directory", slog.String("path", path), slog.Any("error", err))
		}
		return nil
	})
}
