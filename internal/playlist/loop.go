package playlist

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/storage"
)

// ClipMaker renders a still image into a short silent video clip.
type ClipMaker interface {
	StillClip(ctx context.Context, imagePath, outPath string, duration time.Duration) error
}

// LoopCache turns still images into loopable clips, rendering each image
// at most once. Concurrent requests for the same image share one render.
type LoopCache struct {
	sb       *storage.Sandbox
	maker    ClipMaker
	duration time.Duration

	group singleflight.Group
	mu    sync.Mutex
	clips map[string]string
}

// NewLoopCache stores rendered clips in sb.
func NewLoopCache(sb *storage.Sandbox, maker ClipMaker, duration time.Duration) *LoopCache {
	return &LoopCache{
		sb:       sb,
		maker:    maker,
		duration: duration,
		clips:    make(map[string]string),
	}
}

// ClipDuration is the length of every rendered clip.
func (c *LoopCache) ClipDuration() time.Duration {
	return c.duration
}

// Resolve returns a path the concat reader can loop. Videos are returned
// unchanged; images are replaced by their rendered clip.
func (c *LoopCache) Resolve(ctx context.Context, path string) (string, error) {
	abs, err := checkMedia(path)
	if err != nil {
		return "", err
	}
	if !models.IsImagePath(abs) {
		return abs, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", &NotFoundError{Path: path}
	}
	// An image replaced in place gets a new clip.
	key := clipKey(abs, info.Size(), info.ModTime())

	c.mu.Lock()
	clip, ok := c.clips[key]
	c.mu.Unlock()
	if ok && fileExists(clip) {
		return clip, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		name := key + ".mp4"
		out := filepath.Join(c.sb.BaseDir(), name)
		if fileExists(out) {
			return out, nil
		}
		tmp := filepath.Join(c.sb.BaseDir(), "."+key+".render.mp4")
		if err := c.maker.StillClip(ctx, abs, tmp, c.duration); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("rendering loop clip for %s: %w", path, err)
		}
		if err := os.Rename(tmp, out); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("publishing loop clip: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	clip = v.(string)
	c.mu.Lock()
	c.clips[key] = clip
	c.mu.Unlock()
	return clip, nil
}

func clipKey(abs string, size int64, mod time.Time) string {
	h := sha1.Sum(fmt.Appendf(nil, "%s|%d|%d", abs, size, mod.UnixNano()))
	return hex.EncodeToString(h[:12])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
