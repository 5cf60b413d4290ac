// Package ffmpeg detects, builds and supervises FFmpeg invocations.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/rtmpush/internal/util"
)

// ErrBinaryNotFound is returned when ffmpeg cannot be located.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// Environment variables consulted when no path is configured.
const (
	FFmpegEnvVar  = "RTMPUSH_FFMPEG_BINARY"
	FFprobeEnvVar = "RTMPUSH_FFPROBE_BINARY"
)

// BinaryInfo describes the detected FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path,omitempty"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
	Muxers       []string `json:"muxers,omitempty"`
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasMuxer returns true if the output format is available.
func (info *BinaryInfo) HasMuxer(name string) bool {
	return slices.Contains(info.Muxers, name)
}

// RequireEncoders fails naming the first encoder the installation lacks.
// An empty encoder list (listing failed) is treated as unknown and passes.
func (info *BinaryInfo) RequireEncoders(names ...string) error {
	if len(info.Encoders) == 0 {
		return nil
	}
	for _, n := range names {
		if !info.HasEncoder(n) {
			return fmt.Errorf("ffmpeg at %s has no %s encoder", info.FFmpegPath, n)
		}
	}
	return nil
}

// SupportsMinVersion returns true if FFmpeg version meets minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	return info.MajorVersion > major || (info.MajorVersion == major && info.MinorVersion >= minor)
}

// BinaryDetector locates ffmpeg/ffprobe once and caches the result.
// Failed detections are not cached, so installing ffmpeg later is picked up.
type BinaryDetector struct {
	ffmpegPath  string
	ffprobePath string

	mu   sync.RWMutex
	info *BinaryInfo
}

// NewBinaryDetector creates a detector. Empty paths trigger discovery via
// the environment, the working directory and PATH.
func NewBinaryDetector(ffmpegPath, ffprobePath string) *BinaryDetector {
	return &BinaryDetector{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Detect returns the cached installation info, detecting it on first use.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}
	d.info = info
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	ffmpegPath, err := util.FindBinary("ffmpeg", d.ffmpegPath, FFmpegEnvVar)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBinaryNotFound, err)
	}
	info := &BinaryInfo{FFmpegPath: ffmpegPath}

	// ffprobe is optional; without it end-of-file fallback is disabled.
	if p, err := util.FindBinary("ffprobe", d.ffprobePath, FFprobeEnvVar); err == nil {
		info.FFprobePath = p
	}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running ffmpeg -version: %w", err)
	}
	info.Version, info.MajorVersion, info.MinorVersion, err = parseVersion(string(out))
	if err != nil {
		return nil, err
	}

	if out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseCapabilityList(string(out))
	}
	if out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-muxers").Output(); err == nil {
		info.Muxers = parseCapabilityList(string(out))
	}

	return info, nil
}

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion reads "ffmpeg version 6.1.1 Copyright ..." style output.
func parseVersion(out string) (string, int, int, error) {
	for line := range strings.SplitSeq(out, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		full := parts[2]
		var major, minor int
		if m := versionRe.FindStringSubmatch(full); len(m) == 3 {
			major, _ = strconv.Atoi(m[1])
			minor, _ = strconv.Atoi(m[2])
		}
		return full, major, minor, nil
	}
	return "", 0, 0, fmt.Errorf("failed to parse ffmpeg version")
}

// parseCapabilityList extracts names from -encoders / -muxers listings,
// which print a legend, a dashed separator, then "FLAGS name description".
func parseCapabilityList(out string) []string {
	var names []string
	inList := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "--") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		names = append(names, fields[1])
	}
	return names
}
