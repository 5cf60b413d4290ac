package ffmpeg

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress represents FFmpeg progress information.
type Progress struct {
	Frame      int64         `json:"frame"`
	FPS        float64       `json:"fps"`
	Bitrate    string        `json:"bitrate"`
	TotalSize  int64         `json:"total_size"`
	Time       time.Duration `json:"time"`
	Speed      float64       `json:"speed"`
	DupFrames  int64         `json:"dup_frames"`
	DropFrames int64         `json:"drop_frames"`
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+\s*\w+/s)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)`)
	timeRe    = regexp.MustCompile(`time=(-?\d+):(\d+):(\d+)(?:\.(\d+))?`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	dupRe     = regexp.MustCompile(`dup=\s*(\d+)`)
	dropRe    = regexp.MustCompile(`drop=\s*(\d+)`)
)

// ParseProgress parses one stats line. It reports false for lines that are
// not progress output.
func ParseProgress(line string) (Progress, bool) {
	var p Progress
	m := timeRe.FindStringSubmatch(line)
	if m == nil || !strings.Contains(line, "bitrate=") {
		return p, false
	}

	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	var frac time.Duration
	if m[4] != "" {
		// "12.5" is half a second, "12.05" five hundredths.
		digits := m[4]
		if len(digits) > 9 {
			digits = digits[:9]
		}
		n, _ := strconv.Atoi(digits)
		frac = time.Duration(n) * time.Duration(pow10(9-len(digits)))
	}
	p.Time = time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second + frac
	// Stats lines before the first decoded frame report a negative clock.
	if strings.HasPrefix(m[1], "-") || p.Time < 0 {
		p.Time = 0
	}

	if m := frameRe.FindStringSubmatch(line); len(m) > 1 {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := bitrateRe.FindStringSubmatch(line); len(m) > 1 {
		p.Bitrate = m[1]
	}
	if m := sizeRe.FindStringSubmatch(line); len(m) > 1 {
		p.TotalSize, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := speedRe.FindStringSubmatch(line); len(m) > 1 {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := dupRe.FindStringSubmatch(line); len(m) > 1 {
		p.DupFrames, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := dropRe.FindStringSubmatch(line); len(m) > 1 {
		p.DropFrames, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return p, true
}

func pow10(n int) int64 {
	v := int64(1)
	for range n {
		v *= 10
	}
	return v
}

// ScanLines is a bufio.SplitFunc that splits on '\n' and on the bare '\r'
// FFmpeg uses to redraw its stats line.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
