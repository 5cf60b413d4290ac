package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// StillClipper renders a still image into a short clip with a silent audio
// track, suitable as a repeatable concat entry.
type StillClipper struct {
	FFmpegPath string
	Width      int
	Height     int
	FPS        int
}

// NewStillClipper returns a clipper producing 1280x720 at 30fps.
func NewStillClipper(ffmpegPath string) *StillClipper {
	return &StillClipper{FFmpegPath: ffmpegPath, Width: 1280, Height: 720, FPS: 30}
}

// StillClipCommand builds the render command for one image.
func (s *StillClipper) StillClipCommand(imagePath, outPath string, duration time.Duration) *Command {
	secs := strconv.FormatFloat(duration.Seconds(), 'f', 3, 64)
	scale := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,format=yuv420p",
		s.Width, s.Height, s.Width, s.Height)

	return NewCommandBuilder(s.FFmpegPath).
		HideBanner().
		NoStdin().
		Overwrite().
		InputArgs("-loop", "1", "-framerate", strconv.Itoa(s.FPS), "-t", secs).
		Input(imagePath).
		InputArgs("-f", "lavfi", "-t", secs).
		Input("anullsrc=r=44100:cl=stereo").
		VideoFilter(scale).
		OutputArgs(
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "stillimage",
			"-r", strconv.Itoa(s.FPS),
			"-c:a", "aac",
			"-b:a", "128k",
			"-shortest",
			"-f", "mp4",
		).
		Output(outPath).
		Build()
}

// StillClip renders imagePath into outPath.
func (s *StillClipper) StillClip(ctx context.Context, imagePath, outPath string, duration time.Duration) error {
	c := s.StillClipCommand(imagePath, outPath, duration)
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr.String())
	}
	return nil
}
