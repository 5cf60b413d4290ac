package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
	"github.com/jmylchreest/rtmpush/internal/models"
)

// Proc is a running encoder as seen by the manager.
type Proc interface {
	// Events must be drained until closed. The last event is EventExited.
	Events() <-chan ffmpeg.Event
	Stop(timeout time.Duration) error
	Pid() int
	StartedAt() time.Time
	StderrLines() []string
	Stats(ctx context.Context) (*ffmpeg.ProcessStats, error)
}

// LaunchSpec is everything needed to start one encoder for a session.
type LaunchSpec struct {
	SessionID    string
	PlaylistPath string
	LogPath      string
	Destinations []models.Destination
	Global       models.EncoderSettings
}

// Launcher starts encoder processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Proc, error)
}

// FFmpegLauncher launches real ffmpeg processes.
type FFmpegLauncher struct {
	Detector *ffmpeg.BinaryDetector
	LogLevel string
	// RWTimeout bounds how long a stalled destination can block its output.
	RWTimeout time.Duration
}

// Launch checks that ffmpeg and the configured encoders are available
// (cached after the first success) and starts the process.
func (l *FFmpegLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	info, err := l.Detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}

	outputs := OutputSpecs(spec.Destinations, spec.Global, l.RWTimeout)
	var encoders []string
	for _, o := range outputs {
		for _, c := range []string{o.VideoCodec, o.AudioCodec} {
			if c != "" && c != "copy" {
				encoders = append(encoders, c)
			}
		}
	}
	if err := info.RequireEncoders(encoders...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}

	cmd := BuildCommand(info.FFmpegPath, l.LogLevel, spec.PlaylistPath, outputs)
	proc, err := ffmpeg.StartProcess(cmd, spec.LogPath)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// OutputSpecs resolves one output branch per enabled destination.
func OutputSpecs(dests []models.Destination, global models.EncoderSettings, rwTimeout time.Duration) []ffmpeg.OutputSpec {
	out := make([]ffmpeg.OutputSpec, 0, len(dests))
	for _, d := range dests {
		if !d.IsEnabled() {
			continue
		}
		s := models.ResolveSettings(global, d.Overrides())
		out = append(out, ffmpeg.OutputSpec{
			URL:          d.TargetURL(),
			VideoCodec:   s.Video.Codec,
			VideoBitrate: s.Video.Bitrate,
			Width:        s.Video.Width,
			Height:       s.Video.Height,
			FPS:          s.Video.FPS,
			AudioCodec:   s.Audio.Codec,
			AudioBitrate: s.Audio.Bitrate,
			SampleRate:   s.Audio.SampleRate,
			Channels:     s.Audio.Channels,
			Format:       "flv",
			RWTimeout:    rwTimeout,
		})
	}
	return out
}

// BuildCommand builds the encoder invocation: the session playlist read in
// real time through the concat demuxer, and one output per destination.
func BuildCommand(ffmpegPath, logLevel, playlistPath string, outputs []ffmpeg.OutputSpec) *ffmpeg.Command {
	if logLevel == "" {
		logLevel = "info"
	}
	b := ffmpeg.NewCommandBuilder(ffmpegPath).
		LogLevel(logLevel).
		HideBanner().
		NoStdin().
		Stats().
		RealtimeInput().
		ConcatInput(playlistPath)
	for _, o := range outputs {
		b.AddOutput(o)
	}
	return b.Build()
}
