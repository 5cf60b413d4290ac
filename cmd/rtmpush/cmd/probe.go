package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Probe a media file",
	Long: `Run ffprobe on a file and print its streams and duration as JSON.
This is the same probe the relay uses to pace playlist top-ups.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "probe timeout")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	info, err := detector.Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	if info.FFprobePath == "" {
		return fmt.Errorf("ffprobe not found next to %s", info.FFmpegPath)
	}

	res, err := ffmpeg.NewProber(info.FFprobePath).WithTimeout(probeTimeout).Probe(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("probing %s: %w", args[0], err)
	}

	out := struct {
		Path     string             `json:"path"`
		Duration string             `json:"duration"`
		Bitrate  int                `json:"bitrate"`
		Result   *ffmpeg.ProbeResult `json:"probe"`
	}{
		Path:     args[0],
		Duration: res.Duration().String(),
		Bitrate:  res.Bitrate(),
		Result:   res,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding probe result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
