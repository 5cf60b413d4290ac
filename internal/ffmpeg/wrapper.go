package ffmpeg

import (
	"strconv"
	"strings"
	"time"
)

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// OutputSpec describes one encoded output branch. Zero values leave the
// corresponding option out so FFmpeg picks its own default.
type OutputSpec struct {
	URL string

	VideoCodec   string
	VideoBitrate string
	Width        int
	Height       int
	FPS          int

	AudioCodec   string
	AudioBitrate string
	SampleRate   int
	Channels     int

	// Format is the muxer; RTMP targets use flv.
	Format string

	// RWTimeout fails the output when the destination stops accepting
	// data for this long, instead of blocking the whole process.
	RWTimeout time.Duration
}

// Args renders the per-output options, excluding the target URL.
func (o OutputSpec) Args() []string {
	var args []string
	if o.VideoCodec != "" {
		args = append(args, "-c:v", o.VideoCodec)
		if o.VideoCodec == "libx264" {
			args = append(args, "-preset", "veryfast")
		}
	}
	if o.VideoBitrate != "" {
		args = append(args, "-b:v", o.VideoBitrate)
	}
	if o.Width > 0 && o.Height > 0 {
		args = append(args, "-s", strconv.Itoa(o.Width)+"x"+strconv.Itoa(o.Height))
	}
	if o.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(o.FPS), "-g", strconv.Itoa(o.FPS*2))
	}
	if o.VideoCodec != "" && o.VideoCodec != "copy" {
		args = append(args, "-pix_fmt", "yuv420p")
	}
	if o.AudioCodec != "" {
		args = append(args, "-c:a", o.AudioCodec)
	}
	if o.AudioBitrate != "" {
		args = append(args, "-b:a", o.AudioBitrate)
	}
	if o.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(o.SampleRate))
	}
	if o.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(o.Channels))
	}
	format := o.Format
	if format == "" {
		format = "flv"
	}
	args = append(args, "-f", format)
	if format == "flv" {
		args = append(args, "-flvflags", "no_duration_filesize")
	}
	if o.RWTimeout > 0 {
		args = append(args, "-rw_timeout", strconv.FormatInt(o.RWTimeout.Microseconds(), 10))
	}
	return args
}

type input struct {
	args []string
	path string
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	logLevel   string
	globalArgs []string
	overwrite  bool

	pendingInputArgs []string
	inputs           []input

	filterArgs []string
	outputArgs []string
	output     string
	outputs    []OutputSpec
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Stats enables progress stats output.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats")
	return b
}

// NoStdin stops FFmpeg from reading the terminal.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// InputArgs adds options applied to the next Input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.pendingInputArgs = append(b.pendingInputArgs, args...)
	return b
}

// RealtimeInput reads the next input at its native frame rate.
func (b *CommandBuilder) RealtimeInput() *CommandBuilder {
	return b.InputArgs("-re")
}

// Input adds an input source, consuming any pending input args.
func (b *CommandBuilder) Input(path string) *CommandBuilder {
	b.inputs = append(b.inputs, input{args: b.pendingInputArgs, path: path})
	b.pendingInputArgs = nil
	return b
}

// ConcatInput adds a concat list as input. Absolute paths in the list are
// allowed and the list is reread entry by entry, so rewriting it changes
// what plays next without restarting the process.
func (b *CommandBuilder) ConcatInput(listPath string) *CommandBuilder {
	return b.InputArgs("-f", "concat", "-safe", "0").Input(listPath)
}

// VideoFilter adds a video filter to the simple output.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// OutputArgs adds arbitrary output arguments for the simple output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the simple output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// AddOutput adds an encoded output branch. With more than one branch each
// maps the first input's streams explicitly.
func (b *CommandBuilder) AddOutput(spec OutputSpec) *CommandBuilder {
	b.outputs = append(b.outputs, spec)
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}

	for _, in := range b.inputs {
		args = append(args, in.args...)
		args = append(args, "-i", in.path)
	}

	if b.output != "" {
		if len(b.filterArgs) > 0 {
			args = append(args, "-vf", strings.Join(b.filterArgs, ","))
		}
		args = append(args, b.outputArgs...)
		args = append(args, b.output)
	}

	multi := len(b.outputs) > 1
	for _, o := range b.outputs {
		if multi {
			args = append(args, "-map", "0:v?", "-map", "0:a?")
		}
		args = append(args, o.Args()...)
		args = append(args, o.URL)
	}

	return &Command{Binary: b.binary, Args: args}
}
