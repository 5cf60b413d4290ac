package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
	"github.com/jmylchreest/rtmpush/internal/models"
)

func TestOutputSpecs(t *testing.T) {
	dests := []models.Destination{
		{URL: "rtmp://a.example.com/live", StreamKey: "k1", VideoSettings: &models.VideoSettings{Bitrate: "500k"}},
		{URL: "rtmp://b.example.com/live", Enabled: models.BoolPtr(false)},
		{URL: "rtmps://c.example.com/app/"},
	}
	global := models.EncoderSettings{Video: models.VideoSettings{Bitrate: "1M"}}

	specs := OutputSpecs(dests, global, 5*time.Second)
	require.Len(t, specs, 2)

	assert.Equal(t, "rtmp://a.example.com/live/k1", specs[0].URL)
	assert.Equal(t, "500k", specs[0].VideoBitrate)
	assert.Equal(t, "rtmps://c.example.com/app/", specs[1].URL)
	assert.Equal(t, "1M", specs[1].VideoBitrate)

	for _, s := range specs {
		assert.Equal(t, models.DefaultVideoCodec, s.VideoCodec)
		assert.Equal(t, models.DefaultAudioCodec, s.AudioCodec)
		assert.Equal(t, "flv", s.Format)
		assert.Equal(t, 5*time.Second, s.RWTimeout)
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		outputs []ffmpeg.OutputSpec
		maps    int
	}{
		{
			name:    "single destination",
			outputs: []ffmpeg.OutputSpec{{URL: "rtmp://a/live/k", VideoCodec: "libx264", Format: "flv"}},
			maps:    0,
		},
		{
			name: "two destinations",
			outputs: []ffmpeg.OutputSpec{
				{URL: "rtmp://a/live/k", VideoCodec: "libx264", Format: "flv"},
				{URL: "rtmp://b/live/k", VideoCodec: "libx264", Format: "flv"},
			},
			maps: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := BuildCommand("/usr/bin/ffmpeg", "", "/cache/playlists/s.txt", tt.outputs)
			assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)

			args := cmd.Args
			assert.Equal(t, []string{"-loglevel", "info"}, args[:2])
			assert.Subset(t, args, []string{"-hide_banner", "-nostdin", "-stats", "-re"})

			in := indexOf(args, "-i")
			require.Positive(t, in)
			assert.Equal(t, "/cache/playlists/s.txt", args[in+1])
			assert.Equal(t, []string{"-re", "-f", "concat", "-safe", "0"}, args[in-5:in])

			maps := 0
			for _, a := range args {
				if a == "-map" {
					maps++
				}
			}
			assert.Equal(t, tt.maps, maps)
			assert.Equal(t, tt.outputs[len(tt.outputs)-1].URL, args[len(args)-1])
			for _, o := range tt.outputs {
				assert.Contains(t, args, o.URL)
			}
		})
	}
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}
