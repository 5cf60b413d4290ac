package models

// Hard-coded encoder defaults used when neither a destination nor its
// session specify a value.
const (
	DefaultVideoCodec      = "libx264"
	DefaultVideoBitrate    = "2500k"
	DefaultVideoWidth      = 1280
	DefaultVideoHeight     = 720
	DefaultVideoFPS        = 30
	DefaultAudioCodec      = "aac"
	DefaultAudioBitrate    = "128k"
	DefaultAudioSampleRate = 44100
	DefaultAudioChannels   = 2
)

// VideoSettings describes video encoding parameters. Zero values mean "unset".
type VideoSettings struct {
	Codec   string `json:"codec,omitempty"`
	Bitrate string `json:"bitrate,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	FPS     int    `json:"fps,omitempty"`
}

// AudioSettings describes audio encoding parameters. Zero values mean "unset".
type AudioSettings struct {
	Codec      string `json:"codec,omitempty"`
	Bitrate    string `json:"bitrate,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// EncoderSettings pairs video and audio settings.
type EncoderSettings struct {
	Video VideoSettings `json:"video"`
	Audio AudioSettings `json:"audio"`
}

// ResolveSettings merges a per-destination override over the session's
// global settings, then fills anything still unset from the defaults.
// Every field of the result is populated.
func ResolveSettings(global, override EncoderSettings) EncoderSettings {
	return EncoderSettings{
		Video: VideoSettings{
			Codec:   firstString(override.Video.Codec, global.Video.Codec, DefaultVideoCodec),
			Bitrate: firstString(override.Video.Bitrate, global.Video.Bitrate, DefaultVideoBitrate),
			Width:   firstInt(override.Video.Width, global.Video.Width, DefaultVideoWidth),
			Height:  firstInt(override.Video.Height, global.Video.Height, DefaultVideoHeight),
			FPS:     firstInt(override.Video.FPS, global.Video.FPS, DefaultVideoFPS),
		},
		Audio: AudioSettings{
			Codec:      firstString(override.Audio.Codec, global.Audio.Codec, DefaultAudioCodec),
			Bitrate:    firstString(override.Audio.Bitrate, global.Audio.Bitrate, DefaultAudioBitrate),
			SampleRate: firstInt(override.Audio.SampleRate, global.Audio.SampleRate, DefaultAudioSampleRate),
			Channels:   firstInt(override.Audio.Channels, global.Audio.Channels, DefaultAudioChannels),
		},
	}
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Non-positive numbers are treated as unset.
func firstInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
